package limiter

import (
	"context"
	"testing"
	"time"
)

type fakeSource struct {
	active   map[int]int
	capacity map[int]int
}

func (f *fakeSource) ActiveStreamsForProvider(ctx context.Context, providerID int) (int, error) {
	return f.active[providerID], nil
}
func (f *fakeSource) EffectiveCapacity(providerID int) (int, bool) {
	c, ok := f.capacity[providerID]
	return c, ok
}

func TestAcquireNilProviderAlwaysAcquires(t *testing.T) {
	l := New(&fakeSource{})
	status, h := l.Acquire(context.Background(), nil, time.Second)
	if status != StatusAcquired || h.Real {
		t.Fatalf("expected acquired with no real handle, got %v %+v", status, h)
	}
}

func TestAcquireUnlimitedAlwaysAcquires(t *testing.T) {
	pid := 1
	l := New(&fakeSource{capacity: map[int]int{1: 0}})
	status, _ := l.Acquire(context.Background(), &pid, time.Second)
	if status != StatusAcquired {
		t.Fatalf("expected acquired for unlimited provider, got %v", status)
	}
}

func TestAcquireRespectsCapacity(t *testing.T) {
	pid := 1
	src := &fakeSource{active: map[int]int{1: 0}, capacity: map[int]int{1: 1}}
	l := New(src)

	status, h := l.Acquire(context.Background(), &pid, time.Second)
	if status != StatusAcquired || !h.Real {
		t.Fatalf("expected first acquire to succeed, got %v", status)
	}

	l.backoff = BackoffPolicy{Base: time.Millisecond, Multiplier: 1.5, Cap: 10 * time.Millisecond}
	status2, _ := l.Acquire(context.Background(), &pid, 20*time.Millisecond)
	if status2 != StatusActiveViewers && status2 != StatusTimeout {
		t.Fatalf("expected second acquire to fail while slot is held, got %v", status2)
	}

	l.Release(h)
	status3, h3 := l.Acquire(context.Background(), &pid, time.Second)
	if status3 != StatusAcquired || !h3.Real {
		t.Fatalf("expected acquire to succeed after release, got %v", status3)
	}
}

func TestReleaseUnknownHandleDoesNotPanic(t *testing.T) {
	l := New(&fakeSource{})
	l.Release(Handle{ProviderID: 99, Real: true})
}
