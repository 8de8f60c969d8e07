package queue

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q := New(0)
	must(t, q.Enqueue(1, 10))
	must(t, q.Enqueue(2, 5))
	must(t, q.Enqueue(3, 5))
	must(t, q.Enqueue(4, 10))

	ctx := context.Background()
	order := []int{}
	for i := 0; i < 4; i++ {
		id, ok := q.Dequeue(ctx, time.Second)
		if !ok {
			t.Fatalf("expected a dequeue at step %d", i)
		}
		order = append(order, id)
	}
	want := []int{2, 3, 1, 4}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDequeueTimesOutWhenEmpty(t *testing.T) {
	q := New(0)
	ctx := context.Background()
	start := time.Now()
	_, ok := q.Dequeue(ctx, 30*time.Millisecond)
	if ok {
		t.Fatal("expected timeout on empty queue")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("returned suspiciously early")
	}
}

func TestMutualExclusionInvariant(t *testing.T) {
	q := New(0)
	must(t, q.Enqueue(1, 10))
	if s, _ := q.StateOf(1); s != StateQueued {
		t.Fatalf("expected queued, got %v", s)
	}
	id, ok := q.Dequeue(context.Background(), time.Second)
	if !ok || id != 1 {
		t.Fatal("expected to dequeue channel 1")
	}
	if s, _ := q.StateOf(1); s != StateInProgress {
		t.Fatalf("expected in_progress, got %v", s)
	}
	q.Complete(1)
	if s, _ := q.StateOf(1); s != StateCompleted {
		t.Fatalf("expected completed, got %v", s)
	}
	if err := q.Enqueue(1, 10); err == nil {
		t.Fatal("expected re-enqueueing a completed channel to fail")
	}
	must(t, q.RemoveFromCompleted(1))
	must(t, q.Enqueue(1, 10))
	if s, _ := q.StateOf(1); s != StateQueued {
		t.Fatalf("expected queued again after RemoveFromCompleted, got %v", s)
	}
}

func TestEnqueueIsIdempotentWhileQueuedOrInProgress(t *testing.T) {
	q := New(0)
	must(t, q.Enqueue(7, 10))
	must(t, q.Enqueue(7, 5)) // no-op, does not change priority or duplicate
	if q.Len() != 1 {
		t.Fatalf("expected exactly one queued entry, got %d", q.Len())
	}
}

func TestFailedChannelCanBeRetried(t *testing.T) {
	q := New(0)
	must(t, q.Enqueue(3, 10))
	id, _ := q.Dequeue(context.Background(), time.Second)
	q.Fail(id, errBoom)
	if err := q.FailureOf(3); err != errBoom {
		t.Fatalf("expected recorded failure, got %v", err)
	}
	must(t, q.Enqueue(3, 10))
	if s, _ := q.StateOf(3); s != StateQueued {
		t.Fatalf("expected retry to move channel back to queued, got %v", s)
	}
}

func TestQueueFullRejectsEnqueue(t *testing.T) {
	q := New(1)
	must(t, q.Enqueue(1, 10))
	if err := q.Enqueue(2, 10); err == nil {
		t.Fatal("expected ErrQueueFull")
	}
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
