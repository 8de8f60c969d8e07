package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGroupRunFailFastCancelsSiblings(t *testing.T) {
	g := &Group{FailFast: true, JoinTimeout: time.Second}

	siblingCancelled := make(chan struct{})
	g.Add("boom", func(ctx context.Context) error {
		return errors.New("boom")
	})
	g.Add("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		close(siblingCancelled)
		return ctx.Err()
	})

	err := g.Run(context.Background())
	if err == nil {
		t.Fatal("expected error from failing task")
	}
	select {
	case <-siblingCancelled:
	case <-time.After(time.Second):
		t.Fatal("sibling task was not cancelled")
	}
}

func TestGroupRunCleanShutdown(t *testing.T) {
	g := &Group{JoinTimeout: time.Second}
	g.Add("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestWakeEventCoalesces(t *testing.T) {
	w := NewWakeEvent()
	w.Signal()
	w.Signal() // second signal must not block

	select {
	case <-w:
	default:
		t.Fatal("expected pending signal")
	}
	select {
	case <-w:
		t.Fatal("expected only one coalesced signal")
	default:
	}
}
