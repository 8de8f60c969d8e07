// Package runner supervises the long-lived goroutines of the coordination
// engine (automation controller loop, check-queue worker) the
// way the teacher's process supervisor ran child processes: a WaitGroup, a
// buffered error channel, fail-fast cancellation, and a timeout-bounded join
// on shutdown — re-expressed for goroutines instead of exec'd subprocesses
// per spec.md §5's "running flag plus wake event" cancellation model.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Task is one long-lived loop. It must return promptly when ctx is
// cancelled; runner.Run gives it JoinTimeout to do so before moving on.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Group runs a fixed set of named Tasks concurrently and supervises their
// lifetime as a unit.
type Group struct {
	// FailFast cancels every other task's context as soon as one task
	// returns a non-nil, non-context.Canceled error.
	FailFast bool

	// JoinTimeout bounds how long shutdown waits for tasks to exit after
	// their context is cancelled before Run returns anyway (spec.md §5:
	// "joins workers with a timeout (≈5s) and proceeds even if a worker
	// refuses to exit").
	JoinTimeout time.Duration

	tasks []Task
}

// Add registers a task. Must be called before Run.
func (g *Group) Add(name string, run func(ctx context.Context) error) {
	g.tasks = append(g.tasks, Task{Name: name, Run: run})
}

// Run starts every registered task and blocks until ctx is cancelled or a
// FailFast task errors. It always returns once every task has either exited
// or JoinTimeout has elapsed since cancellation.
func (g *Group) Run(ctx context.Context) error {
	if len(g.tasks) == 0 {
		return fmt.Errorf("runner: no tasks registered")
	}
	joinTimeout := g.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(g.tasks))
	var wg sync.WaitGroup
	for _, t := range g.tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					select {
					case errCh <- fmt.Errorf("runner: task %q panicked: %v", t.Name, r):
					default:
					}
					if g.FailFast {
						cancel()
					}
				}
			}()
			err := t.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("runner: task %q exited with error: %v", t.Name, err)
				select {
				case errCh <- fmt.Errorf("task %q: %w", t.Name, err):
				default:
				}
				if g.FailFast {
					cancel()
				}
			}
		}(t)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Without FailFast a task error does not end Run; it is returned once
	// every task has exited or ctx is cancelled.
	var failCh <-chan error
	if g.FailFast {
		failCh = errCh
	}

	select {
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(joinTimeout):
			log.Printf("runner: join timeout (%s) elapsed; %d task(s) may still be running", joinTimeout, len(g.tasks))
		}
		if len(errCh) > 0 {
			return <-errCh
		}
		return nil
	case err := <-failCh:
		cancel()
		select {
		case <-done:
		case <-time.After(joinTimeout):
			log.Printf("runner: join timeout (%s) elapsed after failure", joinTimeout)
		}
		return err
	case <-done:
		if len(errCh) > 0 {
			return <-errCh
		}
		return nil
	}
}

// WakeEvent is a 1-capacity signal channel, the "coroutine wake event"
// re-expressed as a channel per spec.md §9's design note. Send is
// non-blocking: a pending, undelivered wake is coalesced with the next one.
type WakeEvent chan struct{}

// NewWakeEvent returns a ready-to-use wake event.
func NewWakeEvent() WakeEvent {
	return make(WakeEvent, 1)
}

// Signal stores one pending wake, so the current or next waiter returns from
// its select immediately; if a wake is already pending it is a no-op.
func (w WakeEvent) Signal() {
	select {
	case w <- struct{}{}:
	default:
	}
}
