package queue

import (
	"context"
	"log"
	"time"
)

// Runner is the subset of the Channel-Check Pipeline the worker drives. A
// local interface (rather than importing internal/pipeline directly) keeps
// this package free of a dependency on internal/pipeline, the same reason internal/udi defines its
// own Aggregator interface instead of importing internal/aggregator.
type Runner interface {
	Run(ctx context.Context, channelID int, opts RunOptions) (RunResult, error)
}

// RunOptions/RunResult mirror pipeline.RunOptions/pipeline.Result's shape
// closely enough for the worker to pass values through untyped at the call
// site; cmd/streamqc adapts the concrete pipeline types to these via a thin
// wrapper so internal/queue never imports internal/pipeline.
type RunOptions struct {
	Force          bool
	SkipBatchEntry bool
}

type RunResult struct {
	DeadCount    int
	RevivedCount int
	Skipped      bool
	SkipReason   string
}

// Batcher is the subset of the changelog the worker needs to open/close a
// batch around a run of dequeues (spec.md §4.9/§4.11's idle/batching rule).
type Batcher interface {
	BeginBatch(global bool)
	FinalizeBatch() error
}

// Worker repeatedly dequeues channel ids and runs them through the pipeline,
// consolidating a run of dequeues that follow one another without an idle
// gap into one changelog batch (spec.md §4.9's worker-loop contract: "on
// first dequeue after idle, start a batch; on empty after having had work,
// finalize the batch").
type Worker struct {
	Queue        *Queue
	Runner       Runner
	Changelog    Batcher
	PollTimeout  time.Duration // how long Dequeue blocks before reporting empty
	IdleFinalize time.Duration // how long the queue must stay empty before FinalizeBatch fires
}

// Run drives the worker loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	pollTimeout := w.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Second
	}
	idleFinalize := w.IdleFinalize
	if idleFinalize <= 0 {
		idleFinalize = 5 * time.Second
	}

	inBatch := false
	var idleSince time.Time

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		channelID, ok := w.Queue.Dequeue(ctx, pollTimeout)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if inBatch {
				if idleSince.IsZero() {
					idleSince = time.Now()
				}
				if time.Since(idleSince) >= idleFinalize {
					if w.Changelog != nil {
						if err := w.Changelog.FinalizeBatch(); err != nil {
							log.Printf("queue worker: finalize batch: %v", err)
						}
					}
					inBatch = false
					idleSince = time.Time{}
				}
			}
			continue
		}

		idleSince = time.Time{}
		if !inBatch {
			if w.Changelog != nil {
				w.Changelog.BeginBatch(false)
			}
			inBatch = true
		}

		result, err := w.Runner.Run(ctx, channelID, RunOptions{})
		if err != nil {
			log.Printf("queue worker: channel %d: %v", channelID, err)
			w.Queue.Fail(channelID, err)
			continue
		}
		if result.Skipped {
			log.Printf("queue worker: channel %d skipped (%s)", channelID, result.SkipReason)
		}
		w.Queue.Complete(channelID)
	}
}
