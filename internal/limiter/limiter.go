// Package limiter implements the Profile-Aware Concurrency Limiter (C5):
// per-provider "checking" counts layered on top of UDI's live active-viewer
// counts, acquired with exponential backoff. The backoff policy struct is
// grounded in the teacher's internal/httpclient/retry.go RetryPolicy
// (base/multiplier/cap, explicit policy struct rather than a scattered
// sleep), re-purposed here from HTTP retries to semaphore polling.
package limiter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/snapetech/streamqc/internal/metrics"
)

// Status is the outcome of an Acquire call.
type Status int

const (
	StatusAcquired Status = iota
	StatusTimeout
	StatusActiveViewers
)

func (s Status) String() string {
	switch s {
	case StatusAcquired:
		return "acquired"
	case StatusTimeout:
		return "timeout"
	case StatusActiveViewers:
		return "active_viewers"
	default:
		return "unknown"
	}
}

// BackoffPolicy describes the poll cadence used while waiting for a slot
// (spec.md §4.5: "start 100ms, ×1.5, cap 2s").
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

// DefaultBackoff is the policy spec.md §4.5 names explicitly.
var DefaultBackoff = BackoffPolicy{Base: 100 * time.Millisecond, Multiplier: 1.5, Cap: 2 * time.Second}

func (b BackoffPolicy) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.Base
	}
	d := time.Duration(float64(cur) * b.Multiplier)
	if d > b.Cap {
		d = b.Cap
	}
	return d
}

// CapacitySource supplies the two numbers Acquire needs per call:
// UDI.GetActiveStreamsForProvider and Provider.EffectiveCapacity.
type CapacitySource interface {
	ActiveStreamsForProvider(ctx context.Context, providerID int) (int, error)
	EffectiveCapacity(providerID int) (int, bool)
}

// Handle is returned by Acquire and consumed by Release. A zero Handle
// (Real == false) means "nothing to release" — custom streams and
// unlimited providers never occupy a checking slot.
type Handle struct {
	ProviderID int
	Real       bool
}

// Limiter tracks per-provider in-flight-probe counts.
type Limiter struct {
	mu       sync.Mutex
	checking map[int]int
	source   CapacitySource
	backoff  BackoffPolicy
}

// New constructs a Limiter backed by source (normally the UDI).
func New(source CapacitySource) *Limiter {
	return &Limiter{checking: map[int]int{}, source: source, backoff: DefaultBackoff}
}

// Checking implements udi.CheckingCounter so UDI's check_stream_can_run can
// see in-flight probes without importing this package.
func (l *Limiter) Checking(providerID int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checking[providerID]
}

// Acquire implements spec.md §4.5. providerID is nil for custom streams.
func (l *Limiter) Acquire(ctx context.Context, providerID *int, timeout time.Duration) (Status, Handle) {
	if providerID == nil {
		return StatusAcquired, Handle{}
	}
	pid := *providerID
	max, ok := l.source.EffectiveCapacity(pid)
	if !ok || max == 0 {
		return StatusAcquired, Handle{}
	}

	start := time.Now()
	deadline := start.Add(timeout)
	var wait time.Duration
	for {
		active, err := l.source.ActiveStreamsForProvider(ctx, pid)
		if err != nil {
			active = 0
		}

		l.mu.Lock()
		checking := l.checking[pid]
		if active+checking < max {
			l.checking[pid] = checking + 1
			l.mu.Unlock()
			metrics.LimiterWaitSeconds.Observe(time.Since(start).Seconds())
			return StatusAcquired, Handle{ProviderID: pid, Real: true}
		}
		l.mu.Unlock()

		if time.Now().After(deadline) {
			metrics.LimiterWaitSeconds.Observe(time.Since(start).Seconds())
			if active >= max {
				return StatusActiveViewers, Handle{}
			}
			return StatusTimeout, Handle{}
		}

		wait = l.backoff.next(wait)
		select {
		case <-ctx.Done():
			metrics.LimiterWaitSeconds.Observe(time.Since(start).Seconds())
			return StatusTimeout, Handle{}
		case <-time.After(wait):
		}
	}
}

// Release decrements the provider's checking count. A handle with Real false
// is a silent no-op; releasing a real handle whose provider count is missing
// or already zero logs a warning. It never errors (spec.md §4.5).
func (l *Limiter) Release(h Handle) {
	if !h.Real {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.checking[h.ProviderID]
	if !ok || cur <= 0 {
		log.Printf("limiter: release of provider %d with zero checking count (bug)", h.ProviderID)
		return
	}
	l.checking[h.ProviderID] = cur - 1
}

// ErrNoSlot is returned by callers that choose to treat a non-acquired
// status as an error rather than branching on Status.
var ErrNoSlot = fmt.Errorf("limiter: no slot available")
