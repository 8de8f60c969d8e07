// Package metrics defines the in-process Prometheus collectors SPEC_FULL.md's
// Domain Stack section names: probes_total, dead_streams_gauge,
// queue_depth_gauge, limiter_wait_seconds. Grounded on the pack's
// package-level promauto.NewCounterVec/NewGauge idiom (Livepeer-FrameWorks
// api_sidecar/internal/control/metrics.go) rather than a hand-rolled
// counter map. No HTTP /metrics handler is registered here — that is
// REST-surface, out of scope per spec.md's Non-goals — callers that do want
// exposition can mount promhttp.Handler() against the default registry
// these collectors register into.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbesTotal counts analyzer invocations by outcome status
	// ("ok", "timeout", "error").
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamqc",
			Name:      "probes_total",
			Help:      "Total stream probes run, by outcome status.",
		},
		[]string{"status"},
	)

	// ChannelChecksTotal counts completed channel-check pipeline runs by
	// outcome ("ok", "skipped", "failed") and skip reason when skipped.
	ChannelChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamqc",
			Name:      "channel_checks_total",
			Help:      "Total channel-check pipeline runs, by outcome.",
		},
		[]string{"outcome", "reason"},
	)

	// DeadStreamsGauge tracks the current size of the dead-stream tracker.
	DeadStreamsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "streamqc",
			Name:      "dead_streams_gauge",
			Help:      "Current number of streams marked dead.",
		},
	)

	// QueueDepthGauge tracks the check queue's current length (queued +
	// in_progress).
	QueueDepthGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "streamqc",
			Name:      "queue_depth_gauge",
			Help:      "Current number of channels queued or in progress.",
		},
	)

	// LimiterWaitSeconds observes how long a probe waited to acquire a
	// provider slot, including backoff polling.
	LimiterWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "streamqc",
			Name:      "limiter_wait_seconds",
			Help:      "Time spent waiting to acquire a provider probing slot.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// GlobalActionsTotal counts completed global actions by outcome.
	GlobalActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamqc",
			Name:      "global_actions_total",
			Help:      "Total scheduled/manual global actions run, by outcome.",
		},
		[]string{"outcome"},
	)
)
