// Package pipeline implements the Channel-Check Pipeline (C8): the
// fourteen-step per-channel algorithm that probes streams, scores and
// reorders them, detects dead/revived streams, and writes the result back
// to the aggregator and UDI. Grounded on the teacher's internal/plex's
// snapshot-diff-reconcile-with-typed-result shape (dvr_sync.go, extracted
// before the file was dropped as Plex-specific): fetch current state,
// compute a typed delta, apply writes, verify.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/snapetech/streamqc/internal/changelog"
	"github.com/snapetech/streamqc/internal/deadstream"
	"github.com/snapetech/streamqc/internal/limiter"
	"github.com/snapetech/streamqc/internal/metrics"
	"github.com/snapetech/streamqc/internal/prober"
	"github.com/snapetech/streamqc/internal/scorer"
	"github.com/snapetech/streamqc/internal/udi"
)

// Aggregator is the subset of the Aggregator Client the pipeline writes
// through and falls back to on a UDI cache miss.
type Aggregator interface {
	FetchChannelByID(ctx context.Context, id int) (udi.Channel, error)
	PatchStreamStats(ctx context.Context, streamID int, stats udi.StreamStats) error
	PatchChannelStreams(ctx context.Context, channelID int, streamIDs []int) error
}

// AccountLimits implements spec.md §6's account_stream_limits.
type AccountLimits struct {
	Enabled      bool
	GlobalLimit  int // 0 = unlimited
	PerProvider  map[int]int
}

func (a AccountLimits) limitFor(providerID int) int {
	if n, ok := a.PerProvider[providerID]; ok {
		return n
	}
	return a.GlobalLimit
}

// Config holds the tunables spec.md §6 lists for stream_analysis, scoring,
// concurrent_streams, dead_stream_handling, account_stream_limits,
// stream_ordering, and profile_failover.
type Config struct {
	Weights    scorer.Weights
	Thresholds scorer.Thresholds
	PreferH265 bool

	ProbeOptions prober.Options
	Retries      int
	RetryDelay   time.Duration

	ConcurrencyEnabled bool
	LimiterTimeout     time.Duration

	ProfileFailoverEnabled bool
	Phase2MaxWait          time.Duration
	Phase2PollInterval     time.Duration

	ProviderDiversification bool
	AccountLimits           AccountLimits
	RemoveDeadStreams       bool
}

// RunOptions are the per-invocation flags spec.md §4.8 names.
type RunOptions struct {
	Force          bool
	SkipBatchEntry bool
}

// Result is the per-channel outcome the caller (queue worker, manual
// trigger) inspects.
type Result struct {
	ChannelID    int
	DeadCount    int
	RevivedCount int
	Skipped      bool
	SkipReason   string
}

// Pipeline ties every dependent component together (spec.md §4.8).
type Pipeline struct {
	UDI       *udi.UDI
	Agg       Aggregator
	Limiter   *limiter.Limiter
	Dead      *deadstream.Tracker
	Tracker   *CheckTracker
	Changelog *changelog.Changelog
	Progress  *changelog.ProgressReporter
	Cfg       Config

	// Probe is overridable for tests; defaults to prober.ProbeWithRetries.
	Probe func(ctx context.Context, opts prober.Options) prober.Result
}

func (p *Pipeline) probe(ctx context.Context, opts prober.Options) prober.Result {
	if p.Probe != nil {
		return p.Probe(ctx, opts)
	}
	return prober.ProbeWithRetries(ctx, opts, p.Cfg.Retries, p.Cfg.RetryDelay)
}

type scoredStream struct {
	stream        udi.Stream
	input         scorer.Input
	score         float64
	dead          bool
	skipReason    string
	wasCached     bool
	usedProfileID int
	failoverPhase int
}

// Run executes the fourteen-step pipeline for one channel (spec.md §4.8).
func (p *Pipeline) Run(ctx context.Context, channelID int, opts RunOptions) (Result, error) {
	p.reportProgress(channelID, "", 0, 0, "initializing", "")

	channel, ok := p.UDI.GetChannelByID(channelID)
	if !ok {
		if err := p.UDI.RefreshChannelByID(ctx, channelID); err != nil {
			metrics.ChannelChecksTotal.WithLabelValues("failed", "channel_refresh_error").Inc()
			return Result{ChannelID: channelID}, fmt.Errorf("pipeline: channel %d: %w", channelID, err)
		}
		channel, ok = p.UDI.GetChannelByID(channelID)
		if !ok {
			metrics.ChannelChecksTotal.WithLabelValues("failed", "unknown_channel").Inc()
			return Result{ChannelID: channelID}, fmt.Errorf("pipeline: unknown channel %d", channelID)
		}
	}
	p.clearProgress(channelID)

	streams, err := p.UDI.GetChannelStreams(channelID)
	if err != nil {
		metrics.ChannelChecksTotal.WithLabelValues("failed", "fetch_streams_error").Inc()
		return Result{ChannelID: channelID}, err
	}
	if len(streams) == 0 {
		p.Tracker.Update(channelID, nil)
		metrics.ChannelChecksTotal.WithLabelValues("skipped", "no_streams").Inc()
		return Result{ChannelID: channelID, Skipped: true, SkipReason: "no_streams"}, nil
	}

	// Step 3: limit check.
	if active, _ := p.UDI.IsChannelActive(ctx, channelID); active {
		return p.skip(channel, opts, "active_viewers")
	}
	anyCanRun := false
	for _, s := range streams {
		if ok, _ := p.UDI.CheckStreamCanRun(ctx, s); ok {
			anyCanRun = true
			break
		}
	}
	if !anyCanRun {
		return p.skip(channel, opts, "max_streams_reached")
	}

	// Step 4: immunity partition.
	state := p.Tracker.Get(channelID)
	force := opts.Force || state.ForceCheck
	toProbe, cached := partitionImmunity(streams, state, force)
	if !force && len(toProbe) == 0 && sameIDSet(idsOf(streams), state.CheckedStreamIDs) {
		metrics.ChannelChecksTotal.WithLabelValues("skipped", "immune").Inc()
		return Result{ChannelID: channelID, Skipped: true, SkipReason: "immune"}, nil
	}

	// Step 5: parallel probes.
	probed := p.runProbes(ctx, channelID, toProbe)

	// Step 6: PATCH + mirror + dead/revive transitions for probed streams.
	scored := make([]scoredStream, 0, len(streams))
	deadCount, revivedCount := 0, 0
	for _, pr := range probed {
		entry, revived := p.applyProbeResult(ctx, channelID, pr)
		if entry.dead {
			deadCount++
		}
		if revived {
			revivedCount++
		}
		scored = append(scored, entry)
	}

	// Step 7: cached streams, recomputed from stored stats.
	for _, s := range cached {
		entry, revived := p.evaluateCached(channelID, s)
		if revived {
			revivedCount++
		}
		scored = append(scored, entry)
	}

	// Step 8: score + sort descending.
	for i := range scored {
		scored[i].input = p.buildInput(channel, scored[i].stream, scored[i].input)
		scored[i].score = scorer.Score(scored[i].input, p.Cfg.Weights, p.Cfg.Thresholds, p.Cfg.PreferH265)
		scored[i].dead = scorer.IsDead(scored[i].input, p.Cfg.Weights, p.Cfg.Thresholds, p.Cfg.PreferH265)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	// Step 9: provider diversification.
	ordered := scored
	if p.Cfg.ProviderDiversification {
		ordered = diversifyByProvider(scored)
	}

	// Step 10: account limits after scoring.
	if p.Cfg.AccountLimits.Enabled {
		ordered = applyAccountLimits(ordered, p.Cfg.AccountLimits)
	}

	// Step 11: dead removal.
	final := ordered
	if p.Cfg.RemoveDeadStreams {
		final = filterDead(ordered)
	}

	finalIDs := make([]int, len(final))
	for i, e := range final {
		finalIDs[i] = e.stream.ID
	}

	// Step 12: PATCH channel streams + verify.
	if err := p.Agg.PatchChannelStreams(ctx, channelID, finalIDs); err != nil {
		log.Printf("pipeline: patch channel %d streams: %v", channelID, err)
	} else {
		p.UDI.UpdateChannel(channelID, func(c *udi.Channel) { c.Streams = finalIDs })
		if updated, ok := p.UDI.GetChannelByID(channelID); ok && !sameIDSet(updated.Streams, finalIDs) {
			log.Printf("pipeline: warning: channel %d streams mismatch after write-verify", channelID)
		}
	}

	// Step 13: update check-tracker state.
	if err := p.Tracker.Update(channelID, finalIDs); err != nil {
		log.Printf("pipeline: update check tracker for channel %d: %v", channelID, err)
	}

	// Step 14: changelog entry.
	if !opts.SkipBatchEntry && p.Changelog != nil {
		p.Changelog.AppendChannelCheck(toChangelogResult(channel, len(streams), len(probed)+len(cached), deadCount, revivedCount, scored))
	}

	metrics.ChannelChecksTotal.WithLabelValues("ok", "").Inc()
	return Result{ChannelID: channelID, DeadCount: deadCount, RevivedCount: revivedCount}, nil
}

func (p *Pipeline) skip(channel udi.Channel, opts RunOptions, reason string) (Result, error) {
	if !opts.SkipBatchEntry && p.Changelog != nil {
		p.Changelog.AppendChannelCheck(changelog.ChannelCheckResult{ChannelID: channel.ID, Name: channel.Name, Success: true})
	}
	metrics.ChannelChecksTotal.WithLabelValues("skipped", reason).Inc()
	return Result{ChannelID: channel.ID, Skipped: true, SkipReason: reason}, nil
}

func partitionImmunity(streams []udi.Stream, state ChannelCheckState, force bool) (toProbe, cached []udi.Stream) {
	if force {
		return streams, nil
	}
	checked := make(map[int]struct{}, len(state.CheckedStreamIDs))
	for _, id := range state.CheckedStreamIDs {
		checked[id] = struct{}{}
	}
	for _, s := range streams {
		if _, ok := checked[s.ID]; ok {
			cached = append(cached, s)
		} else {
			toProbe = append(toProbe, s)
		}
	}
	return toProbe, cached
}

func idsOf(streams []udi.Stream) []int {
	out := make([]int, len(streams))
	for i, s := range streams {
		out[i] = s.ID
	}
	return out
}

func sameIDSet(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[int]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}

type probedStream struct {
	stream        udi.Stream
	result        prober.Result
	usedProfileID int
	failoverPhase int
	skippedReason string
}

// runProbes implements step 5: acquire a provider slot per stream (honoring
// profile failover), run the analyzer, release immediately on completion.
func (p *Pipeline) runProbes(ctx context.Context, channelID int, toProbe []udi.Stream) []probedStream {
	if len(toProbe) == 0 {
		return nil
	}
	results := make([]probedStream, len(toProbe))
	var wg sync.WaitGroup
	run := func(i int, s udi.Stream) {
		defer wg.Done()
		results[i] = p.probeOne(ctx, channelID, s, len(toProbe), i+1)
	}
	for i, s := range toProbe {
		if p.Cfg.ConcurrencyEnabled {
			wg.Add(1)
			go run(i, s)
		} else {
			wg.Add(1)
			run(i, s)
		}
	}
	wg.Wait()
	return results
}

func (p *Pipeline) probeOne(ctx context.Context, channelID int, s udi.Stream, total, idx int) probedStream {
	p.reportProgress(channelID, "", idx, total, "probing", s.Name)
	status, handle := p.Limiter.Acquire(ctx, s.ProviderID, p.Cfg.LimiterTimeout)
	switch status {
	case limiter.StatusActiveViewers:
		return probedStream{stream: s, skippedReason: "quota_consumed_by_active_viewers"}
	case limiter.StatusTimeout:
		log.Printf("pipeline: channel %d stream %d: limiter timeout, skipping", channelID, s.ID)
		return probedStream{stream: s, skippedReason: "limiter_timeout"}
	}
	defer p.Limiter.Release(handle)

	fo := p.probeWithFailover(ctx, channelID, s)
	return probedStream{stream: s, result: fo.result, usedProfileID: fo.profileID, failoverPhase: fo.phase}
}

// probeFailoverResult bundles a probe attempt with the profile-failover
// bookkeeping spec.md's S5 scenario requires to be observable
// (`used_profile_id=B, profile_failover_phase=1`).
type probeFailoverResult struct {
	result    prober.Result
	profileID int
	phase     int
}

// probeWithFailover implements profile failover (spec.md §4.5). Phase 1
// enumerates every currently-available profile for the stream's provider, in
// order, transforming and probing each; it returns on the first non-dead OK
// result and otherwise records the last error and continues. Phase 2 polls
// for a profile to free up until Phase2MaxWait elapses; on total exhaustion
// the stream is marked dead with the last recorded error.
func (p *Pipeline) probeWithFailover(ctx context.Context, channelID int, s udi.Stream) probeFailoverResult {
	if s.ProviderID == nil || !p.Cfg.ProfileFailoverEnabled {
		opts := p.Cfg.ProbeOptions
		opts.URL = s.URL
		return probeFailoverResult{result: p.probe(ctx, opts)}
	}

	var lastErr error

	// Phase 1: every immediately-available profile, in order.
	for _, prof := range p.UDI.AvailableProfilesForStream(ctx, s) {
		res, err := p.probeProfile(ctx, prof, s.URL)
		if err == nil {
			return probeFailoverResult{result: res, profileID: prof.ID, phase: 1}
		}
		lastErr = err
	}

	if p.Cfg.Phase2MaxWait <= 0 {
		if lastErr != nil {
			p.markDeadFromFailover(channelID, s, lastErr)
		}
		return probeFailoverResult{}
	}

	// Phase 2: poll for any profile to free up until the deadline elapses.
	deadline := time.Now().Add(p.Cfg.Phase2MaxWait)
	interval := p.Cfg.Phase2PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			p.markDeadFromFailover(channelID, s, lastErr)
			return probeFailoverResult{}
		case <-time.After(interval):
		}
		for _, prof := range p.UDI.AvailableProfilesForStream(ctx, s) {
			res, err := p.probeProfile(ctx, prof, s.URL)
			if err == nil {
				return probeFailoverResult{result: res, profileID: prof.ID, phase: 2}
			}
			lastErr = err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("pipeline: stream %d: no profile ever available for provider %d", s.ID, *s.ProviderID)
	}
	p.markDeadFromFailover(channelID, s, lastErr)
	return probeFailoverResult{}
}

// probeProfile transforms url with prof and probes it, returning a
// descriptive error when the result is not a usable, non-dead OK probe so
// the failover loop can fall through to the next profile.
func (p *Pipeline) probeProfile(ctx context.Context, prof udi.Profile, url string) (prober.Result, error) {
	opts := p.Cfg.ProbeOptions
	opts.URL = udi.ApplyProfileURLTransformation(url, &prof)
	res := p.probe(ctx, opts)
	if res.Status != prober.StatusOK {
		return res, fmt.Errorf("pipeline: profile %d: probe status %s", prof.ID, res.Status)
	}
	in := scorer.Input{Resolution: res.Resolution, FPS: res.FPS, VideoCodec: res.VideoCodec, BitrateKbps: res.BitrateKbps}
	if scorer.IsDead(in, p.Cfg.Weights, p.Cfg.Thresholds, p.Cfg.PreferH265) {
		return res, fmt.Errorf("pipeline: profile %d: probe result dead", prof.ID)
	}
	return res, nil
}

// markDeadFromFailover implements spec.md §4.5 Phase 2's exhaustion clause:
// "mark the stream dead with the last error." deadstream.Entry carries no
// error field, so the error is logged alongside the mark-dead call.
func (p *Pipeline) markDeadFromFailover(channelID int, s udi.Stream, lastErr error) {
	log.Printf("pipeline: channel %d stream %d: profile failover exhausted: %v", channelID, s.ID, lastErr)
	if p.Dead != nil {
		if err := p.Dead.MarkDead(s.URL, s.ID, channelID, s.Name); err != nil {
			log.Printf("pipeline: channel %d stream %d: mark dead: %v", channelID, s.ID, err)
		}
	}
}

// applyProbeResult implements step 6: PATCH stats, mirror into UDI, and
// drive the dead-stream tracker transition. Returns whether this call
// revived a stream previously marked dead.
func (p *Pipeline) applyProbeResult(ctx context.Context, channelID int, pr probedStream) (scoredStream, bool) {
	s := pr.stream
	if pr.skippedReason != "" {
		return p.evaluateCached(channelID, s)
	}

	stats := udi.StreamStats{
		Resolution: pr.result.Resolution, SourceFPS: pr.result.FPS,
		VideoCodec: pr.result.VideoCodec, AudioCodec: pr.result.AudioCodec,
		FFmpegOutputBitrateKbps: pr.result.BitrateKbps,
	}
	if pr.result.Status == prober.StatusOK {
		if err := p.Agg.PatchStreamStats(ctx, s.ID, stats); err != nil {
			log.Printf("pipeline: patch stream %d stats: %v", s.ID, err)
		}
		p.UDI.UpdateStream(s.ID, func(st *udi.Stream) { st.StreamStats = &stats })
		s.StreamStats = &stats
	}

	in := scorer.Input{
		Resolution: stats.Resolution, FPS: stats.SourceFPS,
		VideoCodec: stats.VideoCodec, BitrateKbps: stats.FFmpegOutputBitrateKbps,
	}
	dead := pr.result.Status != prober.StatusOK || scorer.IsDead(in, p.Cfg.Weights, p.Cfg.Thresholds, p.Cfg.PreferH265)
	revived := p.transitionDead(channelID, s, dead)
	return scoredStream{
		stream: s, input: in, dead: dead,
		usedProfileID: pr.usedProfileID, failoverPhase: pr.failoverPhase,
	}, revived
}

// evaluateCached implements step 7: recompute the dead/revive transition
// from UDI's stored stats without re-probing.
func (p *Pipeline) evaluateCached(channelID int, s udi.Stream) (scoredStream, bool) {
	var in scorer.Input
	if s.StreamStats != nil {
		in = scorer.Input{
			Resolution: s.StreamStats.Resolution, FPS: s.StreamStats.SourceFPS,
			VideoCodec: s.StreamStats.VideoCodec, BitrateKbps: s.StreamStats.FFmpegOutputBitrateKbps,
		}
	}
	dead := scorer.IsDead(in, p.Cfg.Weights, p.Cfg.Thresholds, p.Cfg.PreferH265)
	revived := p.transitionDead(channelID, s, dead)
	return scoredStream{stream: s, input: in, dead: dead, wasCached: true}, revived
}

// transitionDead drives the dead-stream tracker's dead/alive transition and
// reports whether this call revived a previously-dead stream.
func (p *Pipeline) transitionDead(channelID int, s udi.Stream, dead bool) bool {
	if p.Dead == nil {
		return false
	}
	wasDead := p.Dead.IsDead(s.URL)
	if dead {
		p.Dead.MarkDead(s.URL, s.ID, channelID, s.Name)
		return false
	}
	p.Dead.MarkAlive(s.URL)
	return wasDead
}

// buildInput fills in the provider priority/mode and channel preference
// fields the scorer needs (spec.md §4.7), which are looked up from UDI
// rather than carried on scoredStream to keep step 6/7 simple.
func (p *Pipeline) buildInput(channel udi.Channel, s udi.Stream, in scorer.Input) scorer.Input {
	in.Pref = scorer.ChannelPreference{
		Prefer4K: channel.Prefer4K, Avoid4K: channel.Avoid4K,
		Max1080p: channel.Max1080p, Max720p: channel.Max720p,
	}
	if s.ProviderID != nil {
		if provider, ok := p.UDI.GetProviderByID(*s.ProviderID); ok {
			in.ProviderPriority = provider.Priority
			in.ProviderMode = scorer.PriorityMode(provider.PriorityMode)
		}
	}
	return in
}

func (p *Pipeline) reportProgress(channelID int, name string, current, total int, step, detail string) {
	if p.Progress == nil {
		return
	}
	pct := 0.0
	if total > 0 {
		pct = float64(current) / float64(total) * 100
	}
	p.Progress.Update(changelog.Progress{
		ChannelID: channelID, Name: name, Current: current, Total: total,
		Step: step, Detail: detail, Percentage: pct,
	})
}

func (p *Pipeline) clearProgress(channelID int) {
	if p.Progress == nil {
		return
	}
	p.Progress.Clear(channelID)
}

func toChangelogResult(channel udi.Channel, total, analyzed, dead, revived int, scored []scoredStream) changelog.ChannelCheckResult {
	samples := make([]changelog.StreamSample, len(scored))
	for i, e := range scored {
		samples[i] = changelog.StreamSample{
			StreamID: e.stream.ID, Name: e.stream.Name, Resolution: e.input.Resolution,
			BitrateKbps: e.input.BitrateKbps, FPS: e.input.FPS, Score: e.score, Dead: e.dead,
			UsedProfileID: e.usedProfileID, FailoverPhase: e.failoverPhase,
		}
	}
	return changelog.ChannelCheckResult{
		ChannelID: channel.ID, Name: channel.Name, Success: true,
		Total: total, Analyzed: analyzed, Dead: dead, Revived: revived, Streams: samples,
	}
}
