package automation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/snapetech/streamqc/internal/changelog"
	"github.com/snapetech/streamqc/internal/deadstream"
	"github.com/snapetech/streamqc/internal/metrics"
	"github.com/snapetech/streamqc/internal/pipeline"
	"github.com/snapetech/streamqc/internal/queue"
	"github.com/snapetech/streamqc/internal/regexmatch"
	"github.com/snapetech/streamqc/internal/runner"
	"github.com/snapetech/streamqc/internal/schedule"
	"github.com/snapetech/streamqc/internal/udi"
)

// Aggregator is the subset of the Aggregator Client the controller drives
// directly (playlist refreshes); everything else goes through UDI/pipeline.
type Aggregator interface {
	RefreshProviderPlaylist(ctx context.Context, providerID int) error
	RefreshAllPlaylists(ctx context.Context) error
}

// Controller runs the playlist cycle and global action (spec.md §4.10).
type Controller struct {
	ConfigPath string

	UDI       *udi.UDI
	Agg       Aggregator
	Matcher   *regexmatch.Matcher
	Dead      *deadstream.Tracker
	Queue     *queue.Queue
	Pipeline  *pipeline.Pipeline
	Tracker   *pipeline.CheckTracker
	Changelog *changelog.Changelog

	Tick time.Duration
	Wake runner.WakeEvent

	mu                     sync.Mutex
	cfg                    Config
	globalActionInProgress bool
}

// Load reads the controller's persisted config. Must be called before Run.
func (c *Controller) Load() error {
	cfg, err := LoadConfig(c.ConfigPath)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

func (c *Controller) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) setLastPlaylistUpdate(t time.Time) {
	c.mu.Lock()
	c.cfg.LastPlaylistUpdateUnix = t.Unix()
	cfg := c.cfg
	c.mu.Unlock()
	if err := SaveConfig(c.ConfigPath, cfg); err != nil {
		log.Printf("automation: save config: %v", err)
	}
}

func (c *Controller) setLastGlobalCheck(t time.Time) {
	c.mu.Lock()
	c.cfg.LastGlobalCheckUnix = t.Unix()
	cfg := c.cfg
	c.mu.Unlock()
	if err := SaveConfig(c.ConfigPath, cfg); err != nil {
		log.Printf("automation: save config: %v", err)
	}
}

func (c *Controller) inGlobalAction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalActionInProgress
}

func (c *Controller) setGlobalAction(v bool) {
	c.mu.Lock()
	c.globalActionInProgress = v
	c.mu.Unlock()
}

// Run is the controller's long-lived loop (wired into runner.Group as a
// Task): wakes on a short period or an explicit wake event, and on each wake
// checks whether the playlist cycle or the global action is due.
func (c *Controller) Run(ctx context.Context) error {
	tick := c.Tick
	if tick <= 0 {
		tick = 60 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.checkDue(ctx)
		case <-c.Wake:
			c.checkDue(ctx)
		}
	}
}

func (c *Controller) checkDue(ctx context.Context) {
	cfg := c.config()
	if !cfg.Enabled {
		return
	}
	now := time.Now()

	if !c.inGlobalAction() && c.playlistCycleDue(cfg, now) {
		if err := c.PlaylistCycle(ctx); err != nil {
			log.Printf("automation: playlist cycle: %v", err)
		}
	}
	if cfg.Controls.ScheduledGlobalAction && cfg.GlobalCheckSchedule.Enabled && !c.inGlobalAction() {
		if c.globalActionDue(cfg, now) {
			if err := c.GlobalAction(ctx); err != nil {
				log.Printf("automation: global action: %v", err)
			}
		}
	}
}

func (c *Controller) playlistCycleDue(cfg Config, now time.Time) bool {
	last := time.Unix(cfg.LastPlaylistUpdateUnix, 0)
	if cfg.LastPlaylistUpdateUnix == 0 {
		return true
	}
	if cfg.PlaylistCycle.CronExpression != "" {
		expr, err := schedule.Parse(cfg.PlaylistCycle.CronExpression)
		if err != nil {
			log.Printf("automation: bad playlist_cycle cron: %v", err)
			return false
		}
		next := expr.NextRun(last, time.Local)
		return !next.After(now)
	}
	interval := time.Duration(cfg.PlaylistCycle.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return now.Sub(last) >= interval
}

// globalActionDue implements spec.md §4.10's cron rule: on cold start
// (last_global_check == 0) only fire if now is within ±10 minutes of the
// most recent scheduled instant; afterwards, fire once the previous
// scheduled instant has moved past last_global_check.
func (c *Controller) globalActionDue(cfg Config, now time.Time) bool {
	expr, err := schedule.Parse(cfg.GlobalCheckSchedule.CronExpression)
	if err != nil {
		log.Printf("automation: bad global_check_schedule cron: %v", err)
		return false
	}
	prev := expr.PrevRun(now, time.Local)
	if cfg.LastGlobalCheckUnix == 0 {
		return !prev.IsZero() && absDuration(now.Sub(prev)) <= 10*time.Minute
	}
	last := time.Unix(cfg.LastGlobalCheckUnix, 0)
	return prev.After(last)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// PlaylistCycle implements spec.md §4.10's playlist-refresh/match cycle.
func (c *Controller) PlaylistCycle(ctx context.Context) error {
	cfg := c.config()

	if cfg.Controls.AutoM3UUpdates {
		if err := c.refreshEnabledProviders(ctx); err != nil {
			log.Printf("automation: refresh providers: %v", err)
		}
	}

	if err := c.UDI.RefreshAll(ctx); err != nil {
		return fmt.Errorf("automation: refresh UDI: %w", err)
	}

	if cfg.Controls.RemoveNonMatchingStreams {
		if err := c.removeNonMatchingStreams(ctx); err != nil {
			log.Printf("automation: remove non-matching streams: %v", err)
		}
	}

	touched := map[int]struct{}{}
	if cfg.Controls.AutoStreamMatching {
		touched = c.matchAndAssign(ctx)
	}

	if cfg.Controls.AutoQualityChecking {
		for channelID := range touched {
			c.Queue.RemoveFromCompleted(channelID)
			if err := c.Queue.Enqueue(channelID, queue.PriorityUpdateDriven); err != nil {
				log.Printf("automation: enqueue channel %d: %v", channelID, err)
			}
		}
	}

	c.setLastPlaylistUpdate(time.Now())
	return nil
}

func (c *Controller) refreshEnabledProviders(ctx context.Context) error {
	for _, p := range c.UDI.GetProviders() {
		if !p.IsActive {
			continue
		}
		if err := c.Agg.RefreshProviderPlaylist(ctx, p.ID); err != nil {
			log.Printf("automation: refresh provider %d playlist: %v", p.ID, err)
		}
	}
	return nil
}

// removeNonMatchingStreams implements spec.md §4.10 step 3.
func (c *Controller) removeNonMatchingStreams(ctx context.Context) error {
	matched := c.matchedStreamsByChannel()
	for _, channelID := range c.Matcher.EnabledChannelIDs() {
		channel, ok := c.UDI.GetChannelByID(channelID)
		if !ok {
			continue
		}
		keep := matched[channelID]
		keepSet := map[int]struct{}{}
		for _, id := range keep {
			keepSet[id] = struct{}{}
		}
		var kept []int
		changed := false
		for _, id := range channel.Streams {
			if _, ok := keepSet[id]; ok {
				kept = append(kept, id)
			} else {
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := c.patchChannelStreams(ctx, channelID, kept); err != nil {
			log.Printf("automation: patch channel %d streams: %v", channelID, err)
		}
	}
	return nil
}

// matchAndAssign implements spec.md §4.10 step 4, returning the set of
// channels that received at least one newly-assigned stream.
func (c *Controller) matchAndAssign(ctx context.Context) map[int]struct{} {
	matched := c.matchedStreamsByChannel()
	touched := map[int]struct{}{}

	for channelID, streamIDs := range matched {
		channel, ok := c.UDI.GetChannelByID(channelID)
		if !ok {
			continue
		}
		existing := map[int]struct{}{}
		for _, id := range channel.Streams {
			existing[id] = struct{}{}
		}
		merged := append([]int{}, channel.Streams...)
		added := false
		for _, id := range streamIDs {
			if _, ok := existing[id]; ok {
				continue
			}
			merged = append(merged, id)
			existing[id] = struct{}{}
			added = true
		}
		if !added {
			continue
		}
		if err := c.patchChannelStreams(ctx, channelID, merged); err != nil {
			log.Printf("automation: patch channel %d streams: %v", channelID, err)
			continue
		}
		touched[channelID] = struct{}{}
	}
	return touched
}

func (c *Controller) patchChannelStreams(ctx context.Context, channelID int, streamIDs []int) error {
	if err := c.Pipeline.Agg.PatchChannelStreams(ctx, channelID, streamIDs); err != nil {
		return err
	}
	return c.UDI.UpdateChannel(channelID, func(ch *udi.Channel) { ch.Streams = streamIDs })
}

// matchedStreamsByChannel runs the matcher over every stream from an
// enabled, non-custom provider plus every custom stream, skipping dead
// streams, and groups the matched channel ids (spec.md §4.10 step 4).
func (c *Controller) matchedStreamsByChannel() map[int][]int {
	providers := map[int]bool{}
	for _, p := range c.UDI.GetProviders() {
		providers[p.ID] = p.IsActive
	}

	out := map[int][]int{}
	for _, s := range c.UDI.GetStreams() {
		if !s.IsCustom {
			if s.ProviderID == nil || !providers[*s.ProviderID] {
				continue
			}
		}
		if c.Dead != nil && c.Dead.IsDead(s.URL) {
			continue
		}
		for _, channelID := range c.Matcher.Match(s.Name, s.ProviderID) {
			out[channelID] = append(out[channelID], s.ID)
		}
	}
	return out
}

// GlobalAction implements spec.md §4.10's scheduled global action.
func (c *Controller) GlobalAction(ctx context.Context) error {
	c.setGlobalAction(true)
	defer c.setGlobalAction(false)

	if err := c.UDI.RefreshAll(ctx); err != nil {
		metrics.GlobalActionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("automation: refresh UDI: %w", err)
	}
	if err := c.Dead.ClearAll(); err != nil {
		log.Printf("automation: clear dead-stream tracker: %v", err)
	}
	if err := c.Agg.RefreshAllPlaylists(ctx); err != nil {
		log.Printf("automation: refresh all playlists: %v", err)
	}
	if err := c.UDI.RefreshAll(ctx); err != nil {
		log.Printf("automation: refresh UDI after playlist refresh: %v", err)
	}

	cfg := c.config()
	if cfg.Controls.RemoveNonMatchingStreams {
		if err := c.removeNonMatchingStreams(ctx); err != nil {
			log.Printf("automation: remove non-matching streams: %v", err)
		}
	}
	if cfg.Controls.AutoStreamMatching {
		c.matchAndAssign(ctx)
	}

	if c.Changelog != nil {
		c.Changelog.BeginBatch(true)
	}
	for _, channelID := range c.Matcher.EnabledChannelIDs() {
		c.Tracker.SetForceCheck(channelID)
		c.Queue.RemoveFromCompleted(channelID)
		if err := c.Queue.Enqueue(channelID, queue.PriorityGlobal); err != nil {
			log.Printf("automation: enqueue channel %d: %v", channelID, err)
		}
	}
	c.drainQueue(ctx)
	if c.Changelog != nil {
		if err := c.Changelog.FinalizeBatch(); err != nil {
			log.Printf("automation: finalize global-action batch: %v", err)
		}
	}

	c.setLastGlobalCheck(time.Now())
	metrics.GlobalActionsTotal.WithLabelValues("ok").Inc()
	return nil
}

// drainQueue blocks until the check queue is idle (or ctx is cancelled),
// polling every 500ms.
func (c *Controller) drainQueue(ctx context.Context) {
	for {
		if c.Queue.Idle() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// ForceCheckChannel is the manual single-channel fast path (spec.md §4.10):
// refresh the channel's providers, clear its dead entries, re-match, then
// run the pipeline with force_check.
func (c *Controller) ForceCheckChannel(ctx context.Context, channelID int) (pipeline.Result, error) {
	channel, ok := c.UDI.GetChannelByID(channelID)
	if !ok {
		return pipeline.Result{ChannelID: channelID}, fmt.Errorf("automation: unknown channel %d", channelID)
	}

	for _, s := range c.UDI.GetStreams() {
		if s.ProviderID == nil {
			continue
		}
		for _, existing := range channel.Streams {
			if existing == s.ID {
				if err := c.Agg.RefreshProviderPlaylist(ctx, *s.ProviderID); err != nil {
					log.Printf("automation: refresh provider %d for channel %d: %v", *s.ProviderID, channelID, err)
				}
				break
			}
		}
	}
	if err := c.Dead.RemoveByChannelID(channelID); err != nil {
		log.Printf("automation: clear dead entries for channel %d: %v", channelID, err)
	}
	if err := c.UDI.RefreshChannelByID(ctx, channelID); err != nil {
		log.Printf("automation: refresh channel %d: %v", channelID, err)
	}
	c.matchAndAssign(ctx)

	if err := c.Tracker.SetForceCheck(channelID); err != nil {
		log.Printf("automation: set force_check for channel %d: %v", channelID, err)
	}
	return c.Pipeline.Run(ctx, channelID, pipeline.RunOptions{Force: true, SkipBatchEntry: true})
}
