package automation

import (
	"testing"
	"time"
)

func TestGlobalActionDueColdStartWithinTenMinutes(t *testing.T) {
	c := &Controller{}
	cfg := Config{GlobalCheckSchedule: GlobalCheckSchedule{Enabled: true, CronExpression: "0 3 * * *"}}

	now := time.Date(2026, 7, 31, 3, 4, 0, 0, time.Local)
	if !c.globalActionDue(cfg, now) {
		t.Fatal("expected cold-start global action to fire within 10 minutes of 03:00")
	}
}

func TestGlobalActionDueColdStartOutsideTenMinutesWaits(t *testing.T) {
	c := &Controller{}
	cfg := Config{GlobalCheckSchedule: GlobalCheckSchedule{Enabled: true, CronExpression: "0 3 * * *"}}

	now := time.Date(2026, 7, 31, 4, 30, 0, 0, time.Local)
	if c.globalActionDue(cfg, now) {
		t.Fatal("expected cold start at 04:30 to wait for the next scheduled instant")
	}
}

func TestGlobalActionDueFiresOnceAfterLastGlobalCheckAdvances(t *testing.T) {
	c := &Controller{}
	cfg := Config{GlobalCheckSchedule: GlobalCheckSchedule{Enabled: true, CronExpression: "0 3 * * *"}}

	yesterday3am := time.Date(2026, 7, 30, 3, 0, 0, 0, time.Local)
	cfg.LastGlobalCheckUnix = yesterday3am.Unix()

	before := time.Date(2026, 7, 31, 2, 0, 0, 0, time.Local)
	if c.globalActionDue(cfg, before) {
		t.Fatal("expected no fire before today's 03:00 boundary")
	}

	after := time.Date(2026, 7, 31, 3, 5, 0, 0, time.Local)
	if !c.globalActionDue(cfg, after) {
		t.Fatal("expected a fire once today's 03:00 boundary has passed")
	}
}

func TestPlaylistCycleDueByInterval(t *testing.T) {
	c := &Controller{}
	cfg := Config{PlaylistCycle: PlaylistCycleConfig{IntervalSeconds: 900}}
	cfg.LastPlaylistUpdateUnix = time.Now().Add(-10 * time.Minute).Unix()

	if c.playlistCycleDue(cfg, time.Now()) {
		t.Fatal("expected 10-minute-old update to not yet be due for a 15-minute interval")
	}
	cfg.LastPlaylistUpdateUnix = time.Now().Add(-20 * time.Minute).Unix()
	if !c.playlistCycleDue(cfg, time.Now()) {
		t.Fatal("expected 20-minute-old update to be due for a 15-minute interval")
	}
}

func TestPlaylistCycleDueFirstRunIsAlwaysDue(t *testing.T) {
	c := &Controller{}
	cfg := Config{PlaylistCycle: PlaylistCycleConfig{IntervalSeconds: 900}}
	if !c.playlistCycleDue(cfg, time.Now()) {
		t.Fatal("expected a never-run config (zero timestamp) to be immediately due")
	}
}

func TestGlobalActionMutualExclusionFlag(t *testing.T) {
	c := &Controller{}
	if c.inGlobalAction() {
		t.Fatal("expected no global action in progress initially")
	}
	c.setGlobalAction(true)
	if !c.inGlobalAction() {
		t.Fatal("expected global action flag to be set")
	}
	c.setGlobalAction(false)
	if c.inGlobalAction() {
		t.Fatal("expected global action flag to be cleared")
	}
}
