package changelog

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestChangelog(t *testing.T) *Changelog {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "changelog.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSingleChannelCheckWrittenImmediatelyOutsideBatch(t *testing.T) {
	c := newTestChangelog(t)
	if err := c.AppendChannelCheck(ChannelCheckResult{ChannelID: 1, Name: "ESPN", Success: true}); err != nil {
		t.Fatal(err)
	}
	entries := c.Entries()
	if len(entries) != 1 || entries[0].Action != ActionSingleChannelCheck {
		t.Fatalf("expected one single_channel_check entry, got %+v", entries)
	}
}

func TestBatchConsolidatesIntoOneEntry(t *testing.T) {
	c := newTestChangelog(t)
	c.BeginBatch(false)
	for i := 1; i <= 3; i++ {
		if err := c.AppendChannelCheck(ChannelCheckResult{ChannelID: i, Name: "C", Success: true, Dead: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.FinalizeBatch(); err != nil {
		t.Fatal(err)
	}
	entries := c.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected a single consolidated entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Action != ActionBatchStreamCheck {
		t.Fatalf("expected batch_stream_check, got %s", e.Action)
	}
	if e.ChannelCount != 3 || e.DeadDetected != 3 {
		t.Fatalf("unexpected aggregate counts: %+v", e)
	}
}

func TestGlobalWrapProducesGlobalCheckAction(t *testing.T) {
	c := newTestChangelog(t)
	c.BeginBatch(true)
	must(t, c.AppendChannelCheck(ChannelCheckResult{ChannelID: 1, Success: true}))
	must(t, c.FinalizeBatch())
	entries := c.Entries()
	if entries[0].Action != ActionGlobalCheck {
		t.Fatalf("expected global_check, got %s", entries[0].Action)
	}
}

func TestFinalizeEmptyBatchIsNoop(t *testing.T) {
	c := newTestChangelog(t)
	c.BeginBatch(false)
	must(t, c.FinalizeBatch())
	if len(c.Entries()) != 0 {
		t.Fatal("expected no entry for an empty batch")
	}
}

func TestChannelCheckErrorRecordedAsFailure(t *testing.T) {
	c := newTestChangelog(t)
	must(t, c.AppendChannelCheck(ChannelCheckResult{ChannelID: 9, Err: errors.New("boom")}))
	e := c.Entries()[0]
	if e.Subentries[0].Success || e.Subentries[0].Error != "boom" {
		t.Fatalf("expected recorded failure, got %+v", e.Subentries[0])
	}
}

func TestAveragesSkipDeadAndZeroValues(t *testing.T) {
	c := newTestChangelog(t)
	result := ChannelCheckResult{
		ChannelID: 1, Success: true,
		Streams: []StreamSample{
			{Resolution: "1920x1080", BitrateKbps: 5000, FPS: 30, Score: 2.8},
			{Resolution: "1920x1080", BitrateKbps: 4000, FPS: 30, Score: 2.6},
			{Resolution: "0x0", BitrateKbps: 0, FPS: 0, Score: 0, Dead: true},
		},
	}
	must(t, c.AppendChannelCheck(result))
	e := c.Entries()[0]
	stats := e.Subentries[0].Stats
	if stats.AvgResolution != "1920x1080" {
		t.Fatalf("avg_resolution = %q", stats.AvgResolution)
	}
	if stats.AvgBitrate != "4500 kbps" {
		t.Fatalf("avg_bitrate = %q", stats.AvgBitrate)
	}
	if stats.AvgFPS != "30 fps" {
		t.Fatalf("avg_fps = %q", stats.AvgFPS)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
