// Package changelog implements the Changelog / Progress Reporter (C11): an
// append-only JSON event log with batch consolidation, plus a small
// atomically-written progress file for UI polling. Grounded on the
// teacher's internal/catalog/catalog.go atomic temp-file-then-rename JSON
// write discipline (extracted, not kept as-is — the teacher's Save()
// persists one full snapshot; this package appends to a growing sequence
// and additionally maintains running batch state per spec.md §4.11).
package changelog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Action names spec.md §4.11 assigns to entries.
const (
	ActionBatchStreamCheck   = "batch_stream_check"
	ActionSingleChannelCheck = "single_channel_check"
	ActionGlobalCheck        = "global_check"
)

// StreamSample is one stream's contribution to a channel-check result, used
// both for averaging and for the top-10 detail list (spec.md §4.11).
type StreamSample struct {
	StreamID    int     `json:"stream_id"`
	Name        string  `json:"name"`
	Resolution  string  `json:"resolution"`
	BitrateKbps float64 `json:"bitrate_kbps"`
	FPS         float64 `json:"fps"`
	Score       float64 `json:"score"`
	Dead        bool    `json:"dead"`

	// UsedProfileID and FailoverPhase trace which profile (if any) served the
	// probe and in which profile-failover phase it was acquired, so a
	// reviewer can confirm phase-1/phase-2 behavior from the changelog alone.
	UsedProfileID int `json:"used_profile_id,omitempty"`
	FailoverPhase int `json:"profile_failover_phase,omitempty"`
}

// ChannelCheckResult is what internal/pipeline reports for one channel run.
type ChannelCheckResult struct {
	ChannelID int
	Name      string
	LogoURL   string

	Total    int
	Analyzed int
	Dead     int
	Revived  int
	Streams  []StreamSample

	Success bool
	Err     error
}

// ChannelStats is the rendered, display-ready per-channel summary written
// into the changelog (spec.md §4.11).
type ChannelStats struct {
	Total        int            `json:"total"`
	Analyzed     int            `json:"analyzed"`
	Dead         int            `json:"dead"`
	Revived      int            `json:"revived"`
	AvgResolution string        `json:"avg_resolution"`
	AvgBitrate    string        `json:"avg_bitrate"`
	AvgFPS        string        `json:"avg_fps"`
	TopStreams    []StreamSample `json:"top_streams"`
}

// CheckSubentry is one channel's entry within a batch's `check` group.
type CheckSubentry struct {
	ChannelID int          `json:"channel_id"`
	Name      string       `json:"name"`
	LogoURL   string       `json:"logo_url"`
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
	Stats     ChannelStats `json:"stats"`
}

// Entry is one top-level changelog record.
type Entry struct {
	Action          string          `json:"action"`
	StartTimeUnix   int64           `json:"start_time_unix"`
	DurationSeconds float64         `json:"duration_seconds"`
	ChannelCount    int             `json:"channel_count"`
	DeadDetected    int             `json:"dead_streams_detected"`
	Revived         int             `json:"revived_streams"`
	Subentries      []CheckSubentry `json:"subentries,omitempty"`
}

// Changelog is the append-only event log plus the in-progress batch state
// machine the worker drives (spec.md §9 "idle/batching").
type Changelog struct {
	mu      sync.Mutex
	path    string
	entries []Entry

	batching   bool
	batchStart time.Time
	batchItems []ChannelCheckResult
	globalWrap bool
}

// New loads an existing changelog file (if present) or starts empty.
func New(path string) (*Changelog, error) {
	c := &Changelog{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("changelog: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("changelog: corrupt changelog at %s: %w", path, err)
	}
	return c, nil
}

// BeginBatch transitions idle->batching (spec.md §4.9's "on first dequeue
// after idle, start a batch"). global marks whether the eventual entry
// should be wrapped as a global_check.
func (c *Changelog) BeginBatch(global bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batching {
		return
	}
	c.batching = true
	c.batchStart = time.Now()
	c.batchItems = nil
	c.globalWrap = global
}

// AppendChannelCheck records one channel-check result. If a batch is open,
// it is folded into the batch; otherwise it is written immediately as
// single_channel_check. The pipeline does not call it for runs with
// skip_batch_entry set, so those runs leave no changelog entry.
func (c *Changelog) AppendChannelCheck(result ChannelCheckResult) error {
	c.mu.Lock()
	if c.batching {
		c.batchItems = append(c.batchItems, result)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.writeSingleChannelCheck(result)
}

func (c *Changelog) writeSingleChannelCheck(result ChannelCheckResult) error {
	entry := Entry{
		Action:        ActionSingleChannelCheck,
		StartTimeUnix: time.Now().Unix(),
		ChannelCount:  1,
		DeadDetected:  result.Dead,
		Revived:       result.Revived,
		Subentries:    []CheckSubentry{toSubentry(result)},
	}
	return c.append(entry)
}

// FinalizeBatch consolidates the open batch into one entry (spec.md §4.11)
// and appends it. A no-op if no batch is open or it is empty.
func (c *Changelog) FinalizeBatch() error {
	c.mu.Lock()
	if !c.batching {
		c.mu.Unlock()
		return nil
	}
	items := c.batchItems
	start := c.batchStart
	global := c.globalWrap
	c.batching = false
	c.batchItems = nil
	c.globalWrap = false
	c.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	sub := make([]CheckSubentry, len(items))
	deadTotal, revivedTotal := 0, 0
	for i, r := range items {
		sub[i] = toSubentry(r)
		deadTotal += r.Dead
		revivedTotal += r.Revived
	}

	action := ActionBatchStreamCheck
	if global {
		action = ActionGlobalCheck
	}
	entry := Entry{
		Action:          action,
		StartTimeUnix:   start.Unix(),
		DurationSeconds: time.Since(start).Seconds(),
		ChannelCount:    len(items),
		DeadDetected:    deadTotal,
		Revived:         revivedTotal,
		Subentries:      sub,
	}
	return c.append(entry)
}

func toSubentry(r ChannelCheckResult) CheckSubentry {
	sub := CheckSubentry{
		ChannelID: r.ChannelID, Name: r.Name, LogoURL: r.LogoURL, Success: r.Err == nil && r.Success,
		Stats: ChannelStats{
			Total: r.Total, Analyzed: r.Analyzed, Dead: r.Dead, Revived: r.Revived,
			AvgResolution: avgResolution(r.Streams),
			AvgBitrate:    avgBitrateDisplay(r.Streams),
			AvgFPS:        avgFPSDisplay(r.Streams),
			TopStreams:    topStreams(r.Streams, 10),
		},
	}
	if r.Err != nil {
		sub.Error = r.Err.Error()
	}
	return sub
}

// avgResolution is the most common non-dead resolution string, or "N/A"
// (spec.md §4.11).
func avgResolution(streams []StreamSample) string {
	counts := map[string]int{}
	for _, s := range streams {
		if s.Dead || s.Resolution == "" || s.Resolution == "N/A" {
			continue
		}
		counts[s.Resolution]++
	}
	best, bestCount := "", 0
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic tie-break
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	if best == "" {
		return "N/A"
	}
	return best
}

func avgBitrateDisplay(streams []StreamSample) string {
	sum, n := 0.0, 0
	for _, s := range streams {
		if s.Dead || s.BitrateKbps <= 0 {
			continue
		}
		sum += s.BitrateKbps
		n++
	}
	if n == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%d kbps", int(sum/float64(n)))
}

func avgFPSDisplay(streams []StreamSample) string {
	sum, n := 0.0, 0
	for _, s := range streams {
		if s.Dead || s.FPS <= 0 {
			continue
		}
		sum += s.FPS
		n++
	}
	if n == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.0f fps", sum/float64(n))
}

func topStreams(streams []StreamSample, n int) []StreamSample {
	sorted := make([]StreamSample, len(streams))
	copy(sorted, streams)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func (c *Changelog) append(entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return c.save()
}

func (c *Changelog) save() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("changelog: marshal: %w", err)
	}
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".changelog-*.json.tmp")
	if err != nil {
		return fmt.Errorf("changelog: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("changelog: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("changelog: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("changelog: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("changelog: rename temp file: %w", err)
	}
	return nil
}

// Entries returns a copy of the recorded entries (for tests/UI polling).
func (c *Changelog) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}
