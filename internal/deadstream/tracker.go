// Package deadstream implements the Dead-Stream Tracker (C4): a persistent
// map from stream URL to a dead-window record, grounded in the teacher's
// atomic-write JSON persistence idiom (internal/catalog/catalog.go Save,
// internal/indexer/smoketest_cache.go's own JSON cache) adapted to a
// url-keyed map instead of a list-of-entities.
package deadstream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/snapetech/streamqc/internal/metrics"
)

// Entry is spec.md §3's DeadEntry.
type Entry struct {
	URL          string    `json:"url"`
	StreamID     int       `json:"stream_id"`
	StreamName   string    `json:"stream_name"`
	ChannelID    int       `json:"channel_id"`
	FirstDetected time.Time `json:"first_detected"`
	LastDetected  time.Time `json:"last_detected"`
}

// Tracker is safe for concurrent use; every mutating call persists before
// returning.
type Tracker struct {
	mu      sync.RWMutex
	path    string
	entries map[string]Entry
}

// Load reads the tracker's JSON map from path. A missing file starts empty.
func Load(path string) (*Tracker, error) {
	t := &Tracker{path: path, entries: map[string]Entry{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("deadstream: read: %w", err)
	}
	if len(data) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(data, &t.entries); err != nil {
		return nil, fmt.Errorf("deadstream: corrupt config: %w", err)
	}
	if t.entries == nil {
		t.entries = map[string]Entry{}
	}
	return t, nil
}

// IsDead reports whether url currently has a dead entry.
func (t *Tracker) IsDead(url string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[url]
	return ok
}

// MarkDead records url as dead, setting FirstDetected only the first time it
// becomes dead (spec.md §3: "created when a probe yields a dead verdict and
// the URL was not already dead").
func (t *Tracker) MarkDead(url string, streamID, channelID int, name string) error {
	now := time.Now()
	t.mu.Lock()
	existing, had := t.entries[url]
	first := now
	if had {
		first = existing.FirstDetected
	}
	t.entries[url] = Entry{
		URL: url, StreamID: streamID, StreamName: name, ChannelID: channelID,
		FirstDetected: first, LastDetected: now,
	}
	t.mu.Unlock()
	return t.save()
}

// MarkAlive removes url's dead entry (revival).
func (t *Tracker) MarkAlive(url string) error {
	t.mu.Lock()
	_, had := t.entries[url]
	if had {
		delete(t.entries, url)
	}
	t.mu.Unlock()
	if !had {
		return nil
	}
	return t.save()
}

// GetForChannel returns every dead entry for a channel id.
func (t *Tracker) GetForChannel(channelID int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, e := range t.entries {
		if e.ChannelID == channelID {
			out = append(out, e)
		}
	}
	return out
}

// RemoveByChannelID deletes every dead entry belonging to a channel.
func (t *Tracker) RemoveByChannelID(channelID int) error {
	t.mu.Lock()
	changed := false
	for url, e := range t.entries {
		if e.ChannelID == channelID {
			delete(t.entries, url)
			changed = true
		}
	}
	t.mu.Unlock()
	if !changed {
		return nil
	}
	return t.save()
}

// Cleanup drops entries whose URL is no longer present in currentURLs
// (spec.md §4.4).
func (t *Tracker) Cleanup(currentURLs map[string]struct{}) error {
	t.mu.Lock()
	changed := false
	for url := range t.entries {
		if _, ok := currentURLs[url]; !ok {
			delete(t.entries, url)
			changed = true
		}
	}
	t.mu.Unlock()
	if !changed {
		return nil
	}
	return t.save()
}

// ClearAll drops every dead entry (used by the global action's "second
// chance" step — spec.md §4.10).
func (t *Tracker) ClearAll() error {
	t.mu.Lock()
	empty := len(t.entries) == 0
	t.entries = map[string]Entry{}
	t.mu.Unlock()
	if empty {
		return nil
	}
	return t.save()
}

// URLSet returns the set of currently-dead URLs.
func (t *Tracker) URLSet() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]struct{}, len(t.entries))
	for url := range t.entries {
		out[url] = struct{}{}
	}
	return out
}

func (t *Tracker) save() error {
	t.mu.RLock()
	data, err := json.MarshalIndent(t.entries, "", "  ")
	count := len(t.entries)
	t.mu.RUnlock()
	metrics.DeadStreamsGauge.Set(float64(count))
	if err != nil {
		return fmt.Errorf("deadstream: marshal: %w", err)
	}
	dir := filepath.Dir(filepath.Clean(t.path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("deadstream: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".dead-streams-*.json.tmp")
	if err != nil {
		return fmt.Errorf("deadstream: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("deadstream: write: %w", writeErr)
		}
		return fmt.Errorf("deadstream: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("deadstream: chmod: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("deadstream: rename: %w", err)
	}
	return nil
}
