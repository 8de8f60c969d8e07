package changelog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Progress is one channel's in-flight check state (spec.md §4.11).
type Progress struct {
	ChannelID  int     `json:"channel_id"`
	Name       string  `json:"name"`
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Step       string  `json:"step"`
	Detail     string  `json:"detail"`
	Percentage float64 `json:"percentage"`
	Timestamp  int64   `json:"timestamp"`
}

// ProgressReporter holds one Progress struct per channel currently being
// checked and writes the whole map atomically for UI polling (spec.md
// §4.11, §5 "file writes use write-temp-then-rename").
type ProgressReporter struct {
	mu      sync.Mutex
	path    string
	current map[int]Progress
}

// NewProgressReporter starts with an empty in-progress set; the progress
// file only matters while the process is live, so no prior state is loaded.
func NewProgressReporter(path string) *ProgressReporter {
	return &ProgressReporter{path: path, current: make(map[int]Progress)}
}

// Update records progress for a channel and persists the whole set.
func (r *ProgressReporter) Update(p Progress) error {
	r.mu.Lock()
	p.Timestamp = time.Now().Unix()
	r.current[p.ChannelID] = p
	r.mu.Unlock()
	return r.save()
}

// Clear removes a channel from the in-progress set (on completion/failure).
func (r *ProgressReporter) Clear(channelID int) error {
	r.mu.Lock()
	delete(r.current, channelID)
	r.mu.Unlock()
	return r.save()
}

// Snapshot returns a copy of the current in-progress set.
func (r *ProgressReporter) Snapshot() map[int]Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]Progress, len(r.current))
	for k, v := range r.current {
		out[k] = v
	}
	return out
}

func (r *ProgressReporter) save() error {
	r.mu.Lock()
	data, err := json.MarshalIndent(r.current, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("changelog: marshal progress: %w", err)
	}
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".progress-*.json.tmp")
	if err != nil {
		return fmt.Errorf("changelog: create progress temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("changelog: write progress temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("changelog: close progress temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("changelog: chmod progress temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("changelog: rename progress temp file: %w", err)
	}
	return nil
}
