package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ChannelCheckState is the per-channel immunity/force-check bookkeeping
// spec.md §4.8 steps 4 and 13 describe ("tracker.checked_stream_ids",
// "force_check", "needs_check", "last_check"). Persisted the same
// atomic-JSON way as internal/deadstream and internal/regexmatch.
type ChannelCheckState struct {
	CheckedStreamIDs []int `json:"checked_stream_ids"`
	ForceCheck       bool  `json:"force_check"`
	StreamCount      int   `json:"stream_count"`
	NeedsCheck       bool  `json:"needs_check"`
	LastCheckUnix    int64 `json:"last_check_unix"`
}

// CheckTracker is safe for concurrent use; every mutating call persists.
type CheckTracker struct {
	mu     sync.RWMutex
	path   string
	states map[int]ChannelCheckState
}

// LoadCheckTracker reads the per-channel check state from path. A missing
// file starts empty (spec.md §7 "never throw at startup").
func LoadCheckTracker(path string) (*CheckTracker, error) {
	t := &CheckTracker{path: path, states: map[int]ChannelCheckState{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("pipeline: read check tracker: %w", err)
	}
	if len(data) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(data, &t.states); err != nil {
		return nil, fmt.Errorf("pipeline: corrupt check tracker: %w", err)
	}
	if t.states == nil {
		t.states = map[int]ChannelCheckState{}
	}
	return t, nil
}

// Get returns the channel's current state, zero-value if never checked.
func (t *CheckTracker) Get(channelID int) ChannelCheckState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[channelID]
}

// SetForceCheck marks a channel to bypass its immunity window on the next
// run (spec.md §4.10 manual single-channel trigger, §8 invariant 10).
func (t *CheckTracker) SetForceCheck(channelID int) error {
	t.mu.Lock()
	s := t.states[channelID]
	s.ForceCheck = true
	t.states[channelID] = s
	t.mu.Unlock()
	return t.save()
}

// MarkNeedsCheck flags a channel as having new/changed streams (set by the
// automation controller's match step, spec.md §4.10 step 5).
func (t *CheckTracker) MarkNeedsCheck(channelID int) error {
	t.mu.Lock()
	s := t.states[channelID]
	s.NeedsCheck = true
	t.states[channelID] = s
	t.mu.Unlock()
	return t.save()
}

// Update replaces a channel's state after a pipeline run completes
// (spec.md §4.8 step 13).
func (t *CheckTracker) Update(channelID int, checkedStreamIDs []int) error {
	t.mu.Lock()
	t.states[channelID] = ChannelCheckState{
		CheckedStreamIDs: checkedStreamIDs,
		StreamCount:      len(checkedStreamIDs),
		ForceCheck:       false,
		NeedsCheck:       false,
		LastCheckUnix:    time.Now().Unix(),
	}
	t.mu.Unlock()
	return t.save()
}

func (t *CheckTracker) save() error {
	t.mu.RLock()
	data, err := json.MarshalIndent(t.states, "", "  ")
	t.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("pipeline: marshal check tracker: %w", err)
	}
	dir := filepath.Dir(filepath.Clean(t.path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pipeline: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".check-tracker-*.json.tmp")
	if err != nil {
		return fmt.Errorf("pipeline: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("pipeline: write: %w", writeErr)
		}
		return fmt.Errorf("pipeline: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pipeline: chmod: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pipeline: rename: %w", err)
	}
	return nil
}
