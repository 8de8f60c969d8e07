package udi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andybalholm/brotli"
)

// Snapshot is the on-disk representation of the whole UDI (spec.md §6's
// per-entity persisted-file list, folded into a single atomically-written
// file rather than one file per entity, so a crash mid-save can never leave
// one entity file ahead of another).
type Snapshot struct {
	Channels  []Channel      `json:"channels"`
	Streams   []Stream       `json:"streams"`
	Groups    []ChannelGroup `json:"groups"`
	Logos     []Logo         `json:"logos"`
	Providers []Provider     `json:"providers"`
	Profiles  []Profile      `json:"channel_profiles"`
	Metadata  Metadata       `json:"metadata"`
}

// compressThreshold is the raw JSON size above which Store brotli-compresses
// the snapshot before writing it. Below it the cost of compression isn't
// worth the saved bytes.
const compressThreshold = 32 * 1024

const (
	formatPlain  byte = 0x00
	formatBrotli byte = 0x01
)

// Store persists a Snapshot to a single file at Path using the teacher's
// temp-file-then-rename strategy (internal/catalog/catalog.go Save), with an
// added one-byte format marker so large snapshots can be brotli-compressed
// without needing a second file or extension convention.
type Store struct {
	Path string
}

// NewStore returns a Store writing to <dataDir>/udi_snapshot.json.
func NewStore(dataDir string) *Store {
	return &Store{Path: filepath.Join(dataDir, "udi_snapshot.json")}
}

// Save writes snap to disk atomically: write a temp file in the same
// directory, chmod it 0600, then rename over the target.
func (s *Store) Save(snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("udi store: marshal: %w", err)
	}

	var payload []byte
	format := formatPlain
	if len(raw) > compressThreshold {
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return fmt.Errorf("udi store: compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("udi store: compress close: %w", err)
		}
		payload = buf.Bytes()
		format = formatBrotli
	} else {
		payload = raw
	}

	dir := filepath.Dir(filepath.Clean(s.Path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("udi store: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".udi-*.json.tmp")
	if err != nil {
		return fmt.Errorf("udi store: create temp: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write([]byte{format})
	if writeErr == nil {
		_, writeErr = tmp.Write(payload)
	}
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("udi store: write: %w", writeErr)
		}
		return fmt.Errorf("udi store: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("udi store: chmod: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("udi store: rename: %w", err)
	}
	return nil
}

// Load reads and decodes the snapshot file written by Save. A missing file
// is not an error: it returns a zero Snapshot so a first-run engine can
// start from empty state and wait for its first aggregator refresh.
func (s *Store) Load() (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return snap, fmt.Errorf("udi store: read: %w", err)
	}
	if len(data) == 0 {
		return snap, nil
	}
	format, body := data[0], data[1:]
	switch format {
	case formatBrotli:
		r := brotli.NewReader(bytes.NewReader(body))
		raw, err := io.ReadAll(r)
		if err != nil {
			return snap, fmt.Errorf("udi store: decompress: %w", err)
		}
		body = raw
	case formatPlain:
		// body already holds raw JSON
	default:
		return snap, fmt.Errorf("udi store: unknown format marker 0x%02x", format)
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return snap, fmt.Errorf("udi store: unmarshal: %w", err)
	}
	return snap, nil
}
