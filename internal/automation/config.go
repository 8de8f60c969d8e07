// Package automation implements the Scheduler / Automation Controller
// (C10): one single-goroutine loop (Controller.Run) that, on each wake,
// checks both the playlist-refresh/match cycle and the cron-driven global
// action; while one of them runs, the other is not checked. Manual
// single-channel and step-level triggers sit beside the loop. Grounded on the teacher's internal/supervisor.go
// running-flag-plus-wake-event shape (spec.md §5), adapted here from
// subprocess supervision to the channel-check domain.
package automation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Controls mirrors stream_checker_config.json's automation_controls block
// (spec.md §6).
type Controls struct {
	AutoM3UUpdates           bool `json:"auto_m3u_updates"`
	AutoStreamMatching       bool `json:"auto_stream_matching"`
	AutoQualityChecking      bool `json:"auto_quality_checking"`
	ScheduledGlobalAction    bool `json:"scheduled_global_action"`
	RemoveNonMatchingStreams bool `json:"remove_non_matching_streams"`
}

// PlaylistCycleConfig drives the playlist cycle's cadence (spec.md §4.10:
// "if the configured interval (or cron expression) has elapsed"). When both
// IntervalSeconds and CronExpression are set, CronExpression wins.
type PlaylistCycleConfig struct {
	IntervalSeconds int    `json:"interval_seconds"`
	CronExpression  string `json:"cron_expression"`
}

// GlobalCheckSchedule mirrors spec.md §6's global_check_schedule block.
type GlobalCheckSchedule struct {
	Enabled        bool   `json:"enabled"`
	CronExpression string `json:"cron_expression"`
}

// Config is automation_config.json's document (spec.md §6).
type Config struct {
	Enabled             bool                `json:"enabled"`
	Controls            Controls            `json:"automation_controls"`
	PlaylistCycle       PlaylistCycleConfig `json:"playlist_cycle"`
	GlobalCheckSchedule GlobalCheckSchedule `json:"global_check_schedule"`

	// State persisted alongside config so a restart resumes cron/interval
	// bookkeeping without a separate file (spec.md §4.10's cold-start rule
	// needs last_global_check to survive a restart).
	LastPlaylistUpdateUnix int64 `json:"last_playlist_update_unix"`
	LastGlobalCheckUnix    int64 `json:"last_global_check_unix"` // 0 = never
}

// DefaultConfig turns automation and every automation control on, with a
// 900s playlist interval and the global check cron nightly at 03:00.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Controls: Controls{
			AutoM3UUpdates: true, AutoStreamMatching: true, AutoQualityChecking: true,
			ScheduledGlobalAction: true, RemoveNonMatchingStreams: true,
		},
		PlaylistCycle:       PlaylistCycleConfig{IntervalSeconds: 900},
		GlobalCheckSchedule: GlobalCheckSchedule{Enabled: true, CronExpression: "0 3 * * *"},
	}
}

// LoadConfig reads automation_config.json, starting from DefaultConfig on a
// missing file (spec.md §7 "never throw at startup").
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return cfg, SaveConfig(path, cfg)
		}
		return Config{}, fmt.Errorf("automation: read config: %w", err)
	}
	if len(data) == 0 {
		return DefaultConfig(), nil
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("automation: corrupt config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg atomically.
func SaveConfig(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("automation: marshal config: %w", err)
	}
	dir := filepath.Dir(filepath.Clean(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("automation: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".automation-config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("automation: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("automation: write: %w", writeErr)
		}
		return fmt.Errorf("automation: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("automation: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("automation: rename: %w", err)
	}
	return nil
}
