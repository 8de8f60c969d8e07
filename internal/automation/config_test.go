package automation

import (
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automation_config.json")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Enabled || cfg.GlobalCheckSchedule.CronExpression != "0 3 * * *" {
		t.Fatalf("unexpected default config: %+v", cfg)
	}

	reloaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.PlaylistCycle.IntervalSeconds != cfg.PlaylistCycle.IntervalSeconds {
		t.Fatalf("expected persisted defaults to round-trip, got %+v", reloaded)
	}
}

func TestSaveConfigThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automation_config.json")
	cfg := DefaultConfig()
	cfg.LastGlobalCheckUnix = 12345
	cfg.Controls.AutoM3UUpdates = false

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.LastGlobalCheckUnix != 12345 || got.Controls.AutoM3UUpdates {
		t.Fatalf("unexpected round-tripped config: %+v", got)
	}
}
