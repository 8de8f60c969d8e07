package pipeline

import (
	"path/filepath"
	"testing"
)

func TestLoadFileConfigMissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream_checker_config.json")
	cfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}
	if cfg.Scoring.MinScore != 0.40 || !cfg.DeadStreamHandling.Enabled {
		t.Fatalf("unexpected default config: %+v", cfg)
	}

	reloaded, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Queue.MaxSize != cfg.Queue.MaxSize {
		t.Fatalf("expected persisted defaults to round-trip, got %+v", reloaded)
	}
}

func TestSaveFileConfigThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream_checker_config.json")
	cfg := DefaultFileConfig()
	cfg.Scoring.PreferH265 = false
	cfg.AccountStreamLimits.Enabled = true
	cfg.AccountStreamLimits.AccountLimits = map[int]int{7: 3}

	if err := SaveFileConfig(path, cfg); err != nil {
		t.Fatalf("SaveFileConfig: %v", err)
	}
	got, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}
	if got.Scoring.PreferH265 || got.AccountStreamLimits.AccountLimits[7] != 3 {
		t.Fatalf("unexpected round-tripped config: %+v", got)
	}
}

func TestToConfigMapsDiversificationWeightedAlias(t *testing.T) {
	f := DefaultFileConfig()
	f.StreamOrdering.ProviderDiversification = false
	f.StreamOrdering.DiversificationMode = "weighted"
	cfg := f.ToConfig("ffmpeg")
	if cfg.ProviderDiversification {
		t.Fatalf("expected diversification_mode=weighted to behave like round_robin and leave ProviderDiversification off")
	}
	f.StreamOrdering.ProviderDiversification = true
	if !f.ToConfig("ffmpeg").ProviderDiversification {
		t.Fatalf("expected weighted with provider_diversification=true to diversify")
	}
}
