package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/snapetech/streamqc/internal/prober"
	"github.com/snapetech/streamqc/internal/scorer"
)

// FileConfig is stream_checker_config.json's document (spec.md §6
// "Recognized configuration options (stream_checker)"), kept separate from
// the runtime Config the pipeline actually consumes the same way
// internal/automation's Config is its own JSON document rather than living
// in internal/config.
type FileConfig struct {
	StreamAnalysis struct {
		FFmpegDuration      int    `json:"ffmpeg_duration"`
		Timeout             int    `json:"timeout"`
		StreamStartupBuffer int    `json:"stream_startup_buffer"`
		Retries             int    `json:"retries"`
		RetryDelaySeconds   int    `json:"retry_delay"`
		UserAgent           string `json:"user_agent"`
	} `json:"stream_analysis"`

	Scoring struct {
		Weights struct {
			Bitrate    float64 `json:"bitrate"`
			Resolution float64 `json:"resolution"`
			FPS        float64 `json:"fps"`
			Codec      float64 `json:"codec"`
		} `json:"weights"`
		MinScore   float64 `json:"min_score"`
		PreferH265 bool    `json:"prefer_h265"`
	} `json:"scoring"`

	Queue struct {
		MaxSize           int `json:"max_size"`
		MaxChannelsPerRun int `json:"max_channels_per_run"`
	} `json:"queue"`

	ConcurrentStreams struct {
		GlobalLimit  int  `json:"global_limit"`
		Enabled      bool `json:"enabled"`
		StaggerDelay int  `json:"stagger_delay"`
	} `json:"concurrent_streams"`

	DeadStreamHandling struct {
		Enabled        bool    `json:"enabled"`
		MinResolutionW int     `json:"min_resolution_width"`
		MinResolutionH int     `json:"min_resolution_height"`
		MinBitrateKbps float64 `json:"min_bitrate_kbps"`
		MinScore       float64 `json:"min_score"`
	} `json:"dead_stream_handling"`

	AccountStreamLimits struct {
		Enabled       bool        `json:"enabled"`
		GlobalLimit   int         `json:"global_limit"`
		AccountLimits map[int]int `json:"account_limits"`
	} `json:"account_stream_limits"`

	StreamOrdering struct {
		ProviderDiversification bool   `json:"provider_diversification"`
		DiversificationMode     string `json:"diversification_mode"` // round_robin | weighted (alias — see DESIGN.md)
	} `json:"stream_ordering"`

	ProfileFailover struct {
		Enabled            bool `json:"enabled"`
		TryFullProfiles    bool `json:"try_full_profiles"`
		Phase2MaxWait      int  `json:"phase2_max_wait"`
		Phase2PollInterval int  `json:"phase2_poll_interval"`
	} `json:"profile_failover"`
}

// DefaultFileConfig matches spec.md §4.7's worked examples.
func DefaultFileConfig() FileConfig {
	var f FileConfig
	f.StreamAnalysis.FFmpegDuration = 10
	f.StreamAnalysis.Timeout = 10
	f.StreamAnalysis.StreamStartupBuffer = 5
	f.StreamAnalysis.Retries = 1
	f.StreamAnalysis.RetryDelaySeconds = 2
	f.StreamAnalysis.UserAgent = "streamqc/1.0"

	f.Scoring.Weights.Bitrate = scorer.DefaultWeights.Bitrate
	f.Scoring.Weights.Resolution = scorer.DefaultWeights.Resolution
	f.Scoring.Weights.FPS = scorer.DefaultWeights.FPS
	f.Scoring.Weights.Codec = scorer.DefaultWeights.Codec
	f.Scoring.MinScore = 0.40
	f.Scoring.PreferH265 = true

	f.Queue.MaxSize = 500
	f.Queue.MaxChannelsPerRun = 0

	f.ConcurrentStreams.GlobalLimit = 0
	f.ConcurrentStreams.Enabled = true
	f.ConcurrentStreams.StaggerDelay = 0

	f.DeadStreamHandling.Enabled = true
	f.DeadStreamHandling.MinBitrateKbps = 100
	f.DeadStreamHandling.MinScore = 0.40

	f.AccountStreamLimits.Enabled = false

	f.StreamOrdering.ProviderDiversification = true
	f.StreamOrdering.DiversificationMode = "round_robin"

	f.ProfileFailover.Enabled = true
	f.ProfileFailover.TryFullProfiles = true
	f.ProfileFailover.Phase2MaxWait = 30
	f.ProfileFailover.Phase2PollInterval = 2
	return f
}

// LoadFileConfig reads stream_checker_config.json, starting from
// DefaultFileConfig on a missing file (spec.md §7 "never throw at startup").
func LoadFileConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultFileConfig()
			return cfg, SaveFileConfig(path, cfg)
		}
		return FileConfig{}, fmt.Errorf("pipeline: read config: %w", err)
	}
	if len(data) == 0 {
		return DefaultFileConfig(), nil
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("pipeline: corrupt config: %w", err)
	}
	return cfg, nil
}

// SaveFileConfig writes cfg atomically, the same write-temp-then-rename
// helper every other package in this tree duplicates rather than sharing.
func SaveFileConfig(path string, cfg FileConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: marshal config: %w", err)
	}
	dir := filepath.Dir(filepath.Clean(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pipeline: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".stream-checker-config-*.json.tmp")
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
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pipeline: rename: %w", err)
	}
	return nil
}

// ToConfig maps the JSON document onto the runtime Config the pipeline
// consumes. "weighted" is an alias for "round_robin" (SPEC_FULL.md §9 open
// question, resolved there): neither mode changes anything on its own;
// diversifyByProvider runs only when provider_diversification is true.
func (f FileConfig) ToConfig(analyzerPath string) Config {
	return Config{
		Weights: scorer.Weights{
			Bitrate:    f.Scoring.Weights.Bitrate,
			Resolution: f.Scoring.Weights.Resolution,
			FPS:        f.Scoring.Weights.FPS,
			Codec:      f.Scoring.Weights.Codec,
		},
		Thresholds: scorer.Thresholds{
			Enabled:        f.DeadStreamHandling.Enabled,
			MinBitrateKbps: f.DeadStreamHandling.MinBitrateKbps,
			MinWidth:       f.DeadStreamHandling.MinResolutionW,
			MinHeight:      f.DeadStreamHandling.MinResolutionH,
			MinScore:       f.DeadStreamHandling.MinScore,
		},
		PreferH265: f.Scoring.PreferH265,

		ProbeOptions: prober.Options{
			AnalyzerPath:   analyzerPath,
			DurationS:      f.StreamAnalysis.FFmpegDuration,
			TimeoutS:       f.StreamAnalysis.Timeout,
			StartupBufferS: f.StreamAnalysis.StreamStartupBuffer,
			UserAgent:      f.StreamAnalysis.UserAgent,
		},
		Retries:    f.StreamAnalysis.Retries,
		RetryDelay: time.Duration(f.StreamAnalysis.RetryDelaySeconds) * time.Second,

		ConcurrencyEnabled: f.ConcurrentStreams.Enabled,
		LimiterTimeout:     30 * time.Second,

		ProfileFailoverEnabled: f.ProfileFailover.Enabled,
		Phase2MaxWait:          time.Duration(f.ProfileFailover.Phase2MaxWait) * time.Second,
		Phase2PollInterval:     time.Duration(f.ProfileFailover.Phase2PollInterval) * time.Second,

		ProviderDiversification: f.StreamOrdering.ProviderDiversification,
		AccountLimits: AccountLimits{
			Enabled:     f.AccountStreamLimits.Enabled,
			GlobalLimit: f.AccountStreamLimits.GlobalLimit,
			PerProvider: f.AccountStreamLimits.AccountLimits,
		},
		RemoveDeadStreams: f.DeadStreamHandling.Enabled,
	}
}
