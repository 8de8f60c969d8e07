// Package config loads process-level settings for the stream quality
// coordination engine from the environment. Domain settings that the
// aggregator/automation controller need (scoring weights, cron expressions,
// queue sizes, ...) are not here — those live in the JSON documents owned by
// internal/automation and internal/pipeline, loaded once at startup.
package config

import (
	"os"
	"strings"
	"time"
)

// Config holds the settings needed to start the process: where the
// aggregator lives, how to authenticate to it, where local state is
// persisted, and how the media analyzer is invoked.
type Config struct {
	// Aggregator
	AggregatorBaseURL string // e.g. http://dispatcharr:9191
	AggregatorUser    string
	AggregatorPass    string
	AggregatorTimeout time.Duration

	// Local state
	DataDir string // root dir for udi_snapshot.json, dead_streams.json, stream_checker_changelog.json, ...

	// Media analyzer (the "Stream Prober" subprocess)
	AnalyzerPath string // path to the analyzer binary (ffmpeg-compatible CLI)
	UserAgent    string // default User-Agent sent with stream/analyzer requests

	// Loop cadence
	SchedulerTick time.Duration // how often the automation controller's loop wakes to re-check its cron/interval state
}

// Load reads configuration from the environment. Missing values fall back to
// sane defaults; AggregatorBaseURL/User/Pass have no default and must be set
// for the aggregator client to function, but Load itself never fails — an
// incomplete config simply yields a Config that internal/aggregator will
// reject at first use, consistent with spec.md §7's "never throw at
// startup" error-handling design.
func Load() *Config {
	c := &Config{
		AggregatorBaseURL: strings.TrimSuffix(os.Getenv("STREAMQC_AGGREGATOR_URL"), "/"),
		AggregatorUser:    os.Getenv("STREAMQC_AGGREGATOR_USER"),
		AggregatorPass:    os.Getenv("STREAMQC_AGGREGATOR_PASS"),
		AggregatorTimeout: getEnvDuration("STREAMQC_AGGREGATOR_TIMEOUT", 30*time.Second),
		DataDir:           getEnv("STREAMQC_DATA_DIR", "./data"),
		AnalyzerPath:      getEnv("STREAMQC_ANALYZER_PATH", "ffmpeg"),
		UserAgent:         getEnv("STREAMQC_USER_AGENT", "streamqc/1.0"),
		SchedulerTick:     getEnvDuration("STREAMQC_SCHEDULER_TICK", 60*time.Second),
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = 60 * time.Second
	}
	if c.AggregatorTimeout <= 0 {
		c.AggregatorTimeout = 30 * time.Second
	}
	return c
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
