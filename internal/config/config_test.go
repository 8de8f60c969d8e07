package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("STREAMQC_AGGREGATOR_URL")
	os.Unsetenv("STREAMQC_DATA_DIR")
	os.Unsetenv("STREAMQC_SCHEDULER_TICK")

	c := Load()
	if c.DataDir != "./data" {
		t.Fatalf("DataDir = %q, want ./data", c.DataDir)
	}
	if c.SchedulerTick != 60*time.Second {
		t.Fatalf("SchedulerTick = %v, want 60s", c.SchedulerTick)
	}
	if c.AnalyzerPath != "ffmpeg" {
		t.Fatalf("AnalyzerPath = %q, want ffmpeg", c.AnalyzerPath)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("STREAMQC_AGGREGATOR_URL", "http://example.test/")
	os.Setenv("STREAMQC_SCHEDULER_TICK", "15s")
	defer os.Unsetenv("STREAMQC_AGGREGATOR_URL")
	defer os.Unsetenv("STREAMQC_SCHEDULER_TICK")

	c := Load()
	if c.AggregatorBaseURL != "http://example.test" {
		t.Fatalf("AggregatorBaseURL = %q, want trimmed trailing slash", c.AggregatorBaseURL)
	}
	if c.SchedulerTick != 15*time.Second {
		t.Fatalf("SchedulerTick = %v, want 15s", c.SchedulerTick)
	}
}
