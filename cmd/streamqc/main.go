// Command streamqc runs the automated IPTV stream quality coordination
// engine: it indexes an external channel aggregator into the Universal Data
// Index, matches streams to channels by regex, probes and scores them on a
// schedule, and writes the reordered result back. Grounded on the teacher's
// cmd/plex-tuner/main.go flag-parsing-plus-signal-wait shape, extended with
// internal/runner's goroutine-group supervision since this process runs
// several long-lived loops instead of one HTTP server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/snapetech/streamqc/internal/aggregator"
	"github.com/snapetech/streamqc/internal/automation"
	"github.com/snapetech/streamqc/internal/changelog"
	"github.com/snapetech/streamqc/internal/config"
	"github.com/snapetech/streamqc/internal/deadstream"
	"github.com/snapetech/streamqc/internal/limiter"
	"github.com/snapetech/streamqc/internal/pipeline"
	"github.com/snapetech/streamqc/internal/queue"
	"github.com/snapetech/streamqc/internal/regexmatch"
	"github.com/snapetech/streamqc/internal/runner"
	"github.com/snapetech/streamqc/internal/udi"
)

func main() {
	flag.Parse()
	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("streamqc: create data dir %s: %v", cfg.DataDir, err)
	}

	agg := aggregator.New(aggregator.Config{
		BaseURL:   cfg.AggregatorBaseURL,
		Username:  cfg.AggregatorUser,
		Password:  cfg.AggregatorPass,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.AggregatorTimeout,
	}, 10)

	store := udi.NewStore(cfg.DataDir)
	index := udi.New(agg, store)
	if err := index.Load(); err != nil {
		log.Printf("streamqc: load udi snapshot: %v", err)
	}

	lim := limiter.New(index)
	index.SetCheckingCounter(lim)

	dead, err := deadstream.Load(filepath.Join(cfg.DataDir, "dead_streams.json"))
	if err != nil {
		log.Fatalf("streamqc: load dead-stream tracker: %v", err)
	}

	matcher, err := regexmatch.Load(filepath.Join(cfg.DataDir, "channel_regex_config.json"))
	if err != nil {
		log.Fatalf("streamqc: load regex matcher: %v", err)
	}

	tracker, err := pipeline.LoadCheckTracker(filepath.Join(cfg.DataDir, "channel_updates.json"))
	if err != nil {
		log.Fatalf("streamqc: load check tracker: %v", err)
	}

	clog, err := changelog.New(filepath.Join(cfg.DataDir, "stream_checker_changelog.json"))
	if err != nil {
		log.Fatalf("streamqc: load changelog: %v", err)
	}
	progress := changelog.NewProgressReporter(filepath.Join(cfg.DataDir, "stream_checker_progress.json"))

	fileCfg, err := pipeline.LoadFileConfig(filepath.Join(cfg.DataDir, "stream_checker_config.json"))
	if err != nil {
		log.Fatalf("streamqc: load stream-checker config: %v", err)
	}
	pipelineCfg := fileCfg.ToConfig(cfg.AnalyzerPath)

	pl := &pipeline.Pipeline{
		UDI:       index,
		Agg:       agg,
		Limiter:   lim,
		Dead:      dead,
		Tracker:   tracker,
		Changelog: clog,
		Progress:  progress,
		Cfg:       pipelineCfg,
	}

	q := queue.New(fileCfg.Queue.MaxSize)

	wake := runner.NewWakeEvent()
	controller := &automation.Controller{
		ConfigPath: filepath.Join(cfg.DataDir, "automation_config.json"),
		UDI:        index,
		Agg:        agg,
		Matcher:    matcher,
		Dead:       dead,
		Queue:      q,
		Pipeline:   pl,
		Tracker:    tracker,
		Changelog:  clog,
		Tick:       cfg.SchedulerTick,
		Wake:       wake,
	}
	if err := controller.Load(); err != nil {
		log.Fatalf("streamqc: load automation config: %v", err)
	}

	worker := &queue.Worker{
		Queue:     q,
		Runner:    pipelineRunnerAdapter{pl},
		Changelog: clog,
	}

	group := &runner.Group{FailFast: false, JoinTimeout: 5 * time.Second}
	group.Add("automation-controller", controller.Run)
	group.Add("check-queue-worker", worker.Run)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("streamqc: starting (data_dir=%s aggregator=%s)", cfg.DataDir, cfg.AggregatorBaseURL)
	if err := group.Run(ctx); err != nil {
		log.Printf("streamqc: exited with error: %v", err)
	}
	log.Println("streamqc: shut down")
}

// pipelineRunnerAdapter satisfies queue.Runner without internal/queue
// importing internal/pipeline (see internal/queue/worker.go).
type pipelineRunnerAdapter struct {
	pl *pipeline.Pipeline
}

func (a pipelineRunnerAdapter) Run(ctx context.Context, channelID int, opts queue.RunOptions) (queue.RunResult, error) {
	res, err := a.pl.Run(ctx, channelID, pipeline.RunOptions{Force: opts.Force, SkipBatchEntry: opts.SkipBatchEntry})
	return queue.RunResult{
		DeadCount:    res.DeadCount,
		RevivedCount: res.RevivedCount,
		Skipped:      res.Skipped,
		SkipReason:   res.SkipReason,
	}, err
}
