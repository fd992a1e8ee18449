package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
)

// DefaultWatchSpec is Monday 00:05 in the schedule timezone.
const DefaultWatchSpec = "5 0 * * 1"

const defaultWatchLookbackDays = 90

// Watcher re-runs the analysis on a cron schedule until its context ends.
type Watcher struct {
	analyzer   *Analyzer
	spec       string
	schedule   cron.Schedule
	location   *time.Location
	lookback   time.Duration
	runOnStart bool

	now      func() time.Time
	onResult func(*AnalysisResult, error)

	mu    sync.Mutex
	runs  int
	fails int

	logger *slog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithResultHook is called after every run, successful or not.
func WithResultHook(fn func(*AnalysisResult, error)) WatcherOption {
	return func(w *Watcher) { w.onResult = fn }
}

// WithClock replaces time.Now for the analysis window.
func WithClock(now func() time.Time) WatcherOption {
	return func(w *Watcher) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWatcher validates the cron spec and creates a watcher. The spec is
// evaluated in loc; nil uses the analyzer's schedule location.
func NewWatcher(a *Analyzer, cfg config.WatchConfig, loc *time.Location, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	if a == nil {
		return nil, fmt.Errorf("watcher needs an analyzer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = a.config.Schedule.Location
	}

	spec := cfg.Cron
	if spec == "" {
		spec = DefaultWatchSpec
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid watch cron spec %q: %w", spec, err)
	}

	days := cfg.LookbackDays
	if days <= 0 {
		days = defaultWatchLookbackDays
	}

	w := &Watcher{
		analyzer:   a,
		spec:       spec,
		schedule:   schedule,
		location:   loc,
		lookback:   time.Duration(days) * 24 * time.Hour,
		runOnStart: cfg.RunOnStart,
		now:        time.Now,
		logger:     logger.With("component", "watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Next returns the first scheduled run after t.
func (w *Watcher) Next(t time.Time) time.Time {
	return w.schedule.Next(t.In(w.location))
}

// Runs returns how many analyses ran and how many of them failed.
func (w *Watcher) Runs() (total, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs, w.fails
}

// Run blocks until ctx is done. Overlapping ticks are skipped while a run is
// still in progress.
func (w *Watcher) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(w.location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(w.spec, func() { w.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("register watch job: %w", err)
	}

	if w.runOnStart {
		w.RunOnce(ctx)
	}

	c.Start()
	w.logger.Info("watcher started",
		"cron", w.spec,
		"timezone", w.location.String(),
		"next_run", w.Next(w.now()).Format(time.RFC3339))

	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()
	w.logger.Info("watcher stopped")
	return nil
}

// RunOnce analyzes the lookback window ending now.
func (w *Watcher) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	end := w.now().UTC()
	start := end.Add(-w.lookback)
	result, err := w.analyzer.Run(ctx, AnalyzeRequest{Start: start, End: end})

	w.mu.Lock()
	w.runs++
	if err != nil {
		w.fails++
	}
	w.mu.Unlock()

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		w.logger.Info("watch run canceled")
	case err != nil:
		w.logger.Error("watch run failed", "error", err)
	default:
		w.logger.Info("watch run complete",
			"gaps", result.Statistics.TotalGaps,
			"open", result.Statistics.OpenGaps,
			"next_run", w.Next(w.now()).Format(time.RFC3339))
	}

	if w.onResult != nil {
		w.onResult(result, err)
	}
}
