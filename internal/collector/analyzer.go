package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/johnayoung/cme-gap-analyzer/internal/errors"
	"github.com/johnayoung/cme-gap-analyzer/internal/exchange"
	"github.com/johnayoung/cme-gap-analyzer/internal/gaps"
	"github.com/johnayoung/cme-gap-analyzer/internal/logger"
	"github.com/johnayoung/cme-gap-analyzer/internal/metrics"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
	"github.com/johnayoung/cme-gap-analyzer/internal/storage"
	"github.com/johnayoung/cme-gap-analyzer/internal/validator"
)

// Pipeline stage names used in logs, metrics and AnalysisResult.Stages.
const (
	StageFetch     = "fetch"
	StageNormalize = "normalize"
	StageDetect    = "detect"
	StageTrack     = "track"
	StagePersist   = "persist"
	StageOutput    = "output"
)

// Config configures an Analyzer.
type Config struct {
	Exchange string
	Symbol   string
	Interval string

	Schedule  models.MarketSchedule
	Location  *time.Location // gap timestamps and dates; nil uses the schedule location
	Tolerance float64
	ATRPeriod int

	OutputDir string
	SaveData  bool
	Plots     bool

	// StrictBars fails the run on the first invalid bar instead of dropping it.
	StrictBars bool
}

// Analyzer runs the gap analysis pipeline.
type Analyzer struct {
	config *Config

	fetcher    exchange.BarFetcher
	store      Store
	plotter    Plotter
	classifier *apperrors.ErrorClassifier
	metrics    *metrics.MetricsCollector

	validator *validator.SeriesValidator
	detector  *gaps.Detector
	tracker   *gaps.Tracker

	newID  func() string
	logger *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithStore persists bars, gaps and runs.
func WithStore(s Store) Option {
	return func(a *Analyzer) { a.store = s }
}

// WithPlotter renders figures when Config.Plots is set.
func WithPlotter(p Plotter) Option {
	return func(a *Analyzer) { a.plotter = p }
}

// WithClassifier retries downloads under the classifier's "exchange" policy.
func WithClassifier(ec *apperrors.ErrorClassifier) Option {
	return func(a *Analyzer) { a.classifier = ec }
}

// WithMetrics records pipeline metrics and writes run_metrics.json.
func WithMetrics(mc *metrics.MetricsCollector) Option {
	return func(a *Analyzer) { a.metrics = mc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithIDFunc replaces the run and gap ID generator.
func WithIDFunc(fn func() string) Option {
	return func(a *Analyzer) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// New creates an Analyzer. The fetcher may be nil when every request supplies bars.
func New(cfg *Config, fetcher exchange.BarFetcher, opts ...Option) (*Analyzer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("analyzer config is required")
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval == "" {
		cfg.Interval = "1h"
	}
	if cfg.Exchange == "" && fetcher != nil {
		cfg.Exchange = fetcher.Name()
	}

	a := &Analyzer{
		config:  cfg,
		fetcher: fetcher,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "analyzer")

	a.validator = validator.NewSeriesValidator(cfg.StrictBars, a.logger)
	a.detector = gaps.NewDetector(a.logger)
	a.tracker = gaps.NewTracker(a.logger, gaps.WithTolerance(cfg.Tolerance))
	return a, nil
}

// Name identifies the analyzer in health reports.
func (a *Analyzer) Name() string {
	return "analyzer"
}

// HealthCheck checks the exchange and the store.
func (a *Analyzer) HealthCheck(ctx context.Context) error {
	if a.fetcher != nil {
		if err := a.fetcher.HealthCheck(ctx); err != nil {
			return fmt.Errorf("exchange health check failed: %w", err)
		}
	}
	if a.store != nil {
		if err := a.store.HealthCheck(ctx); err != nil {
			return fmt.Errorf("storage health check failed: %w", err)
		}
	}
	return nil
}

// Run executes one analysis. The run record is persisted whether the analysis
// succeeds or fails. On failure the partial result is returned with the error.
func (a *Analyzer) Run(ctx context.Context, req AnalyzeRequest) (*AnalysisResult, error) {
	series := a.series(req)
	run := models.NewAnalysisRun(a.newID(), series.Exchange, series.Symbol, series.Interval, req.Start, req.End)
	if err := run.Begin(); err != nil {
		return nil, err
	}

	result := &AnalysisResult{
		Run:    run,
		Series: series,
		Stages: make(map[string]time.Duration),
	}
	ctx = logger.WithSource(logger.WithRunID(ctx, run.ID), series.Exchange, series.Symbol, series.Interval)
	log := logger.FromContext(ctx, a.logger)
	log.Info("starting gap analysis",
		"start", req.Start.UTC().Format(time.RFC3339),
		"end", req.End.UTC().Format(time.RFC3339),
		"supplied_bars", len(req.Bars))

	err := a.analyze(ctx, req, result, log)
	a.finish(ctx, result, err, log)
	if err != nil {
		return result, err
	}
	return result, nil
}

// AnalyzeBars runs the analysis over bars that are already in memory, such as
// a CSV file. The run window is taken from the bars.
func (a *Analyzer) AnalyzeBars(ctx context.Context, bars []models.PriceBar, source string) (*AnalysisResult, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("analyze %s: %w", source, models.ErrNoData)
	}
	if source == "" {
		source = "csv"
	}
	start, end := bars[0].Timestamp, bars[0].Timestamp
	for _, b := range bars {
		if b.Timestamp.Before(start) {
			start = b.Timestamp
		}
		if b.Timestamp.After(end) {
			end = b.Timestamp
		}
	}
	return a.Run(ctx, AnalyzeRequest{Start: start, End: end, Bars: bars, Source: source})
}

// Download fetches and normalizes bars without analyzing them. The bars are
// stored when a store is configured and written to the bars CSV in the output
// directory.
func (a *Analyzer) Download(ctx context.Context, req AnalyzeRequest) (*DownloadResult, error) {
	series := a.series(req)
	res := &DownloadResult{Series: series}

	ctx = logger.WithSource(ctx, series.Exchange, series.Symbol, series.Interval)
	log := logger.FromContext(ctx, a.logger)

	raw, requests, err := a.fetch(ctx, series, req)
	res.Requests = requests
	if err != nil {
		return res, err
	}

	bars, info, err := a.validator.Normalize(ctx, raw)
	res.SeriesInfo = info
	if err != nil {
		return res, apperrors.WrapError(err, "analyzer", StageNormalize, "failed to normalize bars")
	}
	res.Bars = bars

	if a.store != nil {
		if err := a.store.StoreBars(ctx, series, bars); err != nil {
			return res, apperrors.WrapError(err, "analyzer", StagePersist, "failed to store bars")
		}
		res.Stored = true
	}

	path, err := a.writeBars(bars)
	if err != nil {
		return res, err
	}
	res.File = path

	log.Info("download complete",
		"bars", len(bars),
		"requests", requests,
		"file", path)
	return res, nil
}

// OpenGaps returns the gaps of the result's series that are still open. With a
// store the stored status wins, so a closure recorded by an earlier run over a
// longer history is not reported as open again.
func (a *Analyzer) OpenGaps(ctx context.Context, result *AnalysisResult) ([]*models.Gap, error) {
	if a.store == nil {
		open := make([]*models.Gap, 0, result.Statistics.OpenGaps)
		for _, g := range result.Gaps {
			if !g.IsClosed() {
				open = append(open, g)
			}
		}
		return open, nil
	}
	open, err := a.store.GetGapsByStatus(ctx, result.Series, models.GapStatusOpen)
	if err != nil {
		return nil, apperrors.WrapError(err, "analyzer", "open_gaps", "failed to load open gaps")
	}
	return open, nil
}

func (a *Analyzer) series(req AnalyzeRequest) storage.Series {
	s := storage.Series{
		Exchange: a.config.Exchange,
		Symbol:   a.config.Symbol,
		Interval: strings.ToLower(a.config.Interval),
	}
	if req.Source != "" {
		s.Exchange = req.Source
	}
	if req.Symbol != "" {
		s.Symbol = req.Symbol
	}
	if req.Interval != "" {
		s.Interval = strings.ToLower(req.Interval)
	}
	if s.Exchange == "" {
		s.Exchange = "unknown"
	}
	if s.Symbol == "" {
		s.Symbol = defaultSymbol(s.Exchange)
	}
	return s
}

func defaultSymbol(exchangeName string) string {
	switch exchangeName {
	case "binance":
		return exchange.DefaultBinanceSymbol
	case "coinbase":
		return exchange.DefaultCoinbaseProduct
	default:
		return "BTC"
	}
}

func (a *Analyzer) analyze(ctx context.Context, req AnalyzeRequest, result *AnalysisResult, log *slog.Logger) error {
	run := result.Run

	var raw []models.PriceBar
	err := a.stage(log, result, StageFetch, func() error {
		var err error
		switch {
		case req.Bars != nil:
			raw = req.Bars
		case req.FromStore:
			raw, err = a.load(ctx, result.Series, req)
		default:
			raw, result.Requests, err = a.fetch(ctx, result.Series, req)
		}
		return err
	})
	if err != nil {
		return err
	}

	var bars []models.PriceBar
	err = a.stage(log, result, StageNormalize, func() error {
		var err error
		bars, result.SeriesInfo, err = a.validator.Normalize(ctx, raw)
		if err != nil {
			return apperrors.WrapError(err, "analyzer", StageNormalize, "failed to normalize bars")
		}
		return nil
	})
	if err != nil {
		return err
	}
	result.Bars = bars
	a.alignRunWindow(run, result.SeriesInfo)

	labels := map[string]string{"exchange": result.Series.Exchange, "symbol": result.Series.Symbol}
	a.metrics.AddCounter("bars_analyzed_total", float64(len(bars)), "bars analyzed", labels)

	if a.store != nil && !req.FromStore {
		err = a.stage(log, result, StagePersist, func() error {
			return a.store.StoreBars(ctx, result.Series, bars)
		})
		if err != nil {
			return apperrors.WrapError(err, "analyzer", StagePersist, "failed to store bars")
		}
	}

	var detected []*models.Gap
	err = a.stage(log, result, StageDetect, func() error {
		var err error
		detected, err = a.detector.DetectWithIDs(bars, a.config.Schedule, a.config.Location, a.newID)
		return err
	})
	if err != nil {
		return apperrors.WrapError(err, "analyzer", StageDetect, "gap detection failed")
	}
	result.Gaps = detected

	err = a.stage(log, result, StageTrack, func() error {
		_, err := a.tracker.Track(bars, detected)
		if err != nil {
			return err
		}
		result.ATREnriched = gaps.EnrichATR(bars, detected, a.config.ATRPeriod)
		return nil
	})
	if err != nil {
		return apperrors.WrapError(err, "analyzer", StageTrack, "closure tracking failed")
	}

	result.Statistics = gaps.ComputeStatistics(detected)
	stats := result.Statistics
	a.metrics.AddCounter("gaps_detected_total", float64(stats.TotalGaps), "gaps detected", labels)
	a.metrics.AddCounter("gaps_closed_total", float64(stats.ClosedGaps), "gaps closed", labels)
	a.metrics.RecordGauge("open_gaps", float64(stats.OpenGaps), "gaps still open", labels)

	log.Info("gaps analyzed",
		"bars", len(bars),
		"gaps", stats.TotalGaps,
		"closed", stats.ClosedGaps,
		"open", stats.OpenGaps,
		"closure_rate_pct", stats.ClosureRate,
		"atr_enriched", result.ATREnriched)

	if a.store != nil && len(detected) > 0 {
		err = a.stage(log, result, StagePersist, func() error {
			return a.store.StoreGaps(ctx, result.Series, detected)
		})
		if err != nil {
			return apperrors.WrapError(err, "analyzer", StagePersist, "failed to store gaps")
		}
	}

	err = a.stage(log, result, StageOutput, func() error {
		files, err := a.writeOutputs(result)
		result.Files = files
		return err
	})
	if err != nil {
		return err
	}

	return run.Complete(len(bars), stats.TotalGaps, stats.ClosedGaps)
}

// fetch downloads the window, retrying under the "exchange" policy when a
// classifier is configured.
func (a *Analyzer) fetch(ctx context.Context, series storage.Series, req AnalyzeRequest) ([]models.PriceBar, int, error) {
	if a.fetcher == nil {
		return nil, 0, fmt.Errorf("no exchange configured and no bars supplied")
	}

	fetchReq := exchange.FetchRequest{
		Symbol:   series.Symbol,
		Interval: series.Interval,
		Start:    req.Start,
		End:      req.End,
	}

	var resp *exchange.FetchResponse
	download := func() error {
		var err error
		resp, err = a.fetcher.FetchBars(ctx, fetchReq)
		return err
	}

	var err error
	if a.classifier != nil {
		err = a.classifier.Retry(ctx, "exchange", "fetch_bars", download)
	} else {
		err = download()
	}
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Bars) == 0 {
		return nil, resp.Requests, fmt.Errorf("%s %s %s: %w", series.Exchange, series.Symbol, series.Interval, models.ErrNoData)
	}
	return resp.Bars, resp.Requests, nil
}

func (a *Analyzer) load(ctx context.Context, series storage.Series, req AnalyzeRequest) ([]models.PriceBar, error) {
	if a.store == nil {
		return nil, fmt.Errorf("loading stored bars requires a storage backend")
	}
	bars, err := a.store.QueryBars(ctx, storage.BarQuery{Series: series, Start: req.Start, End: req.End})
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("stored %s: %w", series.String(), models.ErrNoData)
	}
	return bars, nil
}

// alignRunWindow fills a zero request window from the normalized series so the
// run record stays valid.
func (a *Analyzer) alignRunWindow(run *models.AnalysisRun, info *validator.SeriesReport) {
	if info == nil {
		return
	}
	if run.Start.IsZero() {
		run.Start = info.FirstBar.UTC()
	}
	if run.End.IsZero() || !run.End.After(run.Start) {
		step := info.Interval
		if step <= 0 {
			step = time.Second
		}
		run.End = info.LastBar.Add(step).UTC()
	}
}

func (a *Analyzer) finish(ctx context.Context, result *AnalysisResult, runErr error, log *slog.Logger) {
	run := result.Run
	labels := map[string]string{"exchange": result.Series.Exchange, "status": string(run.Status)}

	if runErr != nil {
		if run.Status == models.RunRunning || run.Status == models.RunPending {
			_ = run.Fail(runErr)
		}
		labels["status"] = string(run.Status)
		a.metrics.RecordError("analysis_failures_total", "failed analysis runs", labels)
		logger.LogError(log, runErr, "gap analysis failed",
			"error_type", apperrors.GetErrorType(runErr),
			"elapsed", run.Elapsed())
	} else {
		log.Info("gap analysis complete", "summary", run.Summary())
	}
	a.metrics.RecordCounter("analysis_runs_total", "analysis runs", labels)

	if a.store != nil {
		// The run window is zero when nothing was loaded.
		if run.Start.IsZero() || !run.End.After(run.Start) {
			log.Warn("run window unknown, run record not stored")
		} else if err := a.store.StoreRun(context.WithoutCancel(ctx), run); err != nil {
			log.Warn("failed to store run", "error", err)
		}
	}

	if runErr != nil || a.metrics == nil || a.config.OutputDir == "" {
		return
	}
	if path, err := a.writeMetrics(); err != nil {
		log.Warn("failed to write run metrics", "error", err)
	} else {
		result.Files = append(result.Files, path)
	}
}

// stage runs fn and records its duration under name.
func (a *Analyzer) stage(log *slog.Logger, result *AnalysisResult, name string, fn func() error) error {
	elapsed, err := logger.TimedOperation(log, name, fn)
	result.Stages[name] += elapsed
	a.metrics.RecordDuration("stage_duration_ms", elapsed, "pipeline stage duration", map[string]string{"stage": name})
	return err
}
