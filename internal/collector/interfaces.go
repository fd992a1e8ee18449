// Package collector runs the gap analysis end to end: it downloads or loads a
// price series, normalizes it, finds and tracks gaps, persists the results and
// writes the output files. A Watcher repeats the analysis on a cron schedule.
package collector

import (
	"context"
	"time"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
	"github.com/johnayoung/cme-gap-analyzer/internal/storage"
	"github.com/johnayoung/cme-gap-analyzer/internal/validator"
)

// Store is the persistence the pipeline writes to. storage.FullStorage satisfies it.
type Store interface {
	StoreBars(ctx context.Context, series storage.Series, bars []models.PriceBar) error
	QueryBars(ctx context.Context, req storage.BarQuery) ([]models.PriceBar, error)
	StoreGaps(ctx context.Context, series storage.Series, gaps []*models.Gap) error
	GetGapsByStatus(ctx context.Context, series storage.Series, status models.GapStatus) ([]*models.Gap, error)
	StoreRun(ctx context.Context, run *models.AnalysisRun) error
	HealthCheck(ctx context.Context) error
}

// Plotter renders the analysis figures. *charts.Renderer satisfies it.
type Plotter interface {
	RenderAll(dir string, bars []models.PriceBar, gaps []*models.Gap, stats models.GapStatistics) ([]string, error)
}

// AnalyzeRequest selects the data an analysis runs over.
type AnalyzeRequest struct {
	Start time.Time
	End   time.Time

	// Symbol and Interval override the configured values when set.
	Symbol   string
	Interval string

	// Bars skips the download and analyzes the given series instead.
	Bars []models.PriceBar
	// Source labels supplied bars in storage and run records, e.g. "csv".
	Source string

	// FromStore loads bars for the window from storage instead of downloading.
	FromStore bool
}

// AnalysisResult is everything one analysis produced.
type AnalysisResult struct {
	Run         *models.AnalysisRun      `json:"run"`
	Series      storage.Series           `json:"series"`
	Bars        []models.PriceBar        `json:"-"`
	SeriesInfo  *validator.SeriesReport  `json:"series_report"`
	Gaps        []*models.Gap            `json:"-"`
	Statistics  models.GapStatistics     `json:"statistics"`
	ATREnriched int                      `json:"atr_enriched"`
	Files       []string                 `json:"files"`
	Requests    int                      `json:"requests"`
	Stages      map[string]time.Duration `json:"stages"`
}

// DownloadResult is the outcome of a download without analysis.
type DownloadResult struct {
	Series     storage.Series          `json:"series"`
	Bars       []models.PriceBar       `json:"-"`
	SeriesInfo *validator.SeriesReport `json:"series_report"`
	Requests   int                     `json:"requests"`
	File       string                  `json:"file,omitempty"`
	Stored     bool                    `json:"stored"`
}

var _ Store = (storage.FullStorage)(nil)
