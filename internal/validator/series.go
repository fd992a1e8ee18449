// Package validator normalizes raw price series before gap analysis.
// Bars are ordered by timestamp, duplicates are collapsed, and bars that break
// OHLC consistency are either dropped or rejected depending on the mode.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

// ErrEmptySeries is returned when normalization leaves no usable bars.
var ErrEmptySeries = fmt.Errorf("empty price series: %w", models.ErrNoData)

// SeriesValidator checks and normalizes a price bar series.
type SeriesValidator struct {
	strict bool
	logger *slog.Logger
}

// SeriesReport summarizes what normalization changed.
type SeriesReport struct {
	InputBars     int           `json:"input_bars"`
	OutputBars    int           `json:"output_bars"`
	Duplicates    int           `json:"duplicates"`
	Invalid       int           `json:"invalid"`
	Reordered     bool          `json:"reordered"`
	Interval      time.Duration `json:"interval"`
	MissingBars   int           `json:"missing_bars"`
	FirstBar      time.Time     `json:"first_bar"`
	LastBar       time.Time     `json:"last_bar"`
	InvalidErrors []string      `json:"invalid_errors,omitempty"`
}

// NewSeriesValidator creates a validator. In strict mode the first invalid bar
// fails normalization instead of being dropped.
func NewSeriesValidator(strict bool, logger *slog.Logger) *SeriesValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SeriesValidator{
		strict: strict,
		logger: logger.With("component", "series_validator"),
	}
}

// Normalize returns the bars sorted ascending by timestamp with duplicate
// timestamps collapsed to the last occurrence and invalid bars removed.
// The input slice is not modified.
func (v *SeriesValidator) Normalize(ctx context.Context, bars []models.PriceBar) ([]models.PriceBar, *SeriesReport, error) {
	report := &SeriesReport{InputBars: len(bars)}

	if len(bars) == 0 {
		return nil, report, ErrEmptySeries
	}

	valid := make([]models.PriceBar, 0, len(bars))
	for i, bar := range bars {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, report, err
			}
		}

		if err := bar.Validate(); err != nil {
			if v.strict {
				return nil, report, fmt.Errorf("bar %d at %s: %w", i, bar.Timestamp.Format(time.RFC3339), err)
			}
			report.Invalid++
			if len(report.InvalidErrors) < 10 {
				report.InvalidErrors = append(report.InvalidErrors, fmt.Sprintf("%s: %v", bar.Timestamp.Format(time.RFC3339), err))
			}
			continue
		}
		valid = append(valid, bar)
	}

	if !sort.SliceIsSorted(valid, func(i, j int) bool { return valid[i].Timestamp.Before(valid[j].Timestamp) }) {
		report.Reordered = true
		sort.SliceStable(valid, func(i, j int) bool { return valid[i].Timestamp.Before(valid[j].Timestamp) })
	}

	out := valid[:0]
	for _, bar := range valid {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(bar.Timestamp) {
			out[n-1] = bar
			report.Duplicates++
			continue
		}
		out = append(out, bar)
	}

	report.OutputBars = len(out)
	if len(out) == 0 {
		return nil, report, ErrEmptySeries
	}

	report.FirstBar = out[0].Timestamp
	report.LastBar = out[len(out)-1].Timestamp
	report.Interval = EstimateInterval(out)
	report.MissingBars = countMissing(out, report.Interval)

	if report.Invalid > 0 || report.Duplicates > 0 {
		v.logger.Warn("price series normalized",
			"input", report.InputBars,
			"output", report.OutputBars,
			"invalid", report.Invalid,
			"duplicates", report.Duplicates)
	}

	return out, report, nil
}

// EstimateInterval returns the most common spacing between consecutive bars.
func EstimateInterval(bars []models.PriceBar) time.Duration {
	if len(bars) < 2 {
		return 0
	}

	counts := make(map[time.Duration]int)
	var best time.Duration
	for i := 1; i < len(bars); i++ {
		d := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		if d <= 0 {
			continue
		}
		counts[d]++
		if counts[d] > counts[best] || (counts[d] == counts[best] && d < best) {
			best = d
		}
	}
	return best
}

// countMissing counts bars absent from an otherwise regular series.
func countMissing(bars []models.PriceBar, interval time.Duration) int {
	if interval <= 0 {
		return 0
	}
	missing := 0
	for i := 1; i < len(bars); i++ {
		d := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		if d > interval {
			missing += int(d/interval) - 1
		}
	}
	return missing
}

// IsEmptySeries reports whether err means no usable bars were found.
func IsEmptySeries(err error) bool {
	return errors.Is(err, ErrEmptySeries)
}
