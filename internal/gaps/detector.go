// Package gaps finds and follows price gaps left by the weekly futures market closure.
//
// The Detector walks an ordered spot price series and emits one Gap per closed window
// whose reopen price differs from the last pre-close price. The Tracker then scans later
// bars for the first one that trades back through each gap's reference level.
// Both operate purely on in-memory data and never retain the slices they are given.
package gaps

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

// ErrUnorderedBars is returned when the series is not strictly ascending by timestamp.
var ErrUnorderedBars = errors.New("price bars are not in ascending timestamp order")

// IDFunc generates gap identifiers.
type IDFunc func() string

// Detector locates closed-window boundaries in a price series.
type Detector struct {
	logger *slog.Logger
}

// NewDetector creates a detector. A nil logger falls back to slog.Default.
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger.With("component", "gap_detector")}
}

// Detect returns the gaps found in bars under schedule, with timestamps converted to loc.
// A nil loc means the schedule's own location.
func (d *Detector) Detect(bars []models.PriceBar, schedule models.MarketSchedule, loc *time.Location) ([]*models.Gap, error) {
	return d.DetectWithIDs(bars, schedule, loc, uuid.NewString)
}

// DetectWithIDs is Detect with a caller supplied ID generator.
//
// Gaps are found between consecutive bars, so a data hole that spans several
// closed windows yields one gap from the last bar before the hole to the first
// bar after it, not one gap per window boundary crossed.
func (d *Detector) DetectWithIDs(bars []models.PriceBar, schedule models.MarketSchedule, loc *time.Location, nextID IDFunc) ([]*models.Gap, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = schedule.Location
	}
	if nextID == nil {
		nextID = uuid.NewString
	}

	gaps := make([]*models.Gap, 0)
	if len(bars) < 2 {
		return gaps, nil
	}

	var (
		prev      *models.PriceBar
		skipped   int
		flatCount int
	)

	for i := range bars {
		bar := &bars[i]

		if i > 0 && !bar.Timestamp.After(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("%w: bar %d at %s follows %s", ErrUnorderedBars, i,
				bar.Timestamp.Format(time.RFC3339), bars[i-1].Timestamp.Format(time.RFC3339))
		}

		// Spot bars that trade while the futures market is shut are not session bars.
		if schedule.InClosedWindow(bar.Timestamp) {
			skipped++
			continue
		}

		if prev == nil {
			prev = bar
			continue
		}

		closeAt := schedule.NextClose(prev.Timestamp)
		if closeAt.After(bar.Timestamp) {
			prev = bar
			continue
		}

		if windows := windowsCrossed(schedule, closeAt, bar.Timestamp); windows > 1 {
			d.logger.Warn("bar pair spans several closed windows, emitting a single gap",
				"from", prev.Timestamp.Format(time.RFC3339),
				"to", bar.Timestamp.Format(time.RFC3339),
				"windows", windows)
		}

		if prev.Close.Equal(bar.Open) {
			flatCount++
			prev = bar
			continue
		}

		gap, err := models.NewGap(nextID(), *prev, *bar, loc)
		if err != nil {
			return nil, fmt.Errorf("build gap at %s: %w", bar.Timestamp.Format(time.RFC3339), err)
		}
		gaps = append(gaps, gap)
		prev = bar
	}

	d.logger.Debug("gap detection finished",
		"bars", len(bars),
		"closed_window_bars", skipped,
		"flat_reopens", flatCount,
		"gaps", len(gaps),
		"schedule", schedule.String())

	return gaps, nil
}

// windowsCrossed counts scheduled closes in [firstClose, until].
func windowsCrossed(schedule models.MarketSchedule, firstClose, until time.Time) int {
	n := 0
	for c := firstClose; !c.After(until); c = schedule.NextClose(c) {
		n++
	}
	return n
}
