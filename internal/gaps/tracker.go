package gaps

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

// Tracker decides if and when each open gap was filled by later price action.
type Tracker struct {
	tolerance decimal.Decimal
	logger    *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTolerance widens the reference level by a fraction of the close price,
// so 0.001 accepts bars within 0.1% of the level. Negative values are ignored.
func WithTolerance(pct float64) TrackerOption {
	return func(t *Tracker) {
		if pct > 0 {
			t.tolerance = decimal.NewFromFloat(pct)
		}
	}
}

// NewTracker creates a closure tracker with an exact-touch rule unless a tolerance is set.
func NewTracker(logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		tolerance: decimal.Zero,
		logger:    logger.With("component", "closure_tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track scans bars after each open gap's reopen and closes the gap at the first bar
// whose range reaches the gap's close price. Gaps are updated in place; closed gaps
// are left untouched. It returns how many gaps were closed by this call.
func (t *Tracker) Track(bars []models.PriceBar, gaps []*models.Gap) (int, error) {
	closed := 0
	one := decimal.NewFromInt(1)

	for _, gap := range gaps {
		if gap == nil || gap.Status != models.GapStatusOpen {
			continue
		}

		upper := gap.ClosePrice.Mul(one.Add(t.tolerance))
		lower := gap.ClosePrice.Mul(one.Sub(t.tolerance))

		start := sort.Search(len(bars), func(i int) bool {
			return bars[i].Timestamp.After(gap.ReopenTimestamp)
		})

		for i := start; i < len(bars); i++ {
			bar := &bars[i]
			if bar.Low.GreaterThan(upper) || bar.High.LessThan(lower) {
				continue
			}

			if err := gap.MarkClosed(bar.Timestamp, i-start+1); err != nil {
				return closed, fmt.Errorf("close gap %s: %w", gap.ID, err)
			}
			closed++
			break
		}
	}

	t.logger.Debug("closure tracking finished", "gaps", len(gaps), "closed", closed)
	return closed, nil
}
