package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// GapDirection is the sign of the reopen move relative to the prior close.
type GapDirection string

const (
	// GapUp means the market reopened above the reference level
	GapUp GapDirection = "up"
	// GapDown means the market reopened below the reference level
	GapDown GapDirection = "down"
)

// GapStatus tracks whether price has revisited the reference level.
type GapStatus string

const (
	// GapStatusOpen indicates no bar has covered the reference level yet
	GapStatusOpen GapStatus = "open"
	// GapStatusClosed indicates a later bar covered the reference level
	GapStatusClosed GapStatus = "closed"
)

// DateLayout is used for the calendar date columns of a gap.
const DateLayout = "2006-01-02"

// ErrAlreadyClosed is returned by MarkClosed on a gap that has already transitioned.
var ErrAlreadyClosed = errors.New("gap already closed")

// Gap is a price discontinuity across one weekly closed window.
//
// A gap is created open by the detector and transitions to closed at most once.
// GapSize always equals ReopenPrice minus ClosePrice.
type Gap struct {
	// ID is the unique gap identifier
	ID string `json:"id" db:"id"`

	// CloseTimestamp is the timestamp of the last session bar before the closed window
	CloseTimestamp time.Time `json:"close_timestamp" db:"close_timestamp"`

	// ClosePrice is the reference level the gap closes back to
	ClosePrice decimal.Decimal `json:"close_price" db:"close_price"`

	// ReopenTimestamp is the timestamp of the first session bar after the closed window
	ReopenTimestamp time.Time `json:"reopen_timestamp" db:"reopen_timestamp"`

	// ReopenPrice is the open of the first session bar after the closed window
	ReopenPrice decimal.Decimal `json:"reopen_price" db:"reopen_price"`

	GapSize    decimal.Decimal `json:"gap_size" db:"gap_size"`
	GapSizePct float64         `json:"gap_size_pct" db:"gap_size_pct"`
	Direction  GapDirection    `json:"gap_direction" db:"gap_direction"`
	Status     GapStatus       `json:"status" db:"status"`

	// CloseDate and ReopenDate are local calendar dates in the schedule timezone
	CloseDate  string `json:"close_date" db:"close_date"`
	ReopenDate string `json:"reopen_date" db:"reopen_date"`

	ClosureTimestamp *time.Time     `json:"closure_timestamp,omitempty" db:"closure_timestamp"`
	BarsToClosure    *int           `json:"bars_to_closure,omitempty" db:"bars_to_closure"`
	TimeToClosure    *time.Duration `json:"time_to_closure,omitempty" db:"time_to_closure"`

	// ATRRatio is |GapSize| divided by the average true range at the close bar
	ATRRatio *float64 `json:"atr_ratio,omitempty" db:"atr_ratio"`
}

// NewGap builds an open gap from the bar before and the bar after a closed window.
// The caller guarantees next is later than prev and that the prices differ.
func NewGap(id string, prev, next PriceBar, loc *time.Location) (*Gap, error) {
	if loc == nil {
		loc = time.UTC
	}

	size := next.Open.Sub(prev.Close)
	if size.IsZero() {
		return nil, errors.New("reopen price equals close price")
	}

	direction := GapDown
	if size.IsPositive() {
		direction = GapUp
	}

	closeTS := prev.Timestamp.In(loc)
	reopenTS := next.Timestamp.In(loc)

	gap := &Gap{
		ID:              id,
		CloseTimestamp:  closeTS,
		ClosePrice:      prev.Close,
		ReopenTimestamp: reopenTS,
		ReopenPrice:     next.Open,
		GapSize:         size,
		GapSizePct:      size.Div(prev.Close).Mul(decimal.NewFromInt(100)).InexactFloat64(),
		Direction:       direction,
		Status:          GapStatusOpen,
		CloseDate:       closeTS.Format(DateLayout),
		ReopenDate:      reopenTS.Format(DateLayout),
	}

	if err := gap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gap: %w", err)
	}
	return gap, nil
}

// Validate checks the structural invariants of a gap.
func (g *Gap) Validate() error {
	if g.ID == "" {
		return errors.New("gap ID cannot be empty")
	}
	if g.CloseTimestamp.IsZero() || g.ReopenTimestamp.IsZero() {
		return errors.New("gap timestamps cannot be zero")
	}
	if !g.ReopenTimestamp.After(g.CloseTimestamp) {
		return errors.New("reopen timestamp must be after close timestamp")
	}
	if !g.GapSize.Equal(g.ReopenPrice.Sub(g.ClosePrice)) {
		return errors.New("gap size must equal reopen price minus close price")
	}

	switch g.Direction {
	case GapUp:
		if !g.GapSize.IsPositive() {
			return errors.New("up gap must have a positive size")
		}
	case GapDown:
		if !g.GapSize.IsNegative() {
			return errors.New("down gap must have a negative size")
		}
	default:
		return fmt.Errorf("invalid gap direction: %s", g.Direction)
	}

	switch g.Status {
	case GapStatusOpen:
		if g.ClosureTimestamp != nil {
			return errors.New("open gaps cannot have a closure timestamp")
		}
	case GapStatusClosed:
		if g.ClosureTimestamp == nil || g.BarsToClosure == nil || g.TimeToClosure == nil {
			return errors.New("closed gaps must have closure fields set")
		}
		if !g.ClosureTimestamp.After(g.ReopenTimestamp) {
			return errors.New("closure timestamp must be after reopen timestamp")
		}
	default:
		return fmt.Errorf("invalid gap status: %s", g.Status)
	}

	return nil
}

// MarkClosed performs the single open to closed transition.
func (g *Gap) MarkClosed(at time.Time, barsScanned int) error {
	if g.Status != GapStatusOpen {
		return fmt.Errorf("%w: %s", ErrAlreadyClosed, g.ID)
	}
	if !at.After(g.ReopenTimestamp) {
		return fmt.Errorf("closure at %s is not after reopen at %s", at.Format(time.RFC3339), g.ReopenTimestamp.Format(time.RFC3339))
	}
	if barsScanned < 1 {
		return fmt.Errorf("bars to closure must be positive, got %d", barsScanned)
	}

	closedAt := at.In(g.ReopenTimestamp.Location())
	elapsed := closedAt.Sub(g.ReopenTimestamp)
	bars := barsScanned

	g.Status = GapStatusClosed
	g.ClosureTimestamp = &closedAt
	g.BarsToClosure = &bars
	g.TimeToClosure = &elapsed
	return nil
}

// IsClosed reports whether the gap has been filled.
func (g *Gap) IsClosed() bool {
	return g.Status == GapStatusClosed
}

// AbsSize returns the unsigned gap size.
func (g *Gap) AbsSize() decimal.Decimal {
	return g.GapSize.Abs()
}

// HoursToClosure returns time to closure in hours, or false when the gap is open.
func (g *Gap) HoursToClosure() (float64, bool) {
	if g.TimeToClosure == nil {
		return 0, false
	}
	return g.TimeToClosure.Hours(), true
}

// DaysToClosure returns time to closure in days, or false when the gap is open.
func (g *Gap) DaysToClosure() (float64, bool) {
	h, ok := g.HoursToClosure()
	return h / 24, ok
}

// String returns a compact representation used in logs.
func (g *Gap) String() string {
	return fmt.Sprintf("Gap{%s %s %s->%s size:%s status:%s}",
		g.ID, g.Direction, g.CloseTimestamp.Format(time.RFC3339),
		g.ReopenTimestamp.Format(time.RFC3339), g.GapSize, g.Status)
}
