// Package models provides the data structures shared by the gap analyzer:
// price bars, the weekly market schedule, gaps, gap statistics and analysis runs.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoData is returned when a source or window yields no price bars.
var ErrNoData = errors.New("no price data")

// PriceBar is a single OHLCV bar from the spot market.
// Prices are kept as decimals so gap arithmetic is exact.
type PriceBar struct {
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Open      decimal.Decimal `json:"open" db:"open"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Close     decimal.Decimal `json:"close" db:"close"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
}

// ValidationError represents a bar validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// NewPriceBar parses the decimal strings and returns a validated bar.
func NewPriceBar(timestamp time.Time, open, high, low, close, volume string) (*PriceBar, error) {
	bar := &PriceBar{Timestamp: timestamp}

	var err error
	if bar.Open, err = parseField("open", open); err != nil {
		return nil, err
	}
	if bar.High, err = parseField("high", high); err != nil {
		return nil, err
	}
	if bar.Low, err = parseField("low", low); err != nil {
		return nil, err
	}
	if bar.Close, err = parseField("close", close); err != nil {
		return nil, err
	}
	if bar.Volume, err = parseField("volume", volume); err != nil {
		return nil, err
	}

	if err := bar.Validate(); err != nil {
		return nil, err
	}
	return bar, nil
}

func parseField(name, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: name, Message: fmt.Sprintf("invalid %s format: %v", name, err)}
	}
	return d, nil
}

// Validate checks that the bar has a timestamp, positive prices, a non-negative
// volume and a consistent OHLC range.
func (b *PriceBar) Validate() error {
	if b.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	prices := []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", b.Open},
		{"high", b.High},
		{"low", b.Low},
		{"close", b.Close},
	}
	for _, p := range prices {
		if !p.value.IsPositive() {
			return &ValidationError{Field: p.name, Message: p.name + " price must be greater than 0"}
		}
	}

	if b.Volume.IsNegative() {
		return &ValidationError{Field: "volume", Message: "volume cannot be negative"}
	}

	if b.High.LessThan(decimal.Max(b.Open, b.Close)) {
		return &ValidationError{Field: "high", Message: "high must be >= max(open, close)"}
	}
	if b.Low.GreaterThan(decimal.Min(b.Open, b.Close)) {
		return &ValidationError{Field: "low", Message: "low must be <= min(open, close)"}
	}
	if b.Low.GreaterThan(b.High) {
		return &ValidationError{Field: "low", Message: "low must be <= high"}
	}

	return nil
}

// Covers reports whether price lies within the bar's [low, high] range.
func (b *PriceBar) Covers(price decimal.Decimal) bool {
	return b.Low.LessThanOrEqual(price) && b.High.GreaterThanOrEqual(price)
}

// String returns a compact representation used in logs.
func (b PriceBar) String() string {
	return fmt.Sprintf("PriceBar{%s O:%s H:%s L:%s C:%s V:%s}",
		b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
}

// Closes extracts close prices as float64, in bar order.
func Closes(bars []PriceBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}
