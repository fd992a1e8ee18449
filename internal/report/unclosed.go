package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/cme-gap-analyzer/internal/gaps"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

var hundred = decimal.NewFromInt(100)

// UnclosedGap is an open gap measured against the latest price.
type UnclosedGap struct {
	Gap          *models.Gap
	DaysSinceGap float64

	// DistanceToClose is how far price must travel to reach the reference level.
	// It is current - close for up gaps and close - current for down gaps, so a
	// negative value means price is already past the level in the closing direction.
	DistanceToClose    decimal.Decimal
	DistanceToClosePct float64
}

// UnclosedSummary is the unclosed gap report.
type UnclosedSummary struct {
	AsOf         time.Time
	CurrentPrice decimal.Decimal
	Gaps         []UnclosedGap // largest |gap size| first

	UpGaps   int
	DownGaps int

	Size        gaps.Distribution // absolute gap size
	SizePct     gaps.Distribution // absolute gap size percent
	DaysSince   gaps.Distribution
	Distance    gaps.Distribution // absolute distance to close
	DistancePct gaps.Distribution // absolute distance percent
}

// Total returns the number of unclosed gaps.
func (s *UnclosedSummary) Total() int {
	return len(s.Gaps)
}

// UnclosedReport measures every open gap against the last close in bars.
// A zero asOf uses the timestamp of the last bar.
func UnclosedReport(gapList []*models.Gap, bars []models.PriceBar, asOf time.Time) (*UnclosedSummary, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("unclosed report needs the price series: %w", models.ErrNoData)
	}

	last := bars[len(bars)-1]
	if asOf.IsZero() {
		asOf = last.Timestamp
	}
	summary := &UnclosedSummary{
		AsOf:         asOf,
		CurrentPrice: last.Close,
		Gaps:         make([]UnclosedGap, 0),
	}

	var sizes, sizePcts, days, distances, distancePcts []float64
	for _, g := range gapList {
		if g.IsClosed() {
			continue
		}

		distance := last.Close.Sub(g.ClosePrice)
		if g.Direction == models.GapDown {
			distance = g.ClosePrice.Sub(last.Close)
			summary.DownGaps++
		} else {
			summary.UpGaps++
		}
		distancePct := distance.Div(g.ClosePrice).Mul(hundred).InexactFloat64()

		row := UnclosedGap{
			Gap:                g,
			DaysSinceGap:       asOf.Sub(g.ReopenTimestamp).Hours() / 24,
			DistanceToClose:    distance,
			DistanceToClosePct: distancePct,
		}
		summary.Gaps = append(summary.Gaps, row)

		sizes = append(sizes, g.AbsSize().InexactFloat64())
		sizePcts = append(sizePcts, math.Abs(g.GapSizePct))
		days = append(days, row.DaysSinceGap)
		distances = append(distances, distance.Abs().InexactFloat64())
		distancePcts = append(distancePcts, math.Abs(distancePct))
	}

	sort.SliceStable(summary.Gaps, func(i, j int) bool {
		return summary.Gaps[i].Gap.AbsSize().GreaterThan(summary.Gaps[j].Gap.AbsSize())
	})

	summary.Size = gaps.Describe(sizes)
	summary.SizePct = gaps.Describe(sizePcts)
	summary.DaysSince = gaps.Describe(days)
	summary.Distance = gaps.Describe(distances)
	summary.DistancePct = gaps.Describe(distancePcts)
	return summary, nil
}

// WriteUnclosedCSV writes the gap rows of the report followed by the
// distance columns.
func WriteUnclosedCSV(w io.Writer, summary *UnclosedSummary) error {
	cw := csv.NewWriter(w)
	header := append(append([]string{}, gapColumns...), "days_since_gap", "distance_to_close", "distance_to_close_pct")
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range summary.Gaps {
		record := append(gapRecord(row.Gap),
			formatFloat(row.DaysSinceGap),
			row.DistanceToClose.String(),
			formatFloat(row.DistanceToClosePct))
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write gap %s: %w", row.Gap.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
