package gaps

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

const closedWithinWeekDays = 7

// ComputeStatistics aggregates a finalized gap set. Sizes are absolute values;
// closure times only consider closed gaps.
func ComputeStatistics(gaps []*models.Gap) models.GapStatistics {
	stats := models.GapStatistics{ByDirection: map[models.GapDirection]models.DirectionStatistics{}}

	var (
		sizes    []float64
		sizePcts []float64
		hours    []float64
	)

	for _, g := range gaps {
		if g == nil {
			continue
		}
		stats.TotalGaps++

		abs := g.AbsSize().InexactFloat64()
		sizes = append(sizes, abs)
		sizePcts = append(sizePcts, math.Abs(g.GapSizePct))

		if stats.LargestGap == nil || abs > stats.LargestGap.AbsSize().InexactFloat64() {
			stats.LargestGap = g
		}
		if stats.SmallestGap == nil || abs < stats.SmallestGap.AbsSize().InexactFloat64() {
			stats.SmallestGap = g
		}

		if h, ok := g.HoursToClosure(); ok && g.IsClosed() {
			stats.ClosedGaps++
			hours = append(hours, h)
			if h/24 <= closedWithinWeekDays {
				stats.ClosedWithinWeek++
			}
		} else {
			stats.OpenGaps++
		}
	}

	if stats.TotalGaps == 0 {
		return stats
	}

	stats.ClosureRate = percent(stats.ClosedGaps, stats.TotalGaps)
	stats.MeanSize = mean(sizes)
	stats.MedianSize = median(sizes)
	stats.StdSize = sampleStd(sizes)
	stats.MeanSizePct = mean(sizePcts)

	if len(hours) > 0 {
		stats.MeanHoursToClosure = mean(hours)
		stats.MedianHoursToClosure = median(hours)
		stats.MinHoursToClosure, stats.MaxHoursToClosure = minMax(hours)
		stats.MeanDaysToClosure = stats.MeanHoursToClosure / 24
		stats.MedianDaysToClosure = stats.MedianHoursToClosure / 24
	}

	stats.ClosedWithinWeekPct = percent(stats.ClosedWithinWeek, stats.TotalGaps)
	stats.ClosedWithinWeekOfClosed = percent(stats.ClosedWithinWeek, stats.ClosedGaps)

	for _, dir := range []models.GapDirection{models.GapUp, models.GapDown} {
		stats.ByDirection[dir] = directionStatistics(gaps, dir)
	}

	return stats
}

func directionStatistics(gaps []*models.Gap, dir models.GapDirection) models.DirectionStatistics {
	var (
		ds       models.DirectionStatistics
		sizes    []float64
		sizePcts []float64
		hours    []float64
	)

	for _, g := range gaps {
		if g == nil || g.Direction != dir {
			continue
		}
		ds.Count++
		sizes = append(sizes, g.GapSize.InexactFloat64())
		sizePcts = append(sizePcts, g.GapSizePct)
		if h, ok := g.HoursToClosure(); ok && g.IsClosed() {
			ds.Closed++
			hours = append(hours, h)
		}
	}

	if ds.Count == 0 {
		return ds
	}

	ds.ClosureRate = percent(ds.Closed, ds.Count)
	ds.AvgSize = mean(sizes)
	ds.AvgSizePct = mean(sizePcts)
	if len(hours) > 0 {
		ds.MeanHoursToClosure = mean(hours)
		ds.MedianHoursToClosure = median(hours)
	}
	return ds
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// sampleStd uses the n-1 denominator; a single observation has zero spread.
func sampleStd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.StdDev(xs, nil)
}

func minMax(xs []float64) (float64, float64) {
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

// Distribution summarizes a sample.
type Distribution struct {
	Count  int
	Mean   float64
	Median float64
	Std    float64
	Min    float64
	Max    float64
}

// Describe returns the distribution of xs; an empty sample is all zeros.
func Describe(xs []float64) Distribution {
	if len(xs) == 0 {
		return Distribution{}
	}
	lo, hi := minMax(xs)
	return Distribution{
		Count:  len(xs),
		Mean:   mean(xs),
		Median: median(xs),
		Std:    sampleStd(xs),
		Min:    lo,
		Max:    hi,
	}
}
