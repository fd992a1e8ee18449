package gaps

import (
	"github.com/markcheno/go-talib"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

// DefaultATRPeriod is the lookback used when none is configured.
const DefaultATRPeriod = 14

// EnrichATR sets each gap's ATRRatio to |gap size| divided by the average true range
// at the gap's close bar. Gaps without enough preceding history are left untouched.
// It returns the number of gaps enriched.
func EnrichATR(bars []models.PriceBar, gaps []*models.Gap, period int) int {
	if period <= 0 || len(bars) <= period || len(gaps) == 0 {
		return 0
	}

	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	index := make(map[int64]int, len(bars))
	for i, b := range bars {
		high[i] = b.High.InexactFloat64()
		low[i] = b.Low.InexactFloat64()
		closes[i] = b.Close.InexactFloat64()
		index[b.Timestamp.Unix()] = i
	}

	atr := talib.Atr(high, low, closes, period)

	enriched := 0
	for _, g := range gaps {
		if g == nil {
			continue
		}
		i, ok := index[g.CloseTimestamp.Unix()]
		if !ok || i < period || i >= len(atr) || atr[i] <= 0 {
			continue
		}
		ratio := g.AbsSize().InexactFloat64() / atr[i]
		g.ATRRatio = &ratio
		enriched++
	}
	return enriched
}
