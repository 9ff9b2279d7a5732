package aggregation

import (
	"math"
	"sort"

	"market-data-server/internal/models"
)

// Classification windows and the sweep notional threshold.
const (
	cascadeWindowMs = 5_000
	cascadeMinCount = 3
	sweepWindowMs   = 2_000

	// DefaultSweepThreshold is the notional (quote units) above which
	// two-sided liquidation bursts count as a sweep.
	DefaultSweepThreshold = 100_000.0
)

// ClassifyLiquidations tags liquidation events as cascade, sweep or single.
// Input order does not matter; output is ascending by trade time.
//
// Confidence mapping (the boundary rules fix the tags, the numbers grade
// how decisively the rule fired):
//   - cascade: min(1, 0.5 + 0.1*(n-2)) for n same-side events in window
//   - sweep:   min(1, 0.6 + notional/(5*threshold))
//   - single:  0.5
func ClassifyLiquidations(liqs []models.Liquidation, sweepThreshold float64) []models.LiquidationEvent {
	if sweepThreshold <= 0 {
		sweepThreshold = DefaultSweepThreshold
	}

	sorted := make([]models.Liquidation, len(liqs))
	copy(sorted, liqs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TradeTime < sorted[j].TradeTime })

	events := make([]models.LiquidationEvent, len(sorted))
	for i := range sorted {
		l := &sorted[i]
		tag, conf := classifyOne(sorted, i, sweepThreshold)
		events[i] = models.LiquidationEvent{
			T:    l.TradeTime,
			P:    l.AvgPrice,
			V:    l.Quantity,
			Side: l.Side,
			Type: tag,
			Conf: conf,
		}
	}
	return events
}

func classifyOne(sorted []models.Liquidation, i int, sweepThreshold float64) (string, float64) {
	l := &sorted[i]

	// Cascade: enough same-side events inside the window around this one.
	sameSide := 0
	for j := range sorted {
		if sorted[j].Side != l.Side {
			continue
		}
		if absInt64(sorted[j].TradeTime-l.TradeTime) <= cascadeWindowMs {
			sameSide++
		}
	}
	if sameSide >= cascadeMinCount {
		return models.LiquidationCascade, math.Min(1, 0.5+0.1*float64(sameSide-2))
	}

	// Sweep: both sides hit within the tighter window with real size.
	var notional float64
	bothSides := false
	for j := range sorted {
		if absInt64(sorted[j].TradeTime-l.TradeTime) > sweepWindowMs {
			continue
		}
		notional += sorted[j].AvgPrice * sorted[j].Quantity
		if sorted[j].Side != l.Side {
			bothSides = true
		}
	}
	if bothSides && notional > sweepThreshold {
		return models.LiquidationSweep, math.Min(1, 0.6+notional/(5*sweepThreshold))
	}

	return models.LiquidationSingle, 0.5
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
