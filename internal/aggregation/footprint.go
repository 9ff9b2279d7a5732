package aggregation

import (
	"math"
	"sort"

	"market-data-server/internal/models"
)

// defaultTickSize buckets footprint price levels when the exchange tick
// size is unknown.
const defaultTickSize = 0.1

// ComputeFootprint builds per-candle order-flow breakdowns. Trades are
// assigned to candles by trade time; candles without any trades in the ring
// get an empty level list and totals from the candle's own taker-buy split.
func ComputeFootprint(klines []models.Kline, trades []models.Trade, tickSize float64) []models.FootprintCandle {
	if tickSize <= 0 {
		tickSize = defaultTickSize
	}

	out := make([]models.FootprintCandle, 0, len(klines))
	for i := range klines {
		k := &klines[i]

		type levelAgg struct {
			buy, sell float64
			count     int
		}
		levels := make(map[int64]*levelAgg)

		for _, t := range trades {
			if t.TradeTime < k.OpenTime || t.TradeTime > k.CloseTime {
				continue
			}
			tick := int64(math.Round(t.Price / tickSize))
			agg, ok := levels[tick]
			if !ok {
				agg = &levelAgg{}
				levels[tick] = agg
			}
			// IsBuyerMaker means the taker sold.
			if t.IsBuyerMaker {
				agg.sell += t.Quantity
			} else {
				agg.buy += t.Quantity
			}
			agg.count++
		}

		fc := models.FootprintCandle{T: k.OpenTime, L: []models.FootprintLevel{}}

		if len(levels) == 0 {
			// No trade coverage: fall back to the candle's real split.
			fc.TBV = k.TakerBuyVolume
			fc.TSV = k.TakerSellVolume()
			fc.TD = fc.TBV - fc.TSV
			fc.POC = k.Close
			out = append(out, fc)
			continue
		}

		ticks := make([]int64, 0, len(levels))
		for tick := range levels {
			ticks = append(ticks, tick)
		}
		sort.Slice(ticks, func(a, b int) bool { return ticks[a] < ticks[b] })

		var pocVolume float64
		for _, tick := range ticks {
			agg := levels[tick]
			price := float64(tick) * tickSize
			fc.L = append(fc.L, models.FootprintLevel{
				P:  price,
				BV: agg.buy,
				SV: agg.sell,
				D:  agg.buy - agg.sell,
				T:  agg.count,
			})
			fc.TBV += agg.buy
			fc.TSV += agg.sell
			if total := agg.buy + agg.sell; total > pocVolume {
				pocVolume = total
				fc.POC = price
			}
		}
		fc.TD = fc.TBV - fc.TSV
		out = append(out, fc)
	}
	return out
}
