package aggregation

import (
	"math"
	"sort"

	"market-data-server/internal/models"
)

// Heatmap resolution bounds.
const (
	MinResolution     = 10
	MaxResolution     = 500
	DefaultResolution = 100
)

// ComputeHeatmap grids the window's volume over price and time. Each
// candle's volume is spread over the price cells its range covers within
// its time column. Cell intensity is volume over the grid maximum.
func ComputeHeatmap(symbol string, klines []models.Kline, resolution int) *models.Heatmap {
	if resolution < MinResolution {
		resolution = MinResolution
	}
	if resolution > MaxResolution {
		resolution = MaxResolution
	}

	hm := &models.Heatmap{S: symbol, L: []models.HeatmapCell{}}
	if len(klines) == 0 {
		return hm
	}
	hm.ST = klines[0].OpenTime
	hm.ET = klines[len(klines)-1].CloseTime

	minLow := math.Inf(1)
	maxHigh := math.Inf(-1)
	for i := range klines {
		minLow = math.Min(minLow, klines[i].Low)
		maxHigh = math.Max(maxHigh, klines[i].High)
	}

	priceRange := maxHigh - minLow
	timeRange := hm.ET - hm.ST
	if priceRange <= 0 || timeRange <= 0 {
		return hm
	}

	priceStep := priceRange / float64(resolution)
	timeStep := timeRange / int64(resolution)
	if timeStep == 0 {
		timeStep = 1
	}

	// volume[timeCell][priceCell]
	grid := make(map[int]map[int]float64)

	clampCell := func(idx int) int {
		if idx < 0 {
			return 0
		}
		if idx >= resolution {
			return resolution - 1
		}
		return idx
	}

	for i := range klines {
		k := &klines[i]
		tc := clampCell(int((k.OpenTime - hm.ST) / timeStep))
		col, ok := grid[tc]
		if !ok {
			col = make(map[int]float64)
			grid[tc] = col
		}

		span := k.High - k.Low
		if span <= 0 {
			col[clampCell(int((k.Close-minLow)/priceStep))] += k.Volume
			continue
		}

		lo := clampCell(int((k.Low - minLow) / priceStep))
		hi := clampCell(int((k.High - minLow) / priceStep))
		for pc := lo; pc <= hi; pc++ {
			cLow := minLow + float64(pc)*priceStep
			cHigh := cLow + priceStep
			overlap := math.Min(k.High, cHigh) - math.Max(k.Low, cLow)
			if overlap <= 0 {
				continue
			}
			col[pc] += k.Volume * overlap / span
		}
	}

	var maxVol float64
	for _, col := range grid {
		for _, v := range col {
			maxVol = math.Max(maxVol, v)
		}
	}
	hm.Max = maxVol

	for tc, col := range grid {
		cellTime := hm.ST + int64(tc)*timeStep
		for pc, v := range col {
			intensity := 0.0
			if maxVol > 0 {
				intensity = v / maxVol
			}
			hm.L = append(hm.L, models.HeatmapCell{
				P: minLow + (float64(pc)+0.5)*priceStep,
				T: cellTime,
				V: v,
				I: intensity,
			})
		}
	}

	// Deterministic output order: time, then price.
	sort.Slice(hm.L, func(i, j int) bool {
		if hm.L[i].T != hm.L[j].T {
			return hm.L[i].T < hm.L[j].T
		}
		return hm.L[i].P < hm.L[j].P
	})
	return hm
}
