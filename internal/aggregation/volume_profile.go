package aggregation

import (
	"math"

	"market-data-server/internal/models"
)

// Value area target fraction and bucket bounds.
const (
	DefaultValueAreaPct = 0.70
	MinBuckets          = 10
	MaxBuckets          = 500
	DefaultBuckets      = 50
)

// ComputeVolumeProfile buckets the window's volume over its price range.
// Candles must be ascending by open time. Every candle's full volume lands
// in the levels, so sum(levels.V) equals sum(candles.Volume) up to float
// rounding.
func ComputeVolumeProfile(symbol string, klines []models.Kline, buckets int, valueAreaPct float64) *models.VolumeProfile {
	if buckets < MinBuckets {
		buckets = MinBuckets
	}
	if buckets > MaxBuckets {
		buckets = MaxBuckets
	}
	if valueAreaPct <= 0 || valueAreaPct > 1 {
		valueAreaPct = DefaultValueAreaPct
	}

	profile := &models.VolumeProfile{S: symbol}
	if len(klines) == 0 {
		profile.L = []models.VolumeProfileLevel{}
		return profile
	}
	profile.ST = klines[0].OpenTime
	profile.ET = klines[len(klines)-1].CloseTime

	minLow := math.Inf(1)
	maxHigh := math.Inf(-1)
	for i := range klines {
		minLow = math.Min(minLow, klines[i].Low)
		maxHigh = math.Max(maxHigh, klines[i].High)
	}

	priceRange := maxHigh - minLow
	if priceRange <= 0 {
		// Flat window: one bucket takes everything.
		var vol, buy float64
		for i := range klines {
			vol += klines[i].Volume
			buy += heuristicBuyVolume(&klines[i])
		}
		profile.L = []models.VolumeProfileLevel{{
			P: minLow, V: vol, BV: buy, SV: vol - buy, Pct: 100,
		}}
		profile.POC = minLow
		profile.VAH = minLow
		profile.VAL = minLow
		profile.VAV = 100
		return profile
	}

	bucketSize := priceRange / float64(buckets)
	volumes := make([]float64, buckets)
	buyVolumes := make([]float64, buckets)

	bucketOf := func(price float64) int {
		idx := int((price - minLow) / bucketSize)
		if idx < 0 {
			idx = 0
		}
		if idx >= buckets {
			idx = buckets - 1
		}
		return idx
	}

	for i := range klines {
		k := &klines[i]
		buyFrac := heuristicBuyFraction(k)

		span := k.High - k.Low
		if span <= 0 {
			// Doji: all volume to the close-price bucket.
			idx := bucketOf(k.Close)
			volumes[idx] += k.Volume
			buyVolumes[idx] += k.Volume * buyFrac
			continue
		}

		lo := bucketOf(k.Low)
		hi := bucketOf(k.High)
		for b := lo; b <= hi; b++ {
			bLow := minLow + float64(b)*bucketSize
			bHigh := bLow + bucketSize
			overlap := math.Min(k.High, bHigh) - math.Max(k.Low, bLow)
			if overlap <= 0 {
				continue
			}
			share := k.Volume * overlap / span
			volumes[b] += share
			buyVolumes[b] += share * buyFrac
		}
	}

	var total float64
	for _, v := range volumes {
		total += v
	}

	pocIdx := 0
	for b := range volumes {
		if volumes[b] > volumes[pocIdx] {
			pocIdx = b
		}
	}

	levels := make([]models.VolumeProfileLevel, buckets)
	for b := range volumes {
		pct := 0.0
		if total > 0 {
			pct = volumes[b] / total * 100
		}
		levels[b] = models.VolumeProfileLevel{
			P:   minLow + (float64(b)+0.5)*bucketSize,
			V:   volumes[b],
			BV:  buyVolumes[b],
			SV:  volumes[b] - buyVolumes[b],
			Pct: pct,
		}
	}

	// Value area: expand from POC toward the higher-volume neighbor until
	// the target fraction of total volume is covered.
	vaLow, vaHigh := pocIdx, pocIdx
	vaVolume := volumes[pocIdx]
	target := total * valueAreaPct
	for vaVolume < target && (vaLow > 0 || vaHigh < buckets-1) {
		below, above := -1.0, -1.0
		if vaLow > 0 {
			below = volumes[vaLow-1]
		}
		if vaHigh < buckets-1 {
			above = volumes[vaHigh+1]
		}
		if above >= below {
			vaHigh++
			vaVolume += volumes[vaHigh]
		} else {
			vaLow--
			vaVolume += volumes[vaLow]
		}
	}

	profile.L = levels
	profile.POC = levels[pocIdx].P
	profile.VAL = levels[vaLow].P
	profile.VAH = levels[vaHigh].P
	if total > 0 {
		profile.VAV = vaVolume / total * 100
	}
	return profile
}

// heuristicBuyFraction estimates the buy share of a candle's volume from
// its direction and body-to-range ratio: bullish candles map to 60-90%,
// bearish to 10-30%. Real taker-buy volume supersedes this wherever it is
// available; the profile keeps the heuristic so flat REST-only candles
// still split.
func heuristicBuyFraction(k *models.Kline) float64 {
	span := k.High - k.Low
	if span <= 0 {
		return 0.5
	}
	bodyRatio := math.Abs(k.Close-k.Open) / span
	if k.Close >= k.Open {
		return 0.6 + 0.3*bodyRatio
	}
	return 0.3 - 0.2*bodyRatio
}

func heuristicBuyVolume(k *models.Kline) float64 {
	return k.Volume * heuristicBuyFraction(k)
}
