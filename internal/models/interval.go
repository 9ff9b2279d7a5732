package models

// SupportedIntervals are the kline intervals the server subscribes to and
// serves. Order matters for the multi-fetch default.
var SupportedIntervals = []string{"1m", "5m", "15m", "1h", "4h", "1d"}

var intervalDurations = map[string]int64{
	"1m":  60_000,
	"3m":  180_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"2h":  7_200_000,
	"4h":  14_400_000,
	"6h":  21_600_000,
	"8h":  28_800_000,
	"12h": 43_200_000,
	"1d":  86_400_000,
}

// IntervalMs returns the duration of a kline interval in milliseconds. It
// is the single source of interval arithmetic: gap detection, bucket
// alignment and backfill ranges all go through here. Returns 0 for unknown
// intervals.
func IntervalMs(interval string) int64 {
	return intervalDurations[interval]
}

// ValidInterval reports whether the interval is recognized.
func ValidInterval(interval string) bool {
	_, ok := intervalDurations[interval]
	return ok
}

// AlignToInterval truncates a Unix-millisecond timestamp down to the
// interval boundary.
func AlignToInterval(ts int64, interval string) int64 {
	ms := IntervalMs(interval)
	if ms == 0 {
		return ts
	}
	return ts - ts%ms
}
