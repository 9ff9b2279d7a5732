package models

import "testing"

func TestIntervalMs(t *testing.T) {
	cases := map[string]int64{
		"1m":  60_000,
		"5m":  300_000,
		"15m": 900_000,
		"1h":  3_600_000,
		"4h":  14_400_000,
		"1d":  86_400_000,
	}
	for interval, want := range cases {
		if got := IntervalMs(interval); got != want {
			t.Errorf("IntervalMs(%q) = %d, want %d", interval, got, want)
		}
	}
	if IntervalMs("7w") != 0 {
		t.Error("unknown interval must return 0")
	}
}

func TestValidInterval(t *testing.T) {
	for _, interval := range SupportedIntervals {
		if !ValidInterval(interval) {
			t.Errorf("supported interval %q reported invalid", interval)
		}
	}
	if ValidInterval("2d") {
		t.Error("2d should be invalid")
	}
}

func TestAlignToInterval(t *testing.T) {
	// 1748109725123 is mid-candle; the 1m boundary below it is :20.000
	if got := AlignToInterval(1748109725123, "1m"); got != 1748109720000 {
		t.Errorf("AlignToInterval 1m = %d, want 1748109720000", got)
	}
	if got := AlignToInterval(1748109720000, "1m"); got != 1748109720000 {
		t.Errorf("boundary timestamp must be unchanged, got %d", got)
	}
	// unknown intervals pass through
	if got := AlignToInterval(12345, "bogus"); got != 12345 {
		t.Errorf("unknown interval must be identity, got %d", got)
	}
}
