package candles

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"market-data-server/internal/binance"
	"market-data-server/internal/events"
	"market-data-server/internal/models"
	"market-data-server/internal/store"
)

func persistedCandle(openTime int64, close float64) models.Candle {
	return models.Candle{
		Symbol: "BTCUSDT", Interval: "1m",
		OpenTime: openTime, CloseTime: openTime + 59_999,
		Open: close, High: close, Low: close, Close: close,
		Volume: 1, TakerBuyVolume: 0.5,
	}
}

func TestGapsWithin(t *testing.T) {
	ms := models.IntervalMs("1m")
	persisted := []models.Candle{
		persistedCandle(0*ms, 1),
		persistedCandle(1*ms, 2),
		persistedCandle(5*ms, 3), // hole: minutes 2..4 missing
		persistedCandle(6*ms, 4),
	}

	ranges := gapsWithin(persisted, "1m")
	if len(ranges) != 1 {
		t.Fatalf("ranges = %d, want 1", len(ranges))
	}
	if ranges[0].start != 2*ms || ranges[0].end != 5*ms-1 {
		t.Errorf("range = [%d, %d], want [%d, %d]", ranges[0].start, ranges[0].end, 2*ms, 5*ms-1)
	}
}

func TestGapsWithinContiguous(t *testing.T) {
	ms := models.IntervalMs("1m")
	persisted := []models.Candle{
		persistedCandle(0*ms, 1),
		persistedCandle(1*ms, 2),
		persistedCandle(2*ms, 3),
	}
	if ranges := gapsWithin(persisted, "1m"); len(ranges) != 0 {
		t.Errorf("contiguous history produced ranges %v", ranges)
	}

	// a single missing candle is healed by the tail merge, not a backfill
	sparse := []models.Candle{
		persistedCandle(0*ms, 1),
		persistedCandle(2*ms, 2),
	}
	if ranges := gapsWithin(sparse, "1m"); len(ranges) != 0 {
		t.Errorf("2x-interval spacing must not count as a gap, got %v", ranges)
	}
}

func TestMissingRangesEmptyHistory(t *testing.T) {
	s := &Service{}
	ms := models.IntervalMs("1m")
	currentOpen := models.AlignToInterval(time.Now().UnixMilli(), "1m")

	ranges := s.missingRanges(nil, "BTCUSDT", "1m", 10)
	if len(ranges) != 1 {
		t.Fatalf("ranges = %d, want 1", len(ranges))
	}
	if ranges[0].start != currentOpen-10*ms || ranges[0].end != currentOpen-1 {
		t.Errorf("range = [%d, %d]", ranges[0].start, ranges[0].end)
	}
}

func TestMissingRangesHeadAndTail(t *testing.T) {
	s := &Service{}
	ms := models.IntervalMs("1m")
	currentOpen := models.AlignToInterval(time.Now().UnixMilli(), "1m")

	// two rows, the newest three minutes stale, limit wants five
	persisted := []models.Candle{
		persistedCandle(currentOpen-5*ms, 1),
		persistedCandle(currentOpen-4*ms, 2),
	}

	ranges := s.missingRanges(persisted, "BTCUSDT", "1m", 5)
	if len(ranges) != 2 {
		t.Fatalf("ranges = %+v, want head and tail", ranges)
	}

	head := ranges[0]
	if head.end != currentOpen-5*ms-1 || head.start != currentOpen-8*ms {
		t.Errorf("head = [%d, %d]", head.start, head.end)
	}
	tail := ranges[1]
	if tail.start != currentOpen-3*ms || tail.end != currentOpen-1 {
		t.Errorf("tail = [%d, %d]", tail.start, tail.end)
	}
}

func TestMissingRangesComplete(t *testing.T) {
	s := &Service{}
	ms := models.IntervalMs("1m")
	currentOpen := models.AlignToInterval(time.Now().UnixMilli(), "1m")

	persisted := []models.Candle{
		persistedCandle(currentOpen-3*ms, 1),
		persistedCandle(currentOpen-2*ms, 2),
		persistedCandle(currentOpen-1*ms, 3),
	}

	if ranges := s.missingRanges(persisted, "BTCUSDT", "1m", 3); len(ranges) != 0 {
		t.Errorf("complete history produced ranges %+v", ranges)
	}
}

func TestMissingInRangeEmptyWindow(t *testing.T) {
	ms := models.IntervalMs("1m")
	base := models.AlignToInterval(time.Now().UnixMilli(), "1m") - 100*ms

	ranges := missingInRange(nil, "1m", base, base+6*ms-1)
	if len(ranges) != 1 {
		t.Fatalf("ranges = %d, want the whole window", len(ranges))
	}
	if ranges[0].start != base || ranges[0].end != base+6*ms-1 {
		t.Errorf("range = [%d, %d], want [%d, %d]", ranges[0].start, ranges[0].end, base, base+6*ms-1)
	}
}

func TestMissingInRangeHeadAndTail(t *testing.T) {
	ms := models.IntervalMs("1m")
	base := models.AlignToInterval(time.Now().UnixMilli(), "1m") - 100*ms

	// window wants minutes 0..5, only minutes 2 and 3 are persisted
	persisted := []models.Candle{
		persistedCandle(base+2*ms, 1),
		persistedCandle(base+3*ms, 2),
	}

	ranges := missingInRange(persisted, "1m", base, base+6*ms-1)
	if len(ranges) != 2 {
		t.Fatalf("ranges = %+v, want head and tail", ranges)
	}
	if ranges[0].start != base || ranges[0].end != base+2*ms-1 {
		t.Errorf("head = [%d, %d]", ranges[0].start, ranges[0].end)
	}
	if ranges[1].start != base+4*ms || ranges[1].end != base+6*ms-1 {
		t.Errorf("tail = [%d, %d]", ranges[1].start, ranges[1].end)
	}
}

func TestMissingInRangeComplete(t *testing.T) {
	ms := models.IntervalMs("1m")
	base := models.AlignToInterval(time.Now().UnixMilli(), "1m") - 100*ms

	persisted := []models.Candle{
		persistedCandle(base+0*ms, 1),
		persistedCandle(base+1*ms, 2),
		persistedCandle(base+2*ms, 3),
	}
	if ranges := missingInRange(persisted, "1m", base, base+3*ms-1); len(ranges) != 0 {
		t.Errorf("complete window produced ranges %+v", ranges)
	}
}

func TestMissingInRangeClampsToClosedCandles(t *testing.T) {
	ms := models.IntervalMs("1m")
	currentOpen := models.AlignToInterval(time.Now().UnixMilli(), "1m")

	// window reaches into the future; the forming candle stays out
	ranges := missingInRange(nil, "1m", currentOpen-2*ms, currentOpen+10*ms)
	if len(ranges) != 1 {
		t.Fatalf("ranges = %d, want 1", len(ranges))
	}
	if ranges[0].end != currentOpen-1 {
		t.Errorf("range end = %d, want %d", ranges[0].end, currentOpen-1)
	}
}

func TestBackfillRangesFetchesEveryRange(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := binance.NewClient(srv.URL, time.Second, nil)
	s := NewService(nil, client, nil, 4)

	ms := models.IntervalMs("1m")
	ranges := []timeRange{
		{start: 0 * ms, end: 2*ms - 1},
		{start: 5 * ms, end: 7*ms - 1},
		{start: 9 * ms, end: 10*ms - 1},
	}
	if err := s.backfillRanges(context.Background(), "BTCUSDT", "1m", ranges); err != nil {
		t.Fatalf("backfillRanges: %v", err)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("upstream requests = %d, want one per range", got)
	}
}

func newStoreWith(t *testing.T, klines ...models.Kline) *store.MarketStore {
	t.Helper()
	st := store.New(store.DefaultOptions(), events.NewBus(16))
	st.AddSymbol(models.SymbolInfo{Symbol: "BTCUSDT"})
	for _, k := range klines {
		st.ApplyKline(k)
	}
	return st
}

func TestMergeLiveAppendsNewerKlines(t *testing.T) {
	ms := models.IntervalMs("1m")

	c2 := persistedCandle(2*ms, 5)
	closed := c2.ToKline()
	c3 := persistedCandle(3*ms, 6)
	forming := c3.ToKline()
	forming.IsClosed = false

	s := NewService(nil, nil, newStoreWith(t, closed, forming), 1)

	persisted := []models.Candle{
		persistedCandle(0*ms, 1),
		persistedCandle(1*ms, 2),
	}

	merged := s.mergeLive(persisted, "BTCUSDT", "1m")
	if len(merged) != 4 {
		t.Fatalf("merged = %d candles, want 4", len(merged))
	}
	for i := 1; i < len(merged); i++ {
		if merged[i].T <= merged[i-1].T {
			t.Fatalf("not ascending at %d", i)
		}
	}
	if merged[3].C != 6 {
		t.Errorf("last candle close = %v, want the forming candle", merged[3].C)
	}
}

func TestMergeLiveFormingReplacesPersistedTail(t *testing.T) {
	ms := models.IntervalMs("1m")

	// forming candle shares the persisted tail's open time; memory wins
	c1 := persistedCandle(1*ms, 42)
	forming := c1.ToKline()
	forming.IsClosed = false

	s := NewService(nil, nil, newStoreWith(t, forming), 1)

	persisted := []models.Candle{
		persistedCandle(0*ms, 1),
		persistedCandle(1*ms, 2),
	}

	merged := s.mergeLive(persisted, "BTCUSDT", "1m")
	if len(merged) != 2 {
		t.Fatalf("merged = %d candles, want 2", len(merged))
	}
	if merged[1].C != 42 {
		t.Errorf("tail close = %v, want forming value 42", merged[1].C)
	}
}

func TestGetCandlesRejectsBadInterval(t *testing.T) {
	s := NewService(nil, nil, nil, 1)
	if _, err := s.GetCandles(context.Background(), "BTCUSDT", "2d", 10); err == nil {
		t.Error("invalid interval must error")
	}
}
