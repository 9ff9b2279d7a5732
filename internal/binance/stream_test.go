package binance

import (
	"testing"
	"time"

	"market-data-server/internal/models"
)

// captureSink records everything the stream dispatches.
type captureSink struct {
	ticks        []models.PriceTick
	depths       []models.DepthSnapshot
	trades       []models.Trade
	klines       []models.Kline
	markPrices   []models.MarkPrice
	liquidations []models.Liquidation
}

func (c *captureSink) ApplyTicker(t models.PriceTick)    { c.ticks = append(c.ticks, t) }
func (c *captureSink) ApplyDepth(d models.DepthSnapshot) { c.depths = append(c.depths, d) }
func (c *captureSink) ApplyTrade(t models.Trade)         { c.trades = append(c.trades, t) }
func (c *captureSink) ApplyKline(k models.Kline)         { c.klines = append(c.klines, k) }
func (c *captureSink) ApplyMarkPrice(m models.MarkPrice) { c.markPrices = append(c.markPrices, m) }
func (c *captureSink) ApplyLiquidation(l models.Liquidation) {
	c.liquidations = append(c.liquidations, l)
}

func newTestStream(sink Sink) *Stream {
	return NewStream("wss://example.invalid", []string{"BTCUSDT"}, sink)
}

func TestHandleTickerMessage(t *testing.T) {
	sink := &captureSink{}
	s := newTestStream(sink)

	msg := []byte(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","p":"150.10","P":"0.35","c":"43000.50","v":"12345.678"}}`)
	if err := s.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if len(sink.ticks) != 1 {
		t.Fatalf("ticks = %d, want 1", len(sink.ticks))
	}
	tick := sink.ticks[0]
	if tick.Symbol != "BTCUSDT" || tick.LastPrice != 43000.50 || tick.Change24h != 150.10 {
		t.Errorf("tick = %+v", tick)
	}
}

func TestHandleKlineMessage(t *testing.T) {
	sink := &captureSink{}
	s := newTestStream(sink)

	msg := []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000000000,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m","o":"100","c":"102","h":"103","l":"99","v":"10.5","n":42,"x":true,"q":"1070.0","V":"6.3","Q":"640.0"}}}`)
	if err := s.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if len(sink.klines) != 1 {
		t.Fatalf("klines = %d, want 1", len(sink.klines))
	}
	k := sink.klines[0]
	if !k.IsClosed || k.Interval != "1m" || k.TakerBuyVolume != 6.3 || k.TradeCount != 42 {
		t.Errorf("kline = %+v", k)
	}
}

func TestHandleDepthMessage(t *testing.T) {
	sink := &captureSink{}
	s := newTestStream(sink)

	msg := []byte(`{"stream":"btcusdt@depth20@100ms","data":{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":100,"u":110,"b":[["43000.1","1.5"],["43000.0","0"]],"a":[["43001.0","2.0"]]}}`)
	if err := s.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	d := sink.depths[0]
	if d.FinalUpdateID != 110 {
		t.Errorf("finalUpdateId = %d", d.FinalUpdateID)
	}
	// zero-quantity levels are dropped
	if len(d.Bids) != 1 || len(d.Asks) != 1 {
		t.Errorf("levels = %d bids / %d asks, want 1/1", len(d.Bids), len(d.Asks))
	}
}

func forceOrderMsg(stream string) []byte {
	return []byte(`{"stream":"` + stream + `","data":{"e":"forceOrder","E":1700000001000,"o":{"s":"BTCUSDT","S":"SELL","o":"LIMIT","q":"0.5140","p":"42950.00","ap":"42951.37","X":"FILLED","T":1700000000123}}}`)
}

func TestForceOrderDedup(t *testing.T) {
	sink := &captureSink{}
	s := newTestStream(sink)

	// same event on the per-symbol stream and the global feed
	if err := s.handleMessage(forceOrderMsg("btcusdt@forceOrder")); err != nil {
		t.Fatalf("per-symbol: %v", err)
	}
	if err := s.handleMessage(forceOrderMsg("!forceOrder@arr")); err != nil {
		t.Fatalf("global: %v", err)
	}

	if len(sink.liquidations) != 1 {
		t.Fatalf("liquidations = %d, want exactly 1", len(sink.liquidations))
	}
	l := sink.liquidations[0]
	if l.Side != "SELL" || l.AvgPrice != 42951.37 || l.Quantity != 0.5140 {
		t.Errorf("liquidation = %+v", l)
	}
	if s.dedupDropTotal.Load() != 1 {
		t.Errorf("dedup drops = %d, want 1", s.dedupDropTotal.Load())
	}
}

func TestForceOrderUntrackedSymbolIgnored(t *testing.T) {
	sink := &captureSink{}
	s := newTestStream(sink)

	msg := []byte(`{"stream":"!forceOrder@arr","data":{"e":"forceOrder","E":1,"o":{"s":"DOGEUSDT","S":"BUY","q":"100","p":"0.1","ap":"0.1","X":"FILLED","T":5}}}`)
	if err := s.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(sink.liquidations) != 0 {
		t.Error("untracked symbol liquidation was applied")
	}
}

func TestMalformedPayloadIsParseError(t *testing.T) {
	sink := &captureSink{}
	s := newTestStream(sink)

	msg := []byte(`{"stream":"btcusdt@ticker","data":{"c":"not-a-number","p":"1","P":"1","v":"1"}}`)
	if err := s.handleMessage(msg); err == nil {
		t.Fatal("want parse error for bad numeric field")
	}
	if len(sink.ticks) != 0 {
		t.Error("bad frame reached the sink")
	}
}

func TestControlAckIgnored(t *testing.T) {
	sink := &captureSink{}
	s := newTestStream(sink)

	if err := s.handleMessage([]byte(`{"result":null,"id":1}`)); err != nil {
		t.Errorf("subscribe ack must not be an error: %v", err)
	}
}

func TestStreamingAfterFirstMarketFrame(t *testing.T) {
	sink := &captureSink{}
	s := newTestStream(sink)
	s.state.Store(int32(StateSubscribing))

	// A control ack is not data; the state must not move yet.
	if err := s.handleMessage([]byte(`{"result":null,"id":1}`)); err != nil {
		t.Fatalf("control ack: %v", err)
	}
	if s.State() != StateSubscribing {
		t.Fatalf("state after ack = %v, want subscribing", s.State())
	}

	msg := []byte(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","p":"1","P":"1","c":"43000.50","v":"1"}}`)
	if err := s.handleMessage(msg); err != nil {
		t.Fatalf("market frame: %v", err)
	}
	if s.State() != StateStreaming {
		t.Fatalf("state after first market frame = %v, want streaming", s.State())
	}
}

func TestErrorBudget(t *testing.T) {
	b := newErrorBudget(3, time.Second)

	if b.exceeded() || b.exceeded() {
		t.Fatal("budget fired too early")
	}
	if !b.exceeded() {
		t.Fatal("third error inside the window must trip the budget")
	}

	b.reset()
	if b.exceeded() {
		t.Error("budget not cleared by reset")
	}
}

func TestLiquidationDedupExpiry(t *testing.T) {
	d := newLiquidationDedup(10 * time.Millisecond)

	if !d.seen(1, 100.00, 0.5) {
		t.Fatal("first sighting reported as duplicate")
	}
	if d.seen(1, 100.00, 0.5) {
		t.Fatal("immediate repeat not deduplicated")
	}

	time.Sleep(15 * time.Millisecond)
	if !d.seen(1, 100.00, 0.5) {
		t.Error("expired entry still deduplicated")
	}
}

func TestSymbolStreams(t *testing.T) {
	streams := symbolStreams("BTCUSDT")

	want := map[string]bool{
		"btcusdt@ticker":        false,
		"btcusdt@depth20@100ms": false,
		"btcusdt@aggTrade":      false,
		"btcusdt@markPrice":     false,
		"btcusdt@forceOrder":    false,
		"btcusdt@kline_1m":      false,
		"btcusdt@kline_5m":      false,
		"btcusdt@kline_15m":     false,
	}
	for _, s := range streams {
		if _, ok := want[s]; !ok {
			t.Errorf("unexpected stream %q", s)
		}
		want[s] = true
	}
	for s, seen := range want {
		if !seen {
			t.Errorf("missing stream %q", s)
		}
	}
}
