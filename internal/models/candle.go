package models

import "encoding/json"

// Candle is the persisted closed-kline row, keyed by
// (symbol, interval, open_time).
type Candle struct {
	Symbol              string  `json:"symbol"`
	Interval            string  `json:"interval"`
	OpenTime            int64   `json:"open_time"`
	CloseTime           int64   `json:"close_time"`
	Open                float64 `json:"open"`
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
	Close               float64 `json:"close"`
	Volume              float64 `json:"volume"`
	QuoteVolume         float64 `json:"quote_volume"`
	TradeCount          int     `json:"trade_count"`
	TakerBuyVolume      float64 `json:"taker_buy_volume"`
	TakerBuyQuoteVolume float64 `json:"taker_buy_quote_volume"`
}

// OptimizedCandle is the compact wire shape for a single candle. BV is the
// authoritative taker-buy volume from upstream; SV is always V-BV.
type OptimizedCandle struct {
	T  int64   `json:"t"`
	O  float64 `json:"o"`
	H  float64 `json:"h"`
	L  float64 `json:"l"`
	C  float64 `json:"c"`
	V  float64 `json:"v"`
	BV float64 `json:"bv"`
	SV float64 `json:"sv"`
}

// CandleResponse is the compact envelope shared by the candle and
// aggregation endpoints. Shrinks candle payloads by roughly 70% versus the
// long-name JSON.
type CandleResponse struct {
	S string            `json:"s"`
	I string            `json:"i"`
	D []OptimizedCandle `json:"d"`
	N int               `json:"n"`
	F int64             `json:"f,omitempty"`
	L int64             `json:"l,omitempty"`
}

// ToOptimized converts a persisted candle to the compact wire shape.
func (c *Candle) ToOptimized() OptimizedCandle {
	return OptimizedCandle{
		T:  c.OpenTime,
		O:  c.Open,
		H:  c.High,
		L:  c.Low,
		C:  c.Close,
		V:  c.Volume,
		BV: c.TakerBuyVolume,
		SV: c.Volume - c.TakerBuyVolume,
	}
}

// ToKline converts a persisted candle back into a closed kline.
func (c *Candle) ToKline() Kline {
	return Kline{
		Symbol:         c.Symbol,
		Interval:       c.Interval,
		OpenTime:       c.OpenTime,
		CloseTime:      c.CloseTime,
		Open:           c.Open,
		High:           c.High,
		Low:            c.Low,
		Close:          c.Close,
		Volume:         c.Volume,
		TakerBuyVolume: c.TakerBuyVolume,
		QuoteVolume:    c.QuoteVolume,
		TradeCount:     c.TradeCount,
		IsClosed:       true,
	}
}

// KlineToCandle converts a closed realtime kline into the persisted form.
func KlineToCandle(k Kline) Candle {
	return Candle{
		Symbol:         k.Symbol,
		Interval:       k.Interval,
		OpenTime:       k.OpenTime,
		CloseTime:      k.CloseTime,
		Open:           k.Open,
		High:           k.High,
		Low:            k.Low,
		Close:          k.Close,
		Volume:         k.Volume,
		QuoteVolume:    k.QuoteVolume,
		TradeCount:     k.TradeCount,
		TakerBuyVolume: k.TakerBuyVolume,
	}
}

// KlineToOptimized converts a kline (closed or forming) to the compact wire
// shape.
func KlineToOptimized(k Kline) OptimizedCandle {
	return OptimizedCandle{
		T:  k.OpenTime,
		O:  k.Open,
		H:  k.High,
		L:  k.Low,
		C:  k.Close,
		V:  k.Volume,
		BV: k.TakerBuyVolume,
		SV: k.Volume - k.TakerBuyVolume,
	}
}

// NewCandleResponse builds the compact envelope from persisted candles,
// which must already be ascending by open time.
func NewCandleResponse(symbol, interval string, candles []Candle) *CandleResponse {
	optimized := make([]OptimizedCandle, len(candles))
	for i := range candles {
		optimized[i] = candles[i].ToOptimized()
	}
	return newResponse(symbol, interval, optimized)
}

// NewOptimizedResponse builds the compact envelope from already-converted
// candles.
func NewOptimizedResponse(symbol, interval string, optimized []OptimizedCandle) *CandleResponse {
	return newResponse(symbol, interval, optimized)
}

func newResponse(symbol, interval string, optimized []OptimizedCandle) *CandleResponse {
	var first, last int64
	if len(optimized) > 0 {
		first = optimized[0].T
		last = optimized[len(optimized)-1].T
	}
	return &CandleResponse{
		S: symbol,
		I: interval,
		D: optimized,
		N: len(optimized),
		F: first,
		L: last,
	}
}

// Marshal returns the serialized envelope for the raw hot path.
func (r *CandleResponse) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
