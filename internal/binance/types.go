package binance

import (
	"encoding/json"
	"strconv"
)

// Binance sends most numbers as strings. Parse failures surface as 0 plus a
// stream parse error counted against the reconnect budget, so events carry
// the raw strings and conversion happens in one place.

// CombinedStreamEvent is the envelope of a combined-stream message.
type CombinedStreamEvent struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// TickerEvent is a 24hr ticker update (<symbol>@ticker).
type TickerEvent struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	PriceChange string `json:"p"`
	PriceChgPct string `json:"P"`
	LastPrice   string `json:"c"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
}

// DepthEvent is a partial book depth update (<symbol>@depth@100ms).
type DepthEvent struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// AggTradeEvent is an aggregated trade (<symbol>@aggTrade).
type AggTradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// KlineEvent wraps a kline update (<symbol>@kline_<interval>).
type KlineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     KlinePayload `json:"k"`
}

// KlinePayload is the inner kline of a KlineEvent.
type KlinePayload struct {
	OpenTime            int64  `json:"t"`
	CloseTime           int64  `json:"T"`
	Symbol              string `json:"s"`
	Interval            string `json:"i"`
	Open                string `json:"o"`
	Close               string `json:"c"`
	High                string `json:"h"`
	Low                 string `json:"l"`
	Volume              string `json:"v"`
	TradeCount          int    `json:"n"`
	IsClosed            bool   `json:"x"`
	QuoteVolume         string `json:"q"`
	TakerBuyVolume      string `json:"V"`
	TakerBuyQuoteVolume string `json:"Q"`
}

// MarkPriceEvent is a mark price update (<symbol>@markPrice).
type MarkPriceEvent struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	EstimatedSettle string `json:"P"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

// ForceOrderEvent is a liquidation (<symbol>@forceOrder and !forceOrder@arr).
type ForceOrderEvent struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Order     ForceOrderInner `json:"o"`
}

// ForceOrderInner is the liquidated order inside a ForceOrderEvent.
type ForceOrderInner struct {
	Symbol      string `json:"s"`
	Side        string `json:"S"`
	OrderType   string `json:"o"`
	TimeInForce string `json:"f"`
	Quantity    string `json:"q"`
	Price       string `json:"p"`
	AvgPrice    string `json:"ap"`
	OrderStatus string `json:"X"`
	LastFilled  string `json:"l"`
	FilledTotal string `json:"z"`
	TradeTime   int64  `json:"T"`
}

// RESTKline is one row of the /fapi/v1/klines response array.
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
//  tradeCount, takerBuyVolume, takerBuyQuoteVolume, ignore]
type RESTKline struct {
	OpenTime            int64
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	CloseTime           int64
	QuoteVolume         float64
	TradeCount          int
	TakerBuyVolume      float64
	TakerBuyQuoteVolume float64
}

// UnmarshalJSON decodes the positional kline array format.
func (k *RESTKline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 11 {
		return errShortKlineRow
	}

	if err := json.Unmarshal(raw[0], &k.OpenTime); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[6], &k.CloseTime); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[8], &k.TradeCount); err != nil {
		return err
	}

	fields := []struct {
		idx int
		dst *float64
	}{
		{1, &k.Open}, {2, &k.High}, {3, &k.Low}, {4, &k.Close},
		{5, &k.Volume}, {7, &k.QuoteVolume},
		{9, &k.TakerBuyVolume}, {10, &k.TakerBuyQuoteVolume},
	}
	for _, f := range fields {
		var s string
		if err := json.Unmarshal(raw[f.idx], &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}

// parseFloat converts a Binance string number, returning ok=false on garbage.
func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
