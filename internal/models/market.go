package models

// Stream kinds broadcast to terminal clients. The payload shapes match the
// corresponding /api/v1/websocket/* snapshot endpoints.
const (
	UpdatePrice       = "price_update"
	UpdateDepth       = "depth_update"
	UpdateTrade       = "trade_update"
	UpdateKline       = "kline_update"
	UpdateMarkPrice   = "mark_price_update"
	UpdateLiquidation = "liquidation_update"
)

// PriceTick is the latest 24h ticker state for a symbol. Overwritten in
// place on every upstream ticker event.
type PriceTick struct {
	Symbol       string  `json:"symbol"`
	LastPrice    float64 `json:"lastPrice"`
	Change24h    float64 `json:"change24h"`
	ChangePct24h float64 `json:"changePct24h"`
	Volume24h    float64 `json:"volume24h"`
	EventTime    int64   `json:"eventTime"`
}

// PriceLevel is one side entry of an order book snapshot.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// DepthSnapshot is an immutable order book view. Bids are sorted descending
// by price, asks ascending; best bid < best ask when both sides are
// non-empty.
type DepthSnapshot struct {
	Symbol        string       `json:"symbol"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
	FirstUpdateID int64        `json:"firstUpdateId"`
	FinalUpdateID int64        `json:"finalUpdateId"`
	EventTime     int64        `json:"eventTime"`
}

// Trade is a single aggregated trade. IsBuyerMaker=true means the taker was
// selling.
type Trade struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	IsBuyerMaker bool    `json:"isBuyerMaker"`
	TradeTime    int64   `json:"tradeTime"`
}

// Kline is an interval-scoped candle. While IsClosed is false the tuple may
// mutate in place; once closed it is frozen and eligible for persistence.
// TakerBuyVolume comes verbatim from the upstream kline stream and is never
// estimated.
type Kline struct {
	Symbol         string  `json:"symbol"`
	Interval       string  `json:"interval"`
	OpenTime       int64   `json:"openTime"`
	CloseTime      int64   `json:"closeTime"`
	Open           float64 `json:"open"`
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	Close          float64 `json:"close"`
	Volume         float64 `json:"volume"`
	TakerBuyVolume float64 `json:"takerBuyVolume"`
	QuoteVolume    float64 `json:"quoteVolume"`
	TradeCount     int     `json:"tradeCount"`
	IsClosed       bool    `json:"isClosed"`
}

// TakerSellVolume is derived, never stored.
func (k *Kline) TakerSellVolume() float64 {
	return k.Volume - k.TakerBuyVolume
}

// MarkPrice is the futures mark price state for a symbol.
type MarkPrice struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"markPrice"`
	IndexPrice      float64 `json:"indexPrice"`
	EstimatedSettle float64 `json:"estimatedSettle"`
	FundingRate     float64 `json:"fundingRate"`
	NextFundingTime int64   `json:"nextFundingTime"`
	EventTime       int64   `json:"eventTime"`
}

// Liquidation is a forced-order event. Side BUY means a liquidated long,
// SELL a liquidated short. AvgPrice is the actual liquidation price;
// OrderPrice is kept for reference only.
type Liquidation struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	OrderPrice float64 `json:"orderPrice"`
	AvgPrice   float64 `json:"avgPrice"`
	Quantity   float64 `json:"quantity"`
	Status     string  `json:"status"`
	TradeTime  int64   `json:"tradeTime"`
	EventTime  int64   `json:"eventTime"`
}

// Notional returns the liquidated value at the average fill price.
func (l *Liquidation) Notional() float64 {
	return l.AvgPrice * l.Quantity
}

// SymbolInfo describes a tracked symbol. TickSize is the exchange's
// PRICE_FILTER step; 0 means not resolved yet.
type SymbolInfo struct {
	Symbol     string  `json:"symbol"`
	BaseAsset  string  `json:"base_asset"`
	QuoteAsset string  `json:"quote_asset"`
	TickSize   float64 `json:"tick_size,omitempty"`
	AddedAt    int64   `json:"added_at"`
}
