package models

// VolumeProfileLevel is one price bucket of a volume profile. BV/SV come
// from the candle-direction heuristic, not real taker volume.
type VolumeProfileLevel struct {
	P   float64 `json:"p"`
	V   float64 `json:"v"`
	BV  float64 `json:"bv"`
	SV  float64 `json:"sv"`
	Pct float64 `json:"pct"`
}

// VolumeProfile is the bucketed volume distribution over a candle window,
// with Point of Control and value area bounds.
type VolumeProfile struct {
	S   string               `json:"s"`
	ST  int64                `json:"st"`
	ET  int64                `json:"et"`
	L   []VolumeProfileLevel `json:"l"`
	POC float64              `json:"poc"`
	VAH float64              `json:"vah"`
	VAL float64              `json:"val"`
	VAV float64              `json:"vav"`
}

// FootprintLevel is volume at one price level within a candle.
type FootprintLevel struct {
	P  float64 `json:"p"`
	BV float64 `json:"bv"`
	SV float64 `json:"sv"`
	D  float64 `json:"d"`
	T  int     `json:"t"`
}

// FootprintCandle is the order-flow breakdown of a single closed candle.
// When no trade history covers the candle's span, L is empty and the totals
// fall back to the candle's taker-buy/taker-sell split.
type FootprintCandle struct {
	T   int64            `json:"t"`
	L   []FootprintLevel `json:"l"`
	TBV float64          `json:"tbv"`
	TSV float64          `json:"tsv"`
	TD  float64          `json:"td"`
	POC float64          `json:"poc"`
}

// LiquidationEvent is a classified liquidation.
type LiquidationEvent struct {
	T    int64   `json:"t"`
	P    float64 `json:"p"`
	V    float64 `json:"v"`
	Side string  `json:"side"`
	Type string  `json:"type"`
	Conf float64 `json:"conf"`
}

// Liquidation classification tags.
const (
	LiquidationSingle  = "single"
	LiquidationCascade = "cascade"
	LiquidationSweep   = "sweep"
)

// HeatmapCell is one cell of the price/time volume grid. Intensity is
// volume normalized by the grid maximum.
type HeatmapCell struct {
	P float64 `json:"p"`
	T int64   `json:"t"`
	V float64 `json:"v"`
	I float64 `json:"i"`
}

// Heatmap is the price/time volume grid for a symbol window.
type Heatmap struct {
	S   string        `json:"s"`
	ST  int64         `json:"st"`
	ET  int64         `json:"et"`
	L   []HeatmapCell `json:"l"`
	Max float64       `json:"max"`
}
