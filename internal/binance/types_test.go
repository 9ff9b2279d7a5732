package binance

import (
	"encoding/json"
	"testing"
)

func TestRESTKlineUnmarshal(t *testing.T) {
	row := []byte(`[1748109720000,"108903.80","108910.00","108899.10","108903.80","2.107",1748109779999,"229478.11",57,"1.234","134400.02","0"]`)

	var k RESTKline
	if err := json.Unmarshal(row, &k); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if k.OpenTime != 1748109720000 || k.CloseTime != 1748109779999 {
		t.Errorf("times = %d / %d", k.OpenTime, k.CloseTime)
	}
	if k.Open != 108903.80 || k.Close != 108903.80 || k.High != 108910.00 || k.Low != 108899.10 {
		t.Errorf("ohlc = %v %v %v %v", k.Open, k.High, k.Low, k.Close)
	}
	if k.Volume != 2.107 || k.TakerBuyVolume != 1.234 || k.TradeCount != 57 {
		t.Errorf("volume fields = %v / %v / %d", k.Volume, k.TakerBuyVolume, k.TradeCount)
	}
}

func TestRESTKlineUnmarshalShortRow(t *testing.T) {
	var k RESTKline
	if err := json.Unmarshal([]byte(`[1,"2","3"]`), &k); err == nil {
		t.Error("short row must fail to unmarshal")
	}
}

func TestRESTKlineUnmarshalBadNumber(t *testing.T) {
	row := []byte(`[1,"x","3","4","5","6",7,"8",9,"10","11","0"]`)
	var k RESTKline
	if err := json.Unmarshal(row, &k); err == nil {
		t.Error("garbage numeric field must fail to unmarshal")
	}
}

func TestExchangeSymbolTickSize(t *testing.T) {
	raw := []byte(`{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT",
		"filters":[{"filterType":"LOT_SIZE","stepSize":"0.001"},{"filterType":"PRICE_FILTER","tickSize":"0.10"}]}`)

	var sym ExchangeSymbol
	if err := json.Unmarshal(raw, &sym); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ts := sym.TickSize(); ts != 0.10 {
		t.Errorf("tick size = %v, want 0.10", ts)
	}
	if info := sym.ToModel(); info.TickSize != 0.10 {
		t.Errorf("model tick size = %v, want 0.10", info.TickSize)
	}

	// No PRICE_FILTER means unresolved, not a guess.
	bare := ExchangeSymbol{Symbol: "ETHUSDT"}
	if ts := bare.TickSize(); ts != 0 {
		t.Errorf("tick size without filters = %v, want 0", ts)
	}
}

func TestParseFloat(t *testing.T) {
	if v, ok := parseFloat("42951.37"); !ok || v != 42951.37 {
		t.Errorf("parseFloat valid = %v, %v", v, ok)
	}
	if _, ok := parseFloat(""); ok {
		t.Error("empty string must not parse")
	}
	if _, ok := parseFloat("abc"); ok {
		t.Error("garbage must not parse")
	}
}
