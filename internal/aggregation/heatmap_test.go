package aggregation

import (
	"math"
	"testing"

	"market-data-server/internal/models"
)

func TestHeatmapConservesVolume(t *testing.T) {
	klines := []models.Kline{
		profileKline(0, 100, 110, 95, 105, 10),
		profileKline(60_000, 105, 120, 100, 115, 20),
		profileKline(120_000, 115, 118, 108, 110, 5),
	}

	hm := ComputeHeatmap("BTCUSDT", klines, 50)

	var got float64
	for _, cell := range hm.L {
		got += cell.V
	}
	if math.Abs(got-35) > 1e-6 {
		t.Errorf("cell volume = %v, want 35", got)
	}
}

func TestHeatmapIntensityNormalized(t *testing.T) {
	klines := []models.Kline{
		profileKline(0, 100, 110, 95, 105, 10),
		profileKline(60_000, 105, 120, 100, 115, 20),
	}

	hm := ComputeHeatmap("BTCUSDT", klines, 20)

	sawMax := false
	for _, cell := range hm.L {
		if cell.I < 0 || cell.I > 1 {
			t.Fatalf("intensity %v out of [0,1]", cell.I)
		}
		if math.Abs(cell.V-hm.Max) < 1e-9 {
			sawMax = true
			if math.Abs(cell.I-1) > 1e-9 {
				t.Errorf("max cell intensity = %v, want 1", cell.I)
			}
		}
	}
	if !sawMax {
		t.Error("no cell carries the grid maximum")
	}
}

func TestHeatmapDeterministicOrder(t *testing.T) {
	klines := []models.Kline{
		profileKline(0, 100, 110, 95, 105, 10),
		profileKline(60_000, 105, 120, 100, 115, 20),
		profileKline(120_000, 115, 118, 108, 110, 5),
	}

	hm := ComputeHeatmap("BTCUSDT", klines, 30)
	for i := 1; i < len(hm.L); i++ {
		prev, cur := hm.L[i-1], hm.L[i]
		if cur.T < prev.T || (cur.T == prev.T && cur.P <= prev.P) {
			t.Fatalf("cells disordered at %d: (%d, %v) after (%d, %v)", i, cur.T, cur.P, prev.T, prev.P)
		}
	}
}

func TestHeatmapDegenerateWindows(t *testing.T) {
	if hm := ComputeHeatmap("BTCUSDT", nil, 50); len(hm.L) != 0 {
		t.Errorf("empty window produced %d cells", len(hm.L))
	}

	// flat price range yields no grid
	flat := []models.Kline{
		profileKline(0, 100, 100, 100, 100, 5),
		profileKline(60_000, 100, 100, 100, 100, 5),
	}
	if hm := ComputeHeatmap("BTCUSDT", flat, 50); len(hm.L) != 0 {
		t.Errorf("flat window produced %d cells", len(hm.L))
	}
}
