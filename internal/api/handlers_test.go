package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"market-data-server/config"
	"market-data-server/internal/binance"
	"market-data-server/internal/cache"
	"market-data-server/internal/events"
	"market-data-server/internal/metrics"
	"market-data-server/internal/models"
	"market-data-server/internal/store"
)

// newTestServer wires a router with a live store and no backing services.
// Handlers that reject before reaching a service are testable this way.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	st := store.New(store.DefaultOptions(), events.NewBus(4))
	st.AddSymbol(models.SymbolInfo{Symbol: "BTCUSDT", AddedAt: time.Now().UnixMilli()})

	return NewServer(Deps{
		Config: &config.Config{
			ServerConfig: config.ServerConfig{AllowedOrigins: []string{"*"}},
		},
		Store:     st,
		Stream:    binance.NewStream("wss://example.invalid", nil, nil),
		Metrics:   metrics.New(),
		RespCache: cache.New(context.Background(), cache.Options{}),
	})
}

func serve(srv *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	srv.engine.ServeHTTP(rec, req)
	return rec
}

func TestUntrackedSymbolRejected(t *testing.T) {
	srv := newTestServer(t)

	paths := []string{
		"/api/v1/candles/FAKEUSDT",
		"/api/v1/candles/FAKEUSDT/raw",
		"/api/v1/candles/FAKEUSDT/latest",
		"/api/v1/candles/FAKEUSDT/range?start_time=1&end_time=2",
		"/api/v1/candles/FAKEUSDT/metrics",
		"/api/v1/aggregation/candles/FAKEUSDT/1m",
		"/api/v1/aggregation/volume-profile/FAKEUSDT",
		"/api/v1/aggregation/footprint/FAKEUSDT/1m",
		"/api/v1/aggregation/liquidations/FAKEUSDT",
		"/api/v1/aggregation/heatmap/FAKEUSDT",
	}
	for _, path := range paths {
		rec := serve(srv, http.MethodGet, path)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
			continue
		}
		if env := decodeEnvelope(t, rec); env.Code != CodeSymbolNotFound {
			t.Errorf("%s: code = %s, want %s", path, env.Code, CodeSymbolNotFound)
		}
	}
}

func TestRemoveUnknownSymbol(t *testing.T) {
	srv := newTestServer(t)

	rec := serve(srv, http.MethodDelete, "/api/v1/symbols/FAKEUSDT")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Code != CodeSymbolNotFound {
		t.Errorf("code = %s, want %s", env.Code, CodeSymbolNotFound)
	}

	// The tracked symbol is untouched.
	if !srv.store.HasSymbol("BTCUSDT") {
		t.Error("BTCUSDT dropped by a failed remove")
	}
}

func TestGetSymbolTracked(t *testing.T) {
	srv := newTestServer(t)

	rec := serve(srv, http.MethodGet, "/api/v1/symbols/btcusdt")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
}
