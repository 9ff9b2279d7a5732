package aggregation

import (
	"context"
	"fmt"
	"time"

	"market-data-server/internal/candles"
	"market-data-server/internal/models"
	"market-data-server/internal/store"
)

// Window caps per operation.
const (
	MaxProfileHours     = 168
	MaxHeatmapHours     = 48
	MaxLiquidationHours = 24
	MaxFootprintLimit   = 1000
	MaxCandleLimit      = 5000
)

// MultiRequest is the body of the multi-fetch endpoint: one round trip for
// everything a chart needs on symbol switch.
type MultiRequest struct {
	Symbol               string   `json:"symbol" binding:"required"`
	Intervals            []string `json:"intervals"`
	Limit                int      `json:"limit"`
	IncludeVolumeProfile bool     `json:"include_volume_profile"`
	IncludeLiquidations  bool     `json:"include_liquidations"`
	VPHours              int      `json:"vp_hours"`
	LiqHours             int      `json:"liq_hours"`
}

// MultiResponse bundles the multi-fetch results.
type MultiResponse struct {
	Symbol        string                            `json:"symbol"`
	Candles       map[string]*models.CandleResponse `json:"candles"`
	VolumeProfile *models.VolumeProfile             `json:"volume_profile,omitempty"`
	Liquidations  []models.LiquidationEvent         `json:"liquidations,omitempty"`
}

// Service computes chart derivations from cached candles and the live
// store, memoized behind the computation cache.
type Service struct {
	candleSvc *candles.Service
	store     *store.MarketStore
	cache     *ComputeCache
}

// NewService wires the aggregation service.
func NewService(candleSvc *candles.Service, st *store.MarketStore, cache *ComputeCache) *Service {
	return &Service{candleSvc: candleSvc, store: st, cache: cache}
}

// StartPruner runs periodic cache pruning until ctx is cancelled.
func (s *Service) StartPruner(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.cache.Prune()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Candles returns the compact envelope for a symbol/interval, merged with
// the live forming candle.
func (s *Service) Candles(ctx context.Context, symbol, interval string, limit int) (*models.CandleResponse, error) {
	if limit <= 0 || limit > MaxCandleLimit {
		limit = MaxCandleLimit
	}

	key := fmt.Sprintf("candles|%s|%s|%d", symbol, interval, limit)
	v, err := s.cache.Do(ctx, key, func() (interface{}, error) {
		optimized, err := s.candleSvc.GetCandles(ctx, symbol, interval, limit)
		if err != nil {
			return nil, err
		}
		return models.NewOptimizedResponse(symbol, interval, optimized), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CandleResponse), nil
}

// VolumeProfile computes the bucketed profile over the trailing window.
func (s *Service) VolumeProfile(ctx context.Context, symbol string, hours, buckets int) (*models.VolumeProfile, error) {
	if hours <= 0 {
		hours = 24
	}
	if hours > MaxProfileHours {
		hours = MaxProfileHours
	}

	key := fmt.Sprintf("vp|%s|%d|%d", symbol, hours, buckets)
	v, err := s.cache.Do(ctx, key, func() (interface{}, error) {
		klines, err := s.windowKlines(ctx, symbol, hours)
		if err != nil {
			return nil, err
		}
		return ComputeVolumeProfile(symbol, klines, buckets, DefaultValueAreaPct), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.VolumeProfile), nil
}

// Footprint computes per-candle order flow for the interval from the live
// klines and trade ring.
func (s *Service) Footprint(ctx context.Context, symbol, interval string, limit int) ([]models.FootprintCandle, error) {
	if !models.ValidInterval(interval) {
		return nil, fmt.Errorf("%w: %s", candles.ErrInvalidInterval, interval)
	}
	if limit <= 0 || limit > MaxFootprintLimit {
		limit = MaxFootprintLimit
	}

	key := fmt.Sprintf("fp|%s|%s|%d", symbol, interval, limit)
	v, err := s.cache.Do(ctx, key, func() (interface{}, error) {
		all := s.store.GetKlines(symbol, interval, limit+1)
		closed := make([]models.Kline, 0, len(all))
		for _, k := range all {
			if k.IsClosed {
				closed = append(closed, k)
			}
		}
		if len(closed) > limit {
			closed = closed[len(closed)-limit:]
		}
		trades := s.store.GetTrades(symbol, 0)
		return ComputeFootprint(closed, trades, s.store.TickSize(symbol)), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.FootprintCandle), nil
}

// Liquidations classifies the symbol's liquidation ring over the window.
func (s *Service) Liquidations(ctx context.Context, symbol string, hours int) ([]models.LiquidationEvent, error) {
	if hours <= 0 {
		hours = 1
	}
	if hours > MaxLiquidationHours {
		hours = MaxLiquidationHours
	}

	key := fmt.Sprintf("liq|%s|%d", symbol, hours)
	v, err := s.cache.Do(ctx, key, func() (interface{}, error) {
		since := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
		liqs := s.store.GetLiquidations(symbol, since, 0)
		return ClassifyLiquidations(liqs, DefaultSweepThreshold), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.LiquidationEvent), nil
}

// Heatmap grids the window's volume over price and time.
func (s *Service) Heatmap(ctx context.Context, symbol string, hours, resolution int) (*models.Heatmap, error) {
	if hours <= 0 {
		hours = 1
	}
	if hours > MaxHeatmapHours {
		hours = MaxHeatmapHours
	}

	key := fmt.Sprintf("hm|%s|%d|%d", symbol, hours, resolution)
	v, err := s.cache.Do(ctx, key, func() (interface{}, error) {
		klines, err := s.windowKlines(ctx, symbol, hours)
		if err != nil {
			return nil, err
		}
		return ComputeHeatmap(symbol, klines, resolution), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Heatmap), nil
}

// Multi serves the symbol-switch bundle in one round trip.
func (s *Service) Multi(ctx context.Context, req MultiRequest) (*MultiResponse, error) {
	intervals := req.Intervals
	if len(intervals) == 0 {
		intervals = models.SupportedIntervals
	}

	resp := &MultiResponse{
		Symbol:  req.Symbol,
		Candles: make(map[string]*models.CandleResponse, len(intervals)),
	}

	for _, interval := range intervals {
		cr, err := s.Candles(ctx, req.Symbol, interval, req.Limit)
		if err != nil {
			return nil, fmt.Errorf("candles %s: %w", interval, err)
		}
		resp.Candles[interval] = cr
	}

	if req.IncludeVolumeProfile {
		vp, err := s.VolumeProfile(ctx, req.Symbol, req.VPHours, DefaultBuckets)
		if err != nil {
			return nil, fmt.Errorf("volume profile: %w", err)
		}
		resp.VolumeProfile = vp
	}

	if req.IncludeLiquidations {
		liq, err := s.Liquidations(ctx, req.Symbol, req.LiqHours)
		if err != nil {
			return nil, fmt.Errorf("liquidations: %w", err)
		}
		resp.Liquidations = liq
	}

	return resp, nil
}

// Stats returns computation-cache counters for the stats endpoint.
func (s *Service) Stats() map[string]interface{} {
	return map[string]interface{}{
		"compute_cache": s.cache.Stats(),
	}
}

// windowKlines fetches candles covering the trailing window at an interval
// coarse enough to keep the result bounded.
func (s *Service) windowKlines(ctx context.Context, symbol string, hours int) ([]models.Kline, error) {
	interval, limit := windowInterval(hours)
	optimized, err := s.candleSvc.GetCandles(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}

	ms := models.IntervalMs(interval)
	klines := make([]models.Kline, len(optimized))
	for i, c := range optimized {
		klines[i] = models.Kline{
			Symbol:         symbol,
			Interval:       interval,
			OpenTime:       c.T,
			CloseTime:      c.T + ms - 1,
			Open:           c.O,
			High:           c.H,
			Low:            c.L,
			Close:          c.C,
			Volume:         c.V,
			TakerBuyVolume: c.BV,
			IsClosed:       true,
		}
	}
	return klines, nil
}

// windowInterval picks the candle interval for a window so the candle
// count stays in the low thousands.
func windowInterval(hours int) (string, int) {
	switch {
	case hours <= 8:
		return "1m", hours * 60
	case hours <= 48:
		return "5m", hours * 12
	default:
		return "15m", hours * 4
	}
}
