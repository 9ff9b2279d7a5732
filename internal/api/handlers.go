package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"market-data-server/internal/aggregation"
	"market-data-server/internal/models"
)

const (
	maxCandleLimit = 1500
	maxTradeLimit  = 1000

	candleCacheTTL = 5 * time.Second
)

// ---- health & symbols ----

func (s *Server) handleHealth(c *gin.Context) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	ctx, cancel := contextWithTimeout(c, 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		dbStatus = "unreachable: " + err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":   status,
		"database": dbStatus,
		"upstream": s.stream.State().String(),
	})
}

func (s *Server) handleListSymbols(c *gin.Context) {
	symbols := s.store.Symbols()
	setDataCount(c, len(symbols))
	c.JSON(http.StatusOK, gin.H{
		"count":   len(symbols),
		"symbols": symbols,
	})
}

func (s *Server) handleGetSymbol(c *gin.Context) {
	symbol := upperParam(c, "symbol")
	for _, info := range s.store.Symbols() {
		if info.Symbol == symbol {
			c.JSON(http.StatusOK, info)
			return
		}
	}
	symbolNotFound(c, symbol)
}

type addSymbolRequest struct {
	Symbol     string `json:"symbol" binding:"required"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
}

func (s *Server) handleAddSymbol(c *gin.Context) {
	var req addSymbolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest,
			"invalid body", err.Error(), nil)
		return
	}
	s.addSymbol(c, strings.ToUpper(req.Symbol), req.BaseAsset, req.QuoteAsset)
}

// handleTrackSymbol is the path-parameter variant used by the terminal.
func (s *Server) handleTrackSymbol(c *gin.Context) {
	s.addSymbol(c, upperParam(c, "symbol"), "", "")
}

func (s *Server) addSymbol(c *gin.Context, symbol, baseAsset, quoteAsset string) {
	if s.store.HasSymbol(symbol) {
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "status": "already_tracked"})
		return
	}

	info := models.SymbolInfo{
		Symbol:     symbol,
		BaseAsset:  baseAsset,
		QuoteAsset: quoteAsset,
		AddedAt:    time.Now().UnixMilli(),
	}

	// Validate against the exchange when assets were not supplied.
	if baseAsset == "" || quoteAsset == "" {
		ctx, cancel := contextWithTimeout(c, 5*time.Second)
		defer cancel()
		ex, err := s.binClient.GetExchangeInfo(ctx, symbol)
		if err != nil {
			respondServiceError(c, fmt.Errorf("validating %s: %w", symbol, err))
			return
		}
		info = ex.ToModel()
	}

	s.store.AddSymbol(info)
	if err := s.repo.UpsertSymbol(c.Request.Context(), info); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("symbol persist failed")
	}
	if err := s.stream.AddSymbol(symbol); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("live subscribe failed, applied on reconnect")
	}

	c.JSON(http.StatusCreated, gin.H{"symbol": symbol, "status": "tracking"})
}

// handleRemoveSymbol untracks a symbol: store state is purged, the upstream
// streams are unsubscribed, the symbol row is deleted and cached responses
// are invalidated. Persisted candle history stays.
func (s *Server) handleRemoveSymbol(c *gin.Context) {
	symbol := upperParam(c, "symbol")
	if !s.store.RemoveSymbol(symbol) {
		symbolNotFound(c, symbol)
		return
	}

	if err := s.stream.RemoveSymbol(symbol); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("live unsubscribe failed, applied on reconnect")
	}
	if err := s.repo.DeleteSymbol(c.Request.Context(), symbol); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("symbol row delete failed")
	}
	s.respCache.Invalidate(c.Request.Context(), "candles:"+symbol+":*")

	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "status": "removed"})
}

// ---- candles ----

func (s *Server) handleGetCandles(c *gin.Context) {
	if payload, ok := s.candlePayload(c); ok {
		c.Data(http.StatusOK, "application/json", payload)
	}
}

// handleCandlesRaw is the hot-path variant: same compact payload, but the
// route exists so terminals can pin chart refresh on pre-serialized bytes
// without any per-request encoding.
func (s *Server) handleCandlesRaw(c *gin.Context) {
	if payload, ok := s.candlePayload(c); ok {
		c.Data(http.StatusOK, "application/json", payload)
	}
}

// candlePayload resolves the compact candle response as serialized bytes,
// served from the response cache when warm. On failure it writes the error
// envelope and reports ok=false.
func (s *Server) candlePayload(c *gin.Context) ([]byte, bool) {
	symbol, ok := s.trackedSymbol(c)
	if !ok {
		return nil, false
	}
	interval := c.DefaultQuery("interval", "1m")

	limit, ok := intParam(c, "limit", 500, maxCandleLimit)
	if !ok {
		return nil, false
	}

	cacheKey := fmt.Sprintf("candles:%s:%s:%d", symbol, interval, limit)
	c.Header("X-Cache-Key", cacheKey)
	c.Header("Cache-Control", "public, max-age=5")

	if payload, hit := s.respCache.Get(c.Request.Context(), cacheKey); hit {
		return payload, true
	}

	optimized, err := s.candleSvc.GetCandles(c.Request.Context(), symbol, interval, limit)
	if err != nil {
		respondServiceError(c, err)
		return nil, false
	}

	resp := models.NewOptimizedResponse(symbol, interval, optimized)
	setDataCount(c, resp.N)

	payload, err := resp.Marshal()
	if err != nil {
		respondServiceError(c, err)
		return nil, false
	}
	s.respCache.Set(c.Request.Context(), cacheKey, payload, candleCacheTTL)
	return payload, true
}

func (s *Server) handleLatestCandle(c *gin.Context) {
	symbol, ok := s.trackedSymbol(c)
	if !ok {
		return
	}
	interval := c.DefaultQuery("interval", "1m")

	if !models.ValidInterval(interval) {
		respondError(c, http.StatusBadRequest, CodeInvalidInterval,
			"invalid interval", "supported intervals: "+strings.Join(models.SupportedIntervals, ", "), nil)
		return
	}

	// The forming candle from the stream is authoritative; REST history is
	// the fallback only.
	if k := s.store.GetCurrentKline(symbol, interval); k != nil {
		c.JSON(http.StatusOK, gin.H{
			"symbol":   symbol,
			"interval": interval,
			"candle":   models.KlineToOptimized(*k),
		})
		return
	}

	optimized, err := s.candleSvc.GetCandles(c.Request.Context(), symbol, interval, 1)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if len(optimized) == 0 {
		respondError(c, http.StatusNotFound, CodeDataNotAvailable,
			"no candles", "no candle data for "+symbol+" "+interval, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":   symbol,
		"interval": interval,
		"candle":   optimized[len(optimized)-1],
	})
}

func (s *Server) handleCandleRange(c *gin.Context) {
	symbol, ok := s.trackedSymbol(c)
	if !ok {
		return
	}
	interval := c.DefaultQuery("interval", "1m")

	startTime, err1 := strconv.ParseInt(c.Query("start_time"), 10, 64)
	endTime, err2 := strconv.ParseInt(c.Query("end_time"), 10, 64)
	if err1 != nil || err2 != nil || startTime <= 0 || endTime <= startTime {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest,
			"invalid range", "start_time and end_time must be Unix ms with start_time < end_time", nil)
		return
	}

	optimized, err := s.candleSvc.GetCandleRange(c.Request.Context(), symbol, interval, startTime, endTime, 0)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	resp := models.NewOptimizedResponse(symbol, interval, optimized)
	setDataCount(c, resp.N)
	c.JSON(http.StatusOK, resp)
}

// handleCandleMetrics reports persisted coverage for a series, used by
// operators to judge backfill depth.
func (s *Server) handleCandleMetrics(c *gin.Context) {
	symbol, ok := s.trackedSymbol(c)
	if !ok {
		return
	}
	interval := c.DefaultQuery("interval", "1m")
	if !models.ValidInterval(interval) {
		respondError(c, http.StatusBadRequest, CodeInvalidInterval,
			"invalid interval", "supported intervals: "+strings.Join(models.SupportedIntervals, ", "), nil)
		return
	}

	count, err := s.repo.CountCandles(c.Request.Context(), symbol, interval)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	latest, err := s.repo.LatestOpenTime(c.Request.Context(), symbol, interval)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":           symbol,
		"interval":         interval,
		"count":            count,
		"latest_open_time": latest,
	})
}

// ---- aggregation ----

func (s *Server) handleAggCandles(c *gin.Context) {
	symbol, ok := s.trackedSymbol(c)
	if !ok {
		return
	}
	interval := c.Param("interval")

	limit, ok := intParam(c, "limit", 1000, aggregation.MaxCandleLimit)
	if !ok {
		return
	}

	resp, err := s.aggSvc.Candles(c.Request.Context(), symbol, interval, limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	setDataCount(c, resp.N)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleVolumeProfile(c *gin.Context) {
	symbol, ok := s.trackedSymbol(c)
	if !ok {
		return
	}

	hours, ok := intParam(c, "hours", 24, aggregation.MaxProfileHours)
	if !ok {
		return
	}
	buckets, ok := intParam(c, "buckets", aggregation.DefaultBuckets, aggregation.MaxBuckets)
	if !ok {
		return
	}

	vp, err := s.aggSvc.VolumeProfile(c.Request.Context(), symbol, hours, buckets)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	setDataCount(c, len(vp.L))
	c.JSON(http.StatusOK, vp)
}

func (s *Server) handleFootprint(c *gin.Context) {
	symbol, ok := s.trackedSymbol(c)
	if !ok {
		return
	}
	interval := c.Param("interval")

	limit, ok := intParam(c, "limit", 100, aggregation.MaxFootprintLimit)
	if !ok {
		return
	}

	fps, err := s.aggSvc.Footprint(c.Request.Context(), symbol, interval, limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	setDataCount(c, len(fps))
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "interval": interval, "candles": fps})
}

func (s *Server) handleAggLiquidations(c *gin.Context) {
	symbol, ok := s.trackedSymbol(c)
	if !ok {
		return
	}

	hours, ok := intParam(c, "hours", 1, aggregation.MaxLiquidationHours)
	if !ok {
		return
	}

	events, err := s.aggSvc.Liquidations(c.Request.Context(), symbol, hours)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	setDataCount(c, len(events))
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "hours": hours, "events": events})
}

func (s *Server) handleHeatmap(c *gin.Context) {
	symbol, ok := s.trackedSymbol(c)
	if !ok {
		return
	}

	hours, ok := intParam(c, "hours", 1, aggregation.MaxHeatmapHours)
	if !ok {
		return
	}
	resolution, ok := intParam(c, "resolution", aggregation.DefaultResolution, aggregation.MaxResolution)
	if !ok {
		return
	}

	hm, err := s.aggSvc.Heatmap(c.Request.Context(), symbol, hours, resolution)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	setDataCount(c, len(hm.L))
	c.JSON(http.StatusOK, hm)
}

func (s *Server) handleAggMulti(c *gin.Context) {
	var req aggregation.MultiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest,
			"invalid body", err.Error(), nil)
		return
	}
	req.Symbol = strings.ToUpper(req.Symbol)
	if !s.store.HasSymbol(req.Symbol) {
		symbolNotFound(c, req.Symbol)
		return
	}

	resp, err := s.aggSvc.Multi(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAggStats(c *gin.Context) {
	stats := s.aggSvc.Stats()
	stats["candle_service"] = s.candleSvc.Stats()
	stats["rate_limiter"] = s.limiter.Stats()
	stats["collector"] = s.collector.Stats()
	stats["response_cache"] = s.respCache.Stats()
	c.JSON(http.StatusOK, stats)
}

// ---- param helpers ----

func upperParam(c *gin.Context, name string) string {
	return strings.ToUpper(c.Param(name))
}

// trackedSymbol resolves the :symbol param, rejecting symbols the store
// does not track so garbage never reaches the backfill path.
func (s *Server) trackedSymbol(c *gin.Context) (string, bool) {
	symbol := upperParam(c, "symbol")
	if !s.store.HasSymbol(symbol) {
		symbolNotFound(c, symbol)
		return "", false
	}
	return symbol, true
}

// intParam parses a positive integer query parameter with range
// validation.
func intParam(c *gin.Context, name string, def, max int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > max {
		respondError(c, http.StatusBadRequest, CodeInvalidLimitRange,
			"invalid "+name,
			fmt.Sprintf("%s must be an integer in [1, %d]", name, max),
			map[string]interface{}{"max": max})
		return 0, false
	}
	return v, true
}

func contextWithTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}
