package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"market-data-server/internal/hub"
	"market-data-server/internal/models"
)

// handleWSConnect upgrades the connection and hands it to the hub. New
// upgrades are refused once shutdown has begun.
func (s *Server) handleWSConnect(c *gin.Context) {
	if !s.accepting.Load() {
		respondError(c, http.StatusServiceUnavailable, CodeUpstreamUnavailable,
			"shutting down", "server is shutting down", nil)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	hub.NewClient(s.hub, conn)
}

func (s *Server) handleWSStats(c *gin.Context) {
	stats := s.hub.Stats()
	stats["upstream"] = s.stream.Stats()
	stats["store"] = s.store.Stats()
	stats["events"] = s.bus.Stats()
	c.JSON(http.StatusOK, stats)
}

// ---- cached snapshot endpoints; all served from memory, never upstream ----

func (s *Server) handleWSPrice(c *gin.Context) {
	symbol := upperParam(c, "symbol")
	if !s.store.HasSymbol(symbol) {
		symbolNotFound(c, symbol)
		return
	}

	tick := s.store.GetPrice(symbol)
	if tick == nil {
		respondError(c, http.StatusNotFound, CodePriceNotAvailable,
			"price not available", "no ticker received yet for "+symbol, nil)
		return
	}
	c.JSON(http.StatusOK, tick)
}

func (s *Server) handleWSDepth(c *gin.Context) {
	symbol := upperParam(c, "symbol")
	if !s.store.HasSymbol(symbol) {
		symbolNotFound(c, symbol)
		return
	}

	depth := s.store.GetDepth(symbol)
	if depth == nil {
		respondError(c, http.StatusNotFound, CodeDataNotAvailable,
			"depth not available", "no depth snapshot received yet for "+symbol, nil)
		return
	}
	c.JSON(http.StatusOK, depth)
}

func (s *Server) handleWSTrades(c *gin.Context) {
	symbol := upperParam(c, "symbol")
	if !s.store.HasSymbol(symbol) {
		symbolNotFound(c, symbol)
		return
	}

	limit, ok := intParam(c, "limit", 100, maxTradeLimit)
	if !ok {
		return
	}

	trades := s.store.GetTrades(symbol, limit)
	setDataCount(c, len(trades))
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "count": len(trades), "trades": trades})
}

func (s *Server) handleWSKline(c *gin.Context) {
	symbol := upperParam(c, "symbol")
	interval := c.Param("interval")
	if !s.store.HasSymbol(symbol) {
		symbolNotFound(c, symbol)
		return
	}

	k := s.store.GetCurrentKline(symbol, interval)
	if k == nil {
		klines := s.store.GetKlines(symbol, interval, 1)
		if len(klines) == 0 {
			respondError(c, http.StatusNotFound, CodeDataNotAvailable,
				"kline not available", "no kline received yet for "+symbol+" "+interval, nil)
			return
		}
		k = &klines[len(klines)-1]
	}

	c.JSON(http.StatusOK, gin.H{
		"kline":       k,
		"buy_volume":  k.TakerBuyVolume,
		"sell_volume": k.TakerSellVolume(),
		"delta":       k.TakerBuyVolume - k.TakerSellVolume(),
	})
}

func (s *Server) handleWSVolume(c *gin.Context) {
	symbol := upperParam(c, "symbol")
	interval := c.DefaultQuery("interval", "1m")
	if !s.store.HasSymbol(symbol) {
		symbolNotFound(c, symbol)
		return
	}
	if !models.ValidInterval(interval) {
		respondError(c, http.StatusBadRequest, CodeInvalidInterval,
			"invalid interval", "unknown interval "+interval, nil)
		return
	}

	k := s.store.GetCurrentKline(symbol, interval)
	if k == nil {
		respondError(c, http.StatusNotFound, CodeDataNotAvailable,
			"volume not available", "no forming candle for "+symbol+" "+interval, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":      symbol,
		"interval":    interval,
		"open_time":   k.OpenTime,
		"volume":      k.Volume,
		"buy_volume":  k.TakerBuyVolume,
		"sell_volume": k.TakerSellVolume(),
	})
}

func (s *Server) handleWSMarkPrice(c *gin.Context) {
	symbol := upperParam(c, "symbol")
	if !s.store.HasSymbol(symbol) {
		symbolNotFound(c, symbol)
		return
	}

	mp := s.store.GetMarkPrice(symbol)
	if mp == nil {
		respondError(c, http.StatusNotFound, CodeDataNotAvailable,
			"mark price not available", "no mark price received yet for "+symbol, nil)
		return
	}
	c.JSON(http.StatusOK, mp)
}

func (s *Server) handleWSLiquidations(c *gin.Context) {
	symbol := upperParam(c, "symbol")
	if !s.store.HasSymbol(symbol) {
		symbolNotFound(c, symbol)
		return
	}

	limit, ok := intParam(c, "limit", 100, maxTradeLimit)
	if !ok {
		return
	}

	liqs := s.store.GetLiquidations(symbol, 0, limit)
	setDataCount(c, len(liqs))
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "count": len(liqs), "liquidations": liqs})
}
