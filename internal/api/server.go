package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"market-data-server/config"
	"market-data-server/internal/aggregation"
	"market-data-server/internal/binance"
	"market-data-server/internal/cache"
	"market-data-server/internal/candles"
	"market-data-server/internal/database"
	"market-data-server/internal/events"
	"market-data-server/internal/hub"
	"market-data-server/internal/metrics"
	"market-data-server/internal/store"
)

// Deps are the services the API serves from.
type Deps struct {
	Config    *config.Config
	DB        *database.DB
	Store     *store.MarketStore
	Stream    *binance.Stream
	CandleSvc *candles.Service
	AggSvc    *aggregation.Service
	Hub       *hub.Hub
	Repo      *candles.Repository
	RespCache *cache.ResponseCache
	Limiter   *binance.RateLimiter
	Collector *candles.Collector
	Metrics   *metrics.Metrics
	BinClient *binance.Client
	Bus       *events.Bus
}

// Server is the HTTP/WS front of the market-data backbone.
type Server struct {
	cfg     *config.Config
	engine  *gin.Engine
	httpSrv *http.Server

	db        *database.DB
	store     *store.MarketStore
	stream    *binance.Stream
	candleSvc *candles.Service
	aggSvc    *aggregation.Service
	hub       *hub.Hub
	repo      *candles.Repository
	respCache *cache.ResponseCache
	limiter   *binance.RateLimiter
	collector *candles.Collector
	metrics   *metrics.Metrics
	binClient *binance.Client
	bus       *events.Bus

	upgrader  websocket.Upgrader
	accepting atomic.Bool
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(deps Deps) *Server {
	if deps.Config.ServerConfig.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       deps.Config,
		db:        deps.DB,
		store:     deps.Store,
		stream:    deps.Stream,
		candleSvc: deps.CandleSvc,
		aggSvc:    deps.AggSvc,
		hub:       deps.Hub,
		repo:      deps.Repo,
		respCache: deps.RespCache,
		limiter:   deps.Limiter,
		collector: deps.Collector,
		metrics:   deps.Metrics,
		binClient: deps.BinClient,
		bus:       deps.Bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer; the terminal
			// runs on arbitrary hosts.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.accepting.Store(true)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(responseTime(deps.Metrics))

	corsConfig := cors.DefaultConfig()
	if len(deps.Config.ServerConfig.AllowedOrigins) == 1 && deps.Config.ServerConfig.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = deps.Config.ServerConfig.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	engine.Use(cors.New(corsConfig))

	s.engine = engine
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}),
	))

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)

		v1.GET("/symbols", s.handleListSymbols)
		v1.GET("/symbols/:symbol", s.handleGetSymbol)
		v1.POST("/symbols", s.handleAddSymbol)
		v1.DELETE("/symbols/:symbol", s.handleRemoveSymbol)

		v1.GET("/candles/:symbol", s.handleGetCandles)
		v1.GET("/candles/:symbol/raw", s.handleCandlesRaw)
		v1.GET("/candles/:symbol/latest", s.handleLatestCandle)
		v1.GET("/candles/:symbol/range", s.handleCandleRange)
		v1.GET("/candles/:symbol/metrics", s.handleCandleMetrics)

		agg := v1.Group("/aggregation")
		{
			agg.GET("/candles/:symbol/:interval", s.handleAggCandles)
			agg.GET("/volume-profile/:symbol", s.handleVolumeProfile)
			agg.GET("/footprint/:symbol/:interval", s.handleFootprint)
			agg.GET("/liquidations/:symbol", s.handleAggLiquidations)
			agg.GET("/heatmap/:symbol", s.handleHeatmap)
			agg.POST("/multi", s.handleAggMulti)
			agg.GET("/stats", s.handleAggStats)
		}

		ws := v1.Group("/websocket")
		{
			ws.GET("/stats", s.handleWSStats)
			ws.GET("/price/:symbol", s.handleWSPrice)
			ws.GET("/depth/:symbol", s.handleWSDepth)
			ws.GET("/trades/:symbol", s.handleWSTrades)
			ws.GET("/kline/:symbol/:interval", s.handleWSKline)
			ws.GET("/volume/:symbol", s.handleWSVolume)
			ws.GET("/markprice/:symbol", s.handleWSMarkPrice)
			ws.GET("/liquidations/:symbol", s.handleWSLiquidations)
			ws.POST("/symbols/:symbol", s.handleTrackSymbol)
			ws.GET("/connect", s.handleWSConnect)
		}
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ServerConfig.Host, s.cfg.ServerConfig.Port)
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown refuses new upgrades, then drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.accepting.Store(false)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
