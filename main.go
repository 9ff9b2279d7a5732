package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"market-data-server/config"
	"market-data-server/internal/aggregation"
	"market-data-server/internal/api"
	"market-data-server/internal/binance"
	"market-data-server/internal/cache"
	"market-data-server/internal/candles"
	"market-data-server/internal/database"
	"market-data-server/internal/events"
	"market-data-server/internal/hub"
	"market-data-server/internal/metrics"
	"market-data-server/internal/models"
	"market-data-server/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("configuration invalid")
	}

	setupLogging(cfg.LoggingConfig)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Database is required; a dead DB at startup is fatal.
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := db.RunMigrations(rootCtx); err != nil {
		zlog.Fatal().Err(err).Msg("migrations failed")
	}

	m := metrics.New()
	bus := events.NewBus(cfg.HubConfig.ClientBufferSize)

	marketStore := store.New(store.Options{
		TradeRingSize:       cfg.StoreConfig.TradeRingSize,
		LiquidationRingSize: cfg.StoreConfig.LiquidationRingSize,
		LiquidationTTL:      cfg.StoreConfig.LiquidationTTL,
		ClosedKlinesKept:    cfg.StoreConfig.ClosedKlinesKept,
	}, bus)

	repo := candles.NewRepository(db)

	// Seed the symbol set: configured symbols plus anything persisted from
	// earlier runs.
	for _, symbol := range cfg.BinanceConfig.Symbols {
		marketStore.AddSymbol(models.SymbolInfo{Symbol: symbol, AddedAt: time.Now().UnixMilli()})
	}
	if persisted, err := repo.ListSymbols(rootCtx); err == nil {
		for _, info := range persisted {
			marketStore.AddSymbol(info)
			// Config-seeded symbols exist already; carry the persisted
			// tick size onto them.
			marketStore.SetTickSize(info.Symbol, info.TickSize)
		}
	} else {
		zlog.Warn().Err(err).Msg("loading persisted symbols failed")
	}

	limiter := binance.NewRateLimiter(cfg.BackfillConfig.RequestsPerMinute)
	binClient := binance.NewClient(cfg.BinanceConfig.FuturesRESTURL, cfg.BackfillConfig.RequestTimeout, limiter)

	candleSvc := candles.NewService(repo, binClient, marketStore, cfg.BackfillConfig.MaxConcurrent)

	respCache := cache.New(rootCtx, cache.Options{
		Enabled:  cfg.RedisConfig.Enabled,
		Address:  cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
		PoolSize: cfg.RedisConfig.PoolSize,
	})
	defer respCache.Close()

	computeCache := aggregation.NewComputeCache(aggregation.DefaultComputeTTL)
	aggSvc := aggregation.NewService(candleSvc, marketStore, computeCache)
	aggSvc.StartPruner(rootCtx)

	// Collector persists closed klines handed off by the store.
	collectorCtx, collectorCancel := context.WithCancel(context.Background())
	collector := candles.NewCollector(repo, marketStore.ClosedKlines())
	go collector.Run(collectorCtx)

	// Client hub fans store events out to terminal sessions.
	hubCtx, hubCancel := context.WithCancel(context.Background())
	clientHub := hub.New(hub.Options{
		ClientBufferSize: cfg.HubConfig.ClientBufferSize,
		PingInterval:     cfg.HubConfig.PingInterval,
		PongTimeout:      cfg.HubConfig.PongTimeout,
		WriteTimeout:     cfg.HubConfig.WriteTimeout,
	}, bus)
	go clientHub.Run(hubCtx)

	// Upstream ingest.
	streamCtx, streamCancel := context.WithCancel(context.Background())
	symbols := make([]string, 0)
	for _, info := range marketStore.Symbols() {
		symbols = append(symbols, info.Symbol)
	}
	stream := binance.NewStream(cfg.BinanceConfig.FuturesWSURL, symbols, marketStore)
	stream.Start(streamCtx)

	wireMetrics(m, stream, marketStore, clientHub, bus)

	// Warm persisted history in the background so first chart loads are
	// served from the database.
	go candleSvc.EnsureHistory(rootCtx, symbols, models.SupportedIntervals,
		cfg.StoreConfig.ClosedKlinesKept, cfg.BackfillConfig.WorkerCount)

	// Resolve exchange tick sizes for symbols that don't have one yet; the
	// footprint falls back to a default grid until then.
	go func() {
		for _, symbol := range symbols {
			if marketStore.TickSize(symbol) > 0 {
				continue
			}
			ex, err := binClient.GetExchangeInfo(rootCtx, symbol)
			if err != nil {
				zlog.Warn().Err(err).Str("symbol", symbol).Msg("exchange info fetch failed")
				continue
			}
			marketStore.SetTickSize(symbol, ex.TickSize())
			if err := repo.UpsertSymbol(rootCtx, ex.ToModel()); err != nil {
				zlog.Warn().Err(err).Str("symbol", symbol).Msg("symbol persist failed")
			}
		}
	}()

	server := api.NewServer(api.Deps{
		Config:    cfg,
		DB:        db,
		Store:     marketStore,
		Stream:    stream,
		CandleSvc: candleSvc,
		AggSvc:    aggSvc,
		Hub:       clientHub,
		Repo:      repo,
		RespCache: respCache,
		Limiter:   limiter,
		Collector: collector,
		Metrics:   m,
		BinClient: binClient,
		Bus:       bus,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		zlog.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		zlog.Error().Err(err).Msg("http server failed")
	}

	// Shutdown order: refuse new upgrades and drain HTTP, stop the
	// upstream ingest, close client sessions, then flush pending candle
	// writes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn().Err(err).Msg("http shutdown incomplete")
	}

	streamCancel()
	stopped := make(chan struct{})
	go func() { stream.Stop(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		zlog.Warn().Msg("upstream ingest did not stop in time")
	}

	hubCancel()
	clientHub.Wait()

	collectorCancel()
	collector.Wait()

	rootCancel()
	zlog.Info().Msg("shutdown complete")
}

func wireMetrics(m *metrics.Metrics, stream *binance.Stream, st *store.MarketStore, h *hub.Hub, bus *events.Bus) {
	m.Counter("upstream_messages_total", "Messages received on the upstream stream.",
		func() float64 { return float64(stream.MessagesTotal()) })
	m.Counter("upstream_reconnects_total", "Upstream stream reconnects.",
		func() float64 { return float64(stream.ReconnectsTotal()) })
	m.Counter("upstream_parse_errors_total", "Upstream frames that failed to parse.",
		func() float64 { return float64(stream.ParseErrorsTotal()) })

	m.Counter("store_writes_total", "Accepted writes into the market store.",
		func() float64 { return float64(st.WritesTotal()) })
	m.Counter("store_handoff_drops_total", "Closed klines dropped because the persistence buffer was full.",
		func() float64 { return float64(st.HandoffDropsTotal()) })

	m.Gauge("hub_clients", "Connected terminal WebSocket clients.",
		func() float64 { return float64(h.ClientCount()) })
	m.Counter("hub_broadcasts_total", "Events fanned out to at least one subscriber.",
		func() float64 { return float64(h.BroadcastsTotal()) })
	m.Counter("hub_evictions_total", "Clients evicted for falling behind.",
		func() float64 { return float64(h.EvictionsTotal()) })

	m.Counter("bus_events_published_total", "Store change events published.",
		func() float64 { return float64(bus.PublishedTotal()) })
	m.Counter("bus_events_dropped_total", "Per-subscriber deliveries lost to full buffers.",
		func() float64 { return float64(bus.DroppedTotal()) })
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if cfg.Pretty {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
