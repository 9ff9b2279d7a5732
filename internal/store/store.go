package store

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"market-data-server/internal/events"
	"market-data-server/internal/models"
)

// Options bound the per-symbol histories.
type Options struct {
	TradeRingSize       int
	LiquidationRingSize int
	LiquidationTTL      time.Duration
	ClosedKlinesKept    int
	HandoffBuffer       int
}

// DefaultOptions are sized for a terminal backend tracking tens of symbols.
func DefaultOptions() Options {
	return Options{
		TradeRingSize:       1000,
		LiquidationRingSize: 1000,
		LiquidationTTL:      48 * time.Hour,
		ClosedKlinesKept:    60,
		HandoffBuffer:       1024,
	}
}

// klineSeries holds one symbol/interval: the mutable forming candle plus a
// bounded ascending history of closed candles.
type klineSeries struct {
	forming *models.Kline
	closed  []models.Kline
}

// symbolShard is all market state for one symbol, guarded by its own lock.
// There is a single writer (the upstream stream reader), so writes never
// contend with each other, only with readers.
type symbolShard struct {
	mu sync.RWMutex

	tick         *models.PriceTick
	depth        *models.DepthSnapshot
	markPrice    *models.MarkPrice
	trades       *ring[models.Trade]
	liquidations *ring[models.Liquidation]
	klines       map[string]*klineSeries
	info         models.SymbolInfo
}

// MarketStore is the in-memory hot state for all tracked symbols. It
// implements the upstream sink; every accepted write emits a lossy change
// event on the bus. Closed klines are additionally handed off to the
// persistence collector through a buffered channel.
type MarketStore struct {
	opts Options
	bus  *events.Bus

	mu     sync.RWMutex
	shards map[string]*symbolShard

	closedKlines chan models.Kline
	handoffDrops atomic.Int64

	writesTotal     atomic.Int64
	staleDepthDrops atomic.Int64
	dupKlineDrops   atomic.Int64
}

// New creates a store publishing change events on bus.
func New(opts Options, bus *events.Bus) *MarketStore {
	if opts.HandoffBuffer <= 0 {
		opts.HandoffBuffer = 1024
	}
	return &MarketStore{
		opts:         opts,
		bus:          bus,
		shards:       make(map[string]*symbolShard),
		closedKlines: make(chan models.Kline, opts.HandoffBuffer),
	}
}

// ClosedKlines is the hand-off channel for the persistence collector.
// Delivery is best effort; REST backfill heals any gap from a full buffer.
func (m *MarketStore) ClosedKlines() <-chan models.Kline {
	return m.closedKlines
}

// AddSymbol registers a symbol for tracking. Idempotent.
func (m *MarketStore) AddSymbol(info models.SymbolInfo) {
	symbol := strings.ToUpper(info.Symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shards[symbol]; ok {
		return
	}
	info.Symbol = symbol
	m.shards[symbol] = &symbolShard{
		trades:       newRing[models.Trade](m.opts.TradeRingSize),
		liquidations: newRing[models.Liquidation](m.opts.LiquidationRingSize),
		klines:       make(map[string]*klineSeries),
		info:         info,
	}
	log.Info().Str("symbol", symbol).Msg("tracking symbol")
}

// RemoveSymbol drops a symbol and all its state.
func (m *MarketStore) RemoveSymbol(symbol string) bool {
	symbol = strings.ToUpper(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shards[symbol]; !ok {
		return false
	}
	delete(m.shards, symbol)
	log.Info().Str("symbol", symbol).Msg("stopped tracking symbol")
	return true
}

// SetTickSize records the exchange tick size for a tracked symbol.
// Non-positive values and untracked symbols are ignored.
func (m *MarketStore) SetTickSize(symbol string, tick float64) {
	shard := m.shard(symbol)
	if shard == nil || tick <= 0 {
		return
	}
	shard.mu.Lock()
	shard.info.TickSize = tick
	shard.mu.Unlock()
}

// TickSize returns the symbol's exchange tick size, or 0 when unknown.
func (m *MarketStore) TickSize(symbol string) float64 {
	shard := m.shard(symbol)
	if shard == nil {
		return 0
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.info.TickSize
}

// HasSymbol reports whether the symbol is tracked.
func (m *MarketStore) HasSymbol(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.shards[strings.ToUpper(symbol)]
	return ok
}

// Symbols returns the tracked symbols, sorted.
func (m *MarketStore) Symbols() []models.SymbolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.SymbolInfo, 0, len(m.shards))
	for _, shard := range m.shards {
		shard.mu.RLock()
		out = append(out, shard.info)
		shard.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (m *MarketStore) shard(symbol string) *symbolShard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shards[strings.ToUpper(symbol)]
}

// ---- writes (upstream sink) ----

// ApplyTicker overwrites the latest 24h ticker state.
func (m *MarketStore) ApplyTicker(t models.PriceTick) {
	shard := m.shard(t.Symbol)
	if shard == nil {
		return
	}

	shard.mu.Lock()
	shard.tick = &t
	shard.mu.Unlock()

	m.writesTotal.Add(1)
	m.bus.Publish(events.Event{Kind: models.UpdatePrice, Symbol: t.Symbol, Payload: t})
}

// ApplyDepth replaces the book snapshot. Snapshots with a FinalUpdateID not
// beyond the current one are stale reorderings and dropped.
func (m *MarketStore) ApplyDepth(d models.DepthSnapshot) {
	shard := m.shard(d.Symbol)
	if shard == nil {
		return
	}

	shard.mu.Lock()
	if shard.depth != nil && d.FinalUpdateID <= shard.depth.FinalUpdateID {
		shard.mu.Unlock()
		m.staleDepthDrops.Add(1)
		return
	}
	shard.depth = &d
	shard.mu.Unlock()

	m.writesTotal.Add(1)
	m.bus.Publish(events.Event{Kind: models.UpdateDepth, Symbol: d.Symbol, Payload: d})
}

// ApplyTrade appends to the trade ring.
func (m *MarketStore) ApplyTrade(t models.Trade) {
	shard := m.shard(t.Symbol)
	if shard == nil {
		return
	}

	shard.mu.Lock()
	shard.trades.push(t)
	shard.mu.Unlock()

	m.writesTotal.Add(1)
	m.bus.Publish(events.Event{Kind: models.UpdateTrade, Symbol: t.Symbol, Payload: t})
}

// ApplyKline updates the forming candle or seals a closed one. Closed
// candles are applied idempotently: a repeat of an already-sealed open time
// neither mutates history nor triggers a second hand-off.
func (m *MarketStore) ApplyKline(k models.Kline) {
	shard := m.shard(k.Symbol)
	if shard == nil {
		return
	}

	shard.mu.Lock()
	series, ok := shard.klines[k.Interval]
	if !ok {
		series = &klineSeries{}
		shard.klines[k.Interval] = series
	}

	if !k.IsClosed {
		// A forming update for an open time we already sealed is a stale
		// replay; sealed candles are frozen.
		if n := len(series.closed); n > 0 && series.closed[n-1].OpenTime >= k.OpenTime {
			shard.mu.Unlock()
			m.dupKlineDrops.Add(1)
			return
		}
		series.forming = &k
		shard.mu.Unlock()

		m.writesTotal.Add(1)
		m.bus.Publish(events.Event{Kind: models.UpdateKline, Symbol: k.Symbol, Payload: k})
		return
	}

	if n := len(series.closed); n > 0 && series.closed[n-1].OpenTime >= k.OpenTime {
		shard.mu.Unlock()
		m.dupKlineDrops.Add(1)
		return
	}

	series.closed = append(series.closed, k)
	if len(series.closed) > m.opts.ClosedKlinesKept {
		series.closed = series.closed[len(series.closed)-m.opts.ClosedKlinesKept:]
	}
	if series.forming != nil && series.forming.OpenTime <= k.OpenTime {
		series.forming = nil
	}
	shard.mu.Unlock()

	// Hand off for persistence; never block the write path.
	select {
	case m.closedKlines <- k:
	default:
		m.handoffDrops.Add(1)
		log.Warn().Str("symbol", k.Symbol).Str("interval", k.Interval).
			Msg("closed kline hand-off buffer full, dropping")
	}

	m.writesTotal.Add(1)
	m.bus.Publish(events.Event{Kind: models.UpdateKline, Symbol: k.Symbol, Payload: k})
}

// ApplyMarkPrice overwrites the mark price state.
func (m *MarketStore) ApplyMarkPrice(mp models.MarkPrice) {
	shard := m.shard(mp.Symbol)
	if shard == nil {
		return
	}

	shard.mu.Lock()
	shard.markPrice = &mp
	shard.mu.Unlock()

	m.writesTotal.Add(1)
	m.bus.Publish(events.Event{Kind: models.UpdateMarkPrice, Symbol: mp.Symbol, Payload: mp})
}

// ApplyLiquidation appends to the liquidation ring.
func (m *MarketStore) ApplyLiquidation(l models.Liquidation) {
	shard := m.shard(l.Symbol)
	if shard == nil {
		return
	}

	shard.mu.Lock()
	shard.liquidations.push(l)
	shard.mu.Unlock()

	m.writesTotal.Add(1)
	m.bus.Publish(events.Event{Kind: models.UpdateLiquidation, Symbol: l.Symbol, Payload: l})
}

// ---- reads ----

// GetPrice returns the latest ticker state, or nil when none arrived yet.
func (m *MarketStore) GetPrice(symbol string) *models.PriceTick {
	shard := m.shard(symbol)
	if shard == nil {
		return nil
	}

	shard.mu.RLock()
	defer shard.mu.RUnlock()
	if shard.tick == nil {
		return nil
	}
	t := *shard.tick
	return &t
}

// GetDepth returns the latest book snapshot.
func (m *MarketStore) GetDepth(symbol string) *models.DepthSnapshot {
	shard := m.shard(symbol)
	if shard == nil {
		return nil
	}

	shard.mu.RLock()
	defer shard.mu.RUnlock()
	if shard.depth == nil {
		return nil
	}
	d := *shard.depth
	return &d
}

// GetMarkPrice returns the latest mark price state.
func (m *MarketStore) GetMarkPrice(symbol string) *models.MarkPrice {
	shard := m.shard(symbol)
	if shard == nil {
		return nil
	}

	shard.mu.RLock()
	defer shard.mu.RUnlock()
	if shard.markPrice == nil {
		return nil
	}
	mp := *shard.markPrice
	return &mp
}

// GetTrades returns up to limit recent trades, newest first.
func (m *MarketStore) GetTrades(symbol string, limit int) []models.Trade {
	shard := m.shard(symbol)
	if shard == nil {
		return nil
	}

	shard.mu.RLock()
	out := shard.trades.newest(limit)
	shard.mu.RUnlock()

	reverse(out)
	return out
}

// GetLiquidations returns up to limit liquidations with tradeTime >=
// sinceMs, newest first. Entries past the retention TTL are pruned on read.
func (m *MarketStore) GetLiquidations(symbol string, sinceMs int64, limit int) []models.Liquidation {
	shard := m.shard(symbol)
	if shard == nil {
		return nil
	}

	cutoff := time.Now().Add(-m.opts.LiquidationTTL).UnixMilli()

	shard.mu.Lock()
	shard.liquidations.filter(func(l models.Liquidation) bool {
		return l.TradeTime >= cutoff
	})
	all := shard.liquidations.newest(0)
	shard.mu.Unlock()

	matched := all[:0:0]
	for _, l := range all {
		if l.TradeTime >= sinceMs {
			matched = append(matched, l)
		}
	}
	reverse(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// GetKlines returns up to limit klines ascending by open time: the closed
// history followed by the forming candle when one exists.
func (m *MarketStore) GetKlines(symbol, interval string, limit int) []models.Kline {
	shard := m.shard(symbol)
	if shard == nil {
		return nil
	}

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	series, ok := shard.klines[interval]
	if !ok {
		return nil
	}

	total := len(series.closed)
	if series.forming != nil {
		total++
	}
	if limit <= 0 || limit > total {
		limit = total
	}

	out := make([]models.Kline, 0, limit)
	need := limit
	if series.forming != nil {
		need--
	}
	if need > 0 {
		out = append(out, series.closed[len(series.closed)-need:]...)
	}
	if series.forming != nil && limit > 0 {
		out = append(out, *series.forming)
	}
	return out
}

// GetCurrentKline returns the forming candle, or nil between candles.
func (m *MarketStore) GetCurrentKline(symbol, interval string) *models.Kline {
	shard := m.shard(symbol)
	if shard == nil {
		return nil
	}

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	series, ok := shard.klines[interval]
	if !ok || series.forming == nil {
		return nil
	}
	k := *series.forming
	return &k
}

// WritesTotal returns the number of accepted writes since start.
func (m *MarketStore) WritesTotal() int64 { return m.writesTotal.Load() }

// HandoffDropsTotal returns closed klines lost to a full hand-off buffer.
func (m *MarketStore) HandoffDropsTotal() int64 { return m.handoffDrops.Load() }

// Stats returns store counters for the stats endpoint.
func (m *MarketStore) Stats() map[string]interface{} {
	m.mu.RLock()
	symbols := len(m.shards)
	m.mu.RUnlock()

	return map[string]interface{}{
		"symbols":           symbols,
		"writes_total":      m.writesTotal.Load(),
		"stale_depth_drops": m.staleDepthDrops.Load(),
		"dup_kline_drops":   m.dupKlineDrops.Load(),
		"handoff_drops":     m.handoffDrops.Load(),
		"handoff_queued":    len(m.closedKlines),
	}
}
