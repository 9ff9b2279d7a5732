package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"market-data-server/internal/models"
)

// Sink receives parsed upstream events. The market store implements this;
// calls arrive from the single stream reader goroutine.
type Sink interface {
	ApplyTicker(t models.PriceTick)
	ApplyDepth(d models.DepthSnapshot)
	ApplyTrade(t models.Trade)
	ApplyKline(k models.Kline)
	ApplyMarkPrice(m models.MarkPrice)
	ApplyLiquidation(l models.Liquidation)
}

// StreamState is the connection lifecycle state.
type StreamState int32

const (
	StateIdle StreamState = iota
	StateDialing
	StateConnected
	StateSubscribing
	StateStreaming
	StateReconnecting
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Reconnect backoff bounds. Jitter is ±20% so restarted instances don't
// hammer upstream in sync.
const (
	backoffMin = time.Second
	backoffMax = 60 * time.Second
)

// Parse-error budget: this many bad messages inside the window forces a
// reconnect on the assumption the connection is corrupted.
const (
	parseErrorLimit  = 5
	parseErrorWindow = 10 * time.Second
)

// A silent link longer than the heartbeat window means the upstream is
// gone: ticker and markPrice frames arrive every few seconds on any
// tracked symbol, so 30s of silence is a dead connection.
const (
	streamReadTimeout  = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
)

// klineIntervals are the intervals subscribed per symbol.
var klineIntervals = []string{"1m", "5m", "15m"}

// Stream maintains the combined-stream WebSocket connection to Binance
// futures and feeds parsed events into the sink. One reader goroutine owns
// the connection; subscribe/unsubscribe requests are sent from callers under
// the write mutex.
type Stream struct {
	wsURL string
	sink  Sink
	log   zerolog.Logger

	mu      sync.Mutex
	symbols map[string]struct{}
	conn    *websocket.Conn

	state atomic.Int32
	subID atomic.Int64

	dedup     *liquidationDedup
	parseErrs *errorBudget

	messagesTotal   atomic.Int64
	parseErrorTotal atomic.Int64
	reconnectTotal  atomic.Int64
	dedupDropTotal  atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream creates an upstream stream for the initial symbol set. Symbols
// are uppercased internally; stream names use lowercase per the protocol.
func NewStream(wsURL string, symbols []string, sink Sink) *Stream {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[strings.ToUpper(s)] = struct{}{}
	}
	return &Stream{
		wsURL:     wsURL,
		sink:      sink,
		log:       log.With().Str("component", "binance_stream").Logger(),
		symbols:   set,
		dedup:     newLiquidationDedup(time.Minute),
		parseErrs: newErrorBudget(parseErrorLimit, parseErrorWindow),
		done:      make(chan struct{}),
	}
}

// Start launches the connection loop. It returns immediately.
func (s *Stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop tears down the connection and waits for the loop to exit.
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	return StreamState(s.state.Load())
}

// Symbols returns the currently subscribed symbol set, sorted by map order.
func (s *Stream) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	return out
}

// MessagesTotal returns the number of frames received since start.
func (s *Stream) MessagesTotal() int64 { return s.messagesTotal.Load() }

// ReconnectsTotal returns the number of reconnects since start.
func (s *Stream) ReconnectsTotal() int64 { return s.reconnectTotal.Load() }

// ParseErrorsTotal returns the number of unparseable frames since start.
func (s *Stream) ParseErrorsTotal() int64 { return s.parseErrorTotal.Load() }

// Stats returns counters for the stats endpoint.
func (s *Stream) Stats() map[string]interface{} {
	return map[string]interface{}{
		"state":          s.State().String(),
		"symbols":        len(s.Symbols()),
		"messages_total": s.messagesTotal.Load(),
		"parse_errors":   s.parseErrorTotal.Load(),
		"reconnects":     s.reconnectTotal.Load(),
		"dedup_drops":    s.dedupDropTotal.Load(),
	}
}

// AddSymbol subscribes the symbol's streams on the live connection. When the
// connection is down the new symbol is picked up on the next (re)connect.
func (s *Stream) AddSymbol(symbol string) error {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.symbols[symbol]; ok {
		return nil
	}
	s.symbols[symbol] = struct{}{}

	if s.conn == nil || !s.subscribedState() {
		return nil
	}
	return s.sendSubscribeLocked("SUBSCRIBE", symbolStreams(symbol))
}

// RemoveSymbol unsubscribes the symbol's streams.
func (s *Stream) RemoveSymbol(symbol string) error {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.symbols[symbol]; !ok {
		return nil
	}
	delete(s.symbols, symbol)

	if s.conn == nil || !s.subscribedState() {
		return nil
	}
	return s.sendSubscribeLocked("UNSUBSCRIBE", symbolStreams(symbol))
}

// subscribedState reports whether the connection has an active
// subscription to extend or shrink incrementally.
func (s *Stream) subscribedState() bool {
	st := s.State()
	return st == StateSubscribing || st == StateStreaming
}

// run is the connect/read/reconnect loop.
func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer s.state.Store(int32(StateIdle))

	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		s.state.Store(int32(StateReconnecting))
		s.reconnectTotal.Add(1)

		// ±20% jitter
		jitter := time.Duration(float64(backoff) * (0.8 + 0.4*rand.Float64()))
		s.log.Warn().Err(err).Dur("backoff", jitter).Msg("stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}

		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// connectAndRead dials, subscribes and pumps messages until the connection
// fails. A nil-free return always means an error worth reconnecting over.
func (s *Stream) connectAndRead(ctx context.Context) error {
	s.state.Store(int32(StateDialing))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL+"/stream", nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	s.state.Store(int32(StateConnected))

	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	s.mu.Lock()
	s.conn = conn
	streams := s.allStreamsLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	s.state.Store(int32(StateSubscribing))
	s.mu.Lock()
	err = s.sendSubscribeLocked("SUBSCRIBE", streams)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Streaming is not declared yet: handleMessage flips the state on the
	// first market frame, once upstream actually delivers data.
	s.parseErrs.reset()
	s.log.Info().Int("streams", len(streams)).Msg("subscribe sent, waiting for first frame")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.messagesTotal.Add(1)

		if err := s.handleMessage(msg); err != nil {
			s.parseErrorTotal.Add(1)
			s.log.Warn().Err(err).Msg("stream message parse error")
			if s.parseErrs.exceeded() {
				return fmt.Errorf("parse error budget exceeded: %w", err)
			}
		}
	}
}

// sendSubscribeLocked sends a SUBSCRIBE/UNSUBSCRIBE control message. Caller
// holds s.mu.
func (s *Stream) sendSubscribeLocked(method string, streams []string) error {
	if len(streams) == 0 {
		return nil
	}
	msg := map[string]interface{}{
		"method": method,
		"params": streams,
		"id":     s.subID.Add(1),
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(msg)
}

// allStreamsLocked builds the full stream list for the current symbol set
// plus the global liquidation feed. Caller holds s.mu.
func (s *Stream) allStreamsLocked() []string {
	streams := make([]string, 0, len(s.symbols)*7+1)
	for sym := range s.symbols {
		streams = append(streams, symbolStreams(sym)...)
	}
	streams = append(streams, "!forceOrder@arr")
	return streams
}

func symbolStreams(symbol string) []string {
	ls := strings.ToLower(symbol)
	streams := []string{
		ls + "@ticker",
		ls + "@depth20@100ms",
		ls + "@aggTrade",
		ls + "@markPrice",
		ls + "@forceOrder",
	}
	for _, iv := range klineIntervals {
		streams = append(streams, ls+"@kline_"+iv)
	}
	return streams
}

// handleMessage routes one raw frame. Control acks (subscribe responses)
// have no stream field and are ignored; the first market frame confirms
// the subscription.
func (s *Stream) handleMessage(raw []byte) error {
	var env CombinedStreamEvent
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("envelope: %w", err)
	}
	if env.Stream == "" {
		return nil
	}
	s.state.CompareAndSwap(int32(StateSubscribing), int32(StateStreaming))

	switch {
	case strings.HasSuffix(env.Stream, "@ticker"):
		return s.handleTicker(env.Data)
	case strings.Contains(env.Stream, "@depth"):
		return s.handleDepth(env.Data)
	case strings.HasSuffix(env.Stream, "@aggTrade"):
		return s.handleAggTrade(env.Data)
	case strings.Contains(env.Stream, "@kline_"):
		return s.handleKline(env.Data)
	case strings.HasSuffix(env.Stream, "@markPrice"):
		return s.handleMarkPrice(env.Data)
	case strings.HasSuffix(env.Stream, "@forceOrder"), env.Stream == "!forceOrder@arr":
		return s.handleForceOrder(env.Data)
	default:
		// Unknown stream kinds are not parse errors.
		return nil
	}
}

func (s *Stream) handleTicker(data json.RawMessage) error {
	var ev TickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("ticker: %w", err)
	}

	last, ok1 := parseFloat(ev.LastPrice)
	change, ok2 := parseFloat(ev.PriceChange)
	pct, ok3 := parseFloat(ev.PriceChgPct)
	vol, ok4 := parseFloat(ev.Volume)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return fmt.Errorf("ticker: bad numeric fields for %s", ev.Symbol)
	}

	s.sink.ApplyTicker(models.PriceTick{
		Symbol:       ev.Symbol,
		LastPrice:    last,
		Change24h:    change,
		ChangePct24h: pct,
		Volume24h:    vol,
		EventTime:    ev.EventTime,
	})
	return nil
}

func (s *Stream) handleDepth(data json.RawMessage) error {
	var ev DepthEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("depth: %w", err)
	}

	bids, err := parseLevels(ev.Bids)
	if err != nil {
		return fmt.Errorf("depth bids %s: %w", ev.Symbol, err)
	}
	asks, err := parseLevels(ev.Asks)
	if err != nil {
		return fmt.Errorf("depth asks %s: %w", ev.Symbol, err)
	}

	s.sink.ApplyDepth(models.DepthSnapshot{
		Symbol:        ev.Symbol,
		Bids:          bids,
		Asks:          asks,
		FirstUpdateID: ev.FirstUpdateID,
		FinalUpdateID: ev.FinalUpdateID,
		EventTime:     ev.EventTime,
	})
	return nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level with %d fields", len(pair))
		}
		price, ok1 := parseFloat(pair[0])
		qty, ok2 := parseFloat(pair[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("bad level %v", pair)
		}
		// Zero-quantity levels are removals in diff streams; the partial
		// book stream should not contain them but drop defensively.
		if qty == 0 {
			continue
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func (s *Stream) handleAggTrade(data json.RawMessage) error {
	var ev AggTradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("aggTrade: %w", err)
	}

	price, ok1 := parseFloat(ev.Price)
	qty, ok2 := parseFloat(ev.Quantity)
	if !ok1 || !ok2 {
		return fmt.Errorf("aggTrade: bad numeric fields for %s", ev.Symbol)
	}

	s.sink.ApplyTrade(models.Trade{
		Symbol:       ev.Symbol,
		Price:        price,
		Quantity:     qty,
		IsBuyerMaker: ev.IsBuyerMaker,
		TradeTime:    ev.TradeTime,
	})
	return nil
}

func (s *Stream) handleKline(data json.RawMessage) error {
	var ev KlineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("kline: %w", err)
	}
	k := ev.Kline

	open, ok1 := parseFloat(k.Open)
	high, ok2 := parseFloat(k.High)
	low, ok3 := parseFloat(k.Low)
	cls, ok4 := parseFloat(k.Close)
	vol, ok5 := parseFloat(k.Volume)
	tbv, ok6 := parseFloat(k.TakerBuyVolume)
	qv, ok7 := parseFloat(k.QuoteVolume)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 || !ok7 {
		return fmt.Errorf("kline: bad numeric fields for %s %s", ev.Symbol, k.Interval)
	}

	s.sink.ApplyKline(models.Kline{
		Symbol:         ev.Symbol,
		Interval:       k.Interval,
		OpenTime:       k.OpenTime,
		CloseTime:      k.CloseTime,
		Open:           open,
		High:           high,
		Low:            low,
		Close:          cls,
		Volume:         vol,
		TakerBuyVolume: tbv,
		QuoteVolume:    qv,
		TradeCount:     k.TradeCount,
		IsClosed:       k.IsClosed,
	})
	return nil
}

func (s *Stream) handleMarkPrice(data json.RawMessage) error {
	var ev MarkPriceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("markPrice: %w", err)
	}

	mark, ok1 := parseFloat(ev.MarkPrice)
	index, ok2 := parseFloat(ev.IndexPrice)
	funding, ok3 := parseFloat(ev.FundingRate)
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("markPrice: bad numeric fields for %s", ev.Symbol)
	}
	settle, _ := parseFloat(ev.EstimatedSettle)

	s.sink.ApplyMarkPrice(models.MarkPrice{
		Symbol:          ev.Symbol,
		MarkPrice:       mark,
		IndexPrice:      index,
		EstimatedSettle: settle,
		FundingRate:     funding,
		NextFundingTime: ev.NextFundingTime,
		EventTime:       ev.EventTime,
	})
	return nil
}

// handleForceOrder deduplicates liquidations that arrive on both the
// per-symbol stream and the global !forceOrder@arr feed.
func (s *Stream) handleForceOrder(data json.RawMessage) error {
	var ev ForceOrderEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("forceOrder: %w", err)
	}
	o := ev.Order

	orderPrice, ok1 := parseFloat(o.Price)
	avgPrice, ok2 := parseFloat(o.AvgPrice)
	qty, ok3 := parseFloat(o.Quantity)
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("forceOrder: bad numeric fields for %s", o.Symbol)
	}

	if !s.dedup.seen(o.TradeTime, avgPrice, qty) {
		s.dedupDropTotal.Add(1)
		return nil
	}

	// Only symbols we track; the global feed covers the whole exchange.
	s.mu.Lock()
	_, tracked := s.symbols[o.Symbol]
	s.mu.Unlock()
	if !tracked {
		return nil
	}

	s.sink.ApplyLiquidation(models.Liquidation{
		Symbol:     o.Symbol,
		Side:       o.Side,
		OrderPrice: orderPrice,
		AvgPrice:   avgPrice,
		Quantity:   qty,
		Status:     o.OrderStatus,
		TradeTime:  o.TradeTime,
		EventTime:  ev.EventTime,
	})
	return nil
}

// liquidationDedup remembers recently seen liquidations by
// (tradeTime, price rounded to 0.01, quantity rounded to 0.0001).
type liquidationDedup struct {
	mu     sync.Mutex
	ttl    time.Duration
	seenAt map[string]time.Time
}

func newLiquidationDedup(ttl time.Duration) *liquidationDedup {
	return &liquidationDedup{
		ttl:    ttl,
		seenAt: make(map[string]time.Time),
	}
}

// seen records the event and reports true for first sightings.
func (d *liquidationDedup) seen(tradeTime int64, price, qty float64) bool {
	key := fmt.Sprintf("%d|%.2f|%.4f", tradeTime, price, qty)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if at, ok := d.seenAt[key]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.seenAt[key] = now

	if len(d.seenAt) > 4096 {
		for k, at := range d.seenAt {
			if now.Sub(at) >= d.ttl {
				delete(d.seenAt, k)
			}
		}
	}
	return true
}

// errorBudget counts events inside a sliding window.
type errorBudget struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time
}

func newErrorBudget(limit int, window time.Duration) *errorBudget {
	return &errorBudget{limit: limit, window: window}
}

// exceeded records one event and reports whether the budget is blown.
func (b *errorBudget) exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-b.window)
	kept := b.times[:0]
	for _, t := range b.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.times = append(kept, now)
	return len(b.times) >= b.limit
}

func (b *errorBudget) reset() {
	b.mu.Lock()
	b.times = b.times[:0]
	b.mu.Unlock()
}
