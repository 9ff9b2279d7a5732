package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"market-data-server/internal/events"
)

// Options bound client sessions.
type Options struct {
	ClientBufferSize int
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
}

// DefaultOptions size sessions for terminal clients on ordinary links.
func DefaultOptions() Options {
	return Options{
		ClientBufferSize: 256,
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Frame is the outbound message envelope.
type Frame struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Hub owns all client sessions and the symbol subscription index, and fans
// store change events out to subscribers. Producers never block: a client
// whose buffer is full is evicted.
type Hub struct {
	opts Options
	bus  *events.Bus

	mu sync.RWMutex
	// cross index: both maps updated together under mu
	clients    map[string]*Client
	symbolSubs map[string]map[string]*Client

	broadcastTotal atomic.Int64
	evictionsTotal atomic.Int64

	done chan struct{}
}

// New creates a hub consuming from the event bus.
func New(opts Options, bus *events.Bus) *Hub {
	if opts.ClientBufferSize <= 0 {
		opts = DefaultOptions()
	}
	return &Hub{
		opts:       opts,
		bus:        bus,
		clients:    make(map[string]*Client),
		symbolSubs: make(map[string]map[string]*Client),
		done:       make(chan struct{}),
	}
}

// Run consumes store events and fans them out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	id, ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(id)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(ev)
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// Wait blocks until Run has returned.
func (h *Hub) Wait() {
	<-h.done
}

// broadcast serializes the event once and enqueues it to every subscriber
// of the symbol.
func (h *Hub) broadcast(ev events.Event) {
	h.mu.RLock()
	subs := h.symbolSubs[ev.Symbol]
	if len(subs) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(subs))
	for _, c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(Frame{
		Type:      ev.Kind,
		Symbol:    ev.Symbol,
		Data:      ev.Payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Error().Err(err).Str("kind", ev.Kind).Msg("frame marshal failed")
		return
	}

	h.broadcastTotal.Add(1)
	for _, c := range targets {
		if !c.enqueue(payload) {
			// Slow consumer: evict rather than backpressure the store.
			h.evictionsTotal.Add(1)
			log.Warn().Str("client", c.ID).Msg("evicting slow consumer")
			c.Close()
		}
	}
}

// register adds a connected client.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	log.Debug().Str("client", c.ID).Msg("client connected")
}

// unregister removes the client and all its subscriptions.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	for symbol, subs := range h.symbolSubs {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.symbolSubs, symbol)
		}
	}
	h.mu.Unlock()
	log.Debug().Str("client", c.ID).Msg("client disconnected")
}

// subscribe adds the client to the symbols' fan-out sets and returns the
// normalized symbol list.
func (h *Hub) subscribe(c *Client, symbols []string) []string {
	normalized := make([]string, 0, len(symbols))

	h.mu.Lock()
	for _, s := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(s))
		if symbol == "" {
			continue
		}
		subs, ok := h.symbolSubs[symbol]
		if !ok {
			subs = make(map[string]*Client)
			h.symbolSubs[symbol] = subs
		}
		subs[c.ID] = c
		c.symbols[symbol] = struct{}{}
		normalized = append(normalized, symbol)
	}
	h.mu.Unlock()
	return normalized
}

// unsubscribe removes the client from the symbols' fan-out sets.
func (h *Hub) unsubscribe(c *Client, symbols []string) []string {
	normalized := make([]string, 0, len(symbols))

	h.mu.Lock()
	for _, s := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(s))
		if subs, ok := h.symbolSubs[symbol]; ok {
			delete(subs, c.ID)
			if len(subs) == 0 {
				delete(h.symbolSubs, symbol)
			}
		}
		delete(c.symbols, symbol)
		normalized = append(normalized, symbol)
	}
	h.mu.Unlock()
	return normalized
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastsTotal returns events fanned out to at least one subscriber.
func (h *Hub) BroadcastsTotal() int64 { return h.broadcastTotal.Load() }

// EvictionsTotal returns sessions destroyed as slow consumers.
func (h *Hub) EvictionsTotal() int64 { return h.evictionsTotal.Load() }

// Stats returns hub counters for the stats endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	clients := len(h.clients)
	perSymbol := make(map[string]int, len(h.symbolSubs))
	for symbol, subs := range h.symbolSubs {
		perSymbol[symbol] = len(subs)
	}
	h.mu.RUnlock()

	return map[string]interface{}{
		"clients":          clients,
		"subscriptions":    perSymbol,
		"broadcasts_total": h.broadcastTotal.Load(),
		"evictions_total":  h.evictionsTotal.Load(),
	}
}
