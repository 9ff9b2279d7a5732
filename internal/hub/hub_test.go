package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"market-data-server/internal/events"
	"market-data-server/internal/models"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.PingInterval = time.Hour // keep heartbeats out of short tests
	return opts
}

// wsPair upgrades one connection through an httptest server and returns both
// ends. The server side is what the hub normally receives from the API layer.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConns := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn := <-serverConns:
		return serverConn, clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("server side never arrived")
		return nil, nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestClientSubscribeLifecycle(t *testing.T) {
	h := New(testOptions(), events.NewBus(16))
	serverConn, clientConn := wsPair(t)

	c := NewClient(h, serverConn)
	defer c.Close()

	if f := readFrame(t, clientConn); f.Type != "connected" {
		t.Fatalf("first frame type = %s, want connected", f.Type)
	}
	if h.ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", h.ClientCount())
	}

	// documented single-symbol form, lowercase on purpose
	if err := clientConn.WriteJSON(map[string]string{"type": "subscribe", "symbol": "btcusdt"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, clientConn)
	if f.Type != "subscribed" {
		t.Fatalf("frame type = %s, want subscribed", f.Type)
	}
	data, _ := f.Data.(map[string]interface{})
	symbols, _ := data["symbols"].([]interface{})
	if len(symbols) != 1 || symbols[0] != "BTCUSDT" {
		t.Errorf("subscribed symbols = %v, want [BTCUSDT]", symbols)
	}

	if err := clientConn.WriteJSON(map[string]string{"type": "unsubscribe", "symbol": "BTCUSDT"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, clientConn); f.Type != "unsubscribed" {
		t.Errorf("frame type = %s, want unsubscribed", f.Type)
	}

	if err := clientConn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, clientConn); f.Type != "pong" {
		t.Errorf("frame type = %s, want pong", f.Type)
	}

	if err := clientConn.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, clientConn); f.Type != "error" {
		t.Errorf("frame type = %s, want error", f.Type)
	}
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	bus := events.NewBus(16)
	h := New(testOptions(), bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	serverConn, clientConn := wsPair(t)
	c := NewClient(h, serverConn)
	defer c.Close()

	readFrame(t, clientConn) // connected
	clientConn.WriteJSON(map[string]string{"type": "subscribe", "symbol": "BTCUSDT"})
	readFrame(t, clientConn) // subscribed

	bus.Publish(events.Event{
		Kind:    models.UpdatePrice,
		Symbol:  "BTCUSDT",
		Payload: models.PriceTick{Symbol: "BTCUSDT", LastPrice: 43000.5},
	})

	f := readFrame(t, clientConn)
	if f.Type != models.UpdatePrice || f.Symbol != "BTCUSDT" {
		t.Fatalf("frame = %+v", f)
	}
	raw, _ := json.Marshal(f.Data)
	var tick models.PriceTick
	if err := json.Unmarshal(raw, &tick); err != nil || tick.LastPrice != 43000.5 {
		t.Errorf("payload = %s (%v)", raw, err)
	}
	if f.Timestamp == 0 {
		t.Error("frame timestamp missing")
	}
}

func TestBroadcastSkipsOtherSymbols(t *testing.T) {
	bus := events.NewBus(16)
	h := New(testOptions(), bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	serverConn, clientConn := wsPair(t)
	c := NewClient(h, serverConn)
	defer c.Close()

	readFrame(t, clientConn) // connected
	clientConn.WriteJSON(map[string]string{"type": "subscribe", "symbol": "BTCUSDT"})
	readFrame(t, clientConn) // subscribed

	bus.Publish(events.Event{Kind: models.UpdatePrice, Symbol: "ETHUSDT", Payload: models.PriceTick{}})
	bus.Publish(events.Event{Kind: models.UpdatePrice, Symbol: "BTCUSDT", Payload: models.PriceTick{LastPrice: 1}})

	// the first frame through must be the subscribed symbol's
	if f := readFrame(t, clientConn); f.Symbol != "BTCUSDT" {
		t.Errorf("leaked frame for %s", f.Symbol)
	}
}

func TestSlowConsumerEvicted(t *testing.T) {
	opts := testOptions()
	opts.ClientBufferSize = 1
	h := New(opts, events.NewBus(16))

	serverConn, _ := wsPair(t)

	// Pumpless client: nothing drains the send buffer, exactly like a stalled
	// consumer with a full TCP window.
	c := &Client{
		ID:      "stalled",
		hub:     h,
		conn:    serverConn,
		send:    make(chan []byte, opts.ClientBufferSize),
		symbols: make(map[string]struct{}),
		closed:  make(chan struct{}),
	}
	h.register(c)
	h.subscribe(c, []string{"BTCUSDT"})

	ev := events.Event{Kind: models.UpdatePrice, Symbol: "BTCUSDT", Payload: models.PriceTick{}}

	// one delivery fills the buffer, then the drop allowance burns down
	for i := 0; i < 1+maxConsecutiveDrops; i++ {
		h.broadcast(ev)
	}
	if h.EvictionsTotal() != 0 {
		t.Fatalf("evicted within the drop allowance (%d drops)", maxConsecutiveDrops)
	}

	h.broadcast(ev)
	if h.EvictionsTotal() != 1 {
		t.Fatalf("evictions = %d, want 1", h.EvictionsTotal())
	}
	if h.ClientCount() != 0 {
		t.Errorf("evicted client still registered")
	}
}

func TestEnqueueResetsDropsOnSuccess(t *testing.T) {
	c := &Client{
		ID:     "c",
		send:   make(chan []byte, 1),
		closed: make(chan struct{}),
	}

	payload := []byte("{}")
	if !c.enqueue(payload) {
		t.Fatal("first enqueue must succeed")
	}
	for i := 0; i < maxConsecutiveDrops; i++ {
		if !c.enqueue(payload) {
			t.Fatalf("drop %d still inside the allowance", i+1)
		}
	}

	// a successful delivery resets the streak
	<-c.send
	if !c.enqueue(payload) {
		t.Fatal("enqueue after drain must succeed")
	}
	for i := 0; i < maxConsecutiveDrops; i++ {
		if !c.enqueue(payload) {
			t.Fatalf("allowance not reset: drop %d failed", i+1)
		}
	}
	if c.enqueue(payload) {
		t.Error("drop past the allowance must report failure")
	}
}

// TestSubscriptionIndexConsistent drives the cross index with a random
// connect/subscribe/unsubscribe/disconnect sequence and checks both
// directions of the index agree afterwards.
func TestSubscriptionIndexConsistent(t *testing.T) {
	h := New(testOptions(), events.NewBus(16))
	rng := rand.New(rand.NewSource(1))

	universe := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"}
	live := make(map[string]*Client)
	pick := func() *Client {
		for _, c := range live {
			return c
		}
		return nil
	}

	for i := 0; i < 500; i++ {
		switch rng.Intn(4) {
		case 0:
			c := &Client{
				ID:      fmt.Sprintf("c%d", i),
				hub:     h,
				send:    make(chan []byte, 4),
				symbols: make(map[string]struct{}),
				closed:  make(chan struct{}),
			}
			h.register(c)
			live[c.ID] = c
		case 1:
			if c := pick(); c != nil {
				h.subscribe(c, []string{universe[rng.Intn(len(universe))]})
			}
		case 2:
			if c := pick(); c != nil {
				h.unsubscribe(c, []string{universe[rng.Intn(len(universe))]})
			}
		case 3:
			if c := pick(); c != nil {
				h.unregister(c)
				delete(live, c.ID)
			}
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for symbol, subs := range h.symbolSubs {
		if len(subs) == 0 {
			t.Errorf("empty subscriber set kept for %s", symbol)
		}
		for id, c := range subs {
			if _, ok := h.clients[id]; !ok {
				t.Errorf("%s subscriber %s is not a registered client", symbol, id)
			}
			if _, ok := c.symbols[symbol]; !ok {
				t.Errorf("index lists %s for %s but the client does not hold it", id, symbol)
			}
		}
	}
	for id, c := range h.clients {
		for symbol := range c.symbols {
			if _, ok := h.symbolSubs[symbol][id]; !ok {
				t.Errorf("client %s holds %s but the index does not list it", id, symbol)
			}
		}
	}
}

func TestUnregisterClearsSubscriptions(t *testing.T) {
	h := New(testOptions(), events.NewBus(16))

	c := &Client{
		ID:      "c1",
		hub:     h,
		send:    make(chan []byte, 4),
		symbols: make(map[string]struct{}),
		closed:  make(chan struct{}),
	}
	h.register(c)
	h.subscribe(c, []string{"BTCUSDT", "ethusdt", " "})

	stats := h.Stats()
	subs := stats["subscriptions"].(map[string]int)
	if len(subs) != 2 || subs["BTCUSDT"] != 1 || subs["ETHUSDT"] != 1 {
		t.Fatalf("subscriptions = %v", subs)
	}

	h.unregister(c)
	if subs := h.Stats()["subscriptions"].(map[string]int); len(subs) != 0 {
		t.Errorf("subscriptions survived unregister: %v", subs)
	}
}
