package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const maxInboundMessageSize = 4096

// maxConsecutiveDrops is how many fan-out messages a full-buffered client
// may lose in a row before it is treated as a slow consumer and destroyed.
const maxConsecutiveDrops = 8

// clientMessage is the inbound control protocol. Single-symbol form is the
// documented one; a symbols array is accepted for batch subscribes.
type clientMessage struct {
	Type    string   `json:"type"`
	Symbol  string   `json:"symbol,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

func (m *clientMessage) symbolList() []string {
	if m.Symbol != "" {
		return append([]string{m.Symbol}, m.Symbols...)
	}
	return m.Symbols
}

// Client is one terminal WebSocket session. The write pump is the sole
// writer on the connection; everything outbound goes through the bounded
// send channel.
type Client struct {
	ID  string
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	// symbols is maintained under the hub lock alongside the fan-out index
	symbols map[string]struct{}

	// consecutive fan-out drops; reset on any successful enqueue
	drops atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection and starts its pumps. The caller
// hands the connection over entirely.
func NewClient(h *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		ID:      uuid.NewString()[:8],
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.opts.ClientBufferSize),
		symbols: make(map[string]struct{}),
		closed:  make(chan struct{}),
	}

	h.register(c)
	c.sendFrame(Frame{Type: "connected", Data: map[string]string{"clientId": c.ID}})

	go c.writePump()
	go c.readPump()
	return c
}

// enqueue attempts a non-blocking send. False means the buffer was full and
// the client has now exceeded its consecutive-drop allowance.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.closed:
		return true // already closing, not a slow consumer
	default:
	}
	select {
	case c.send <- payload:
		c.drops.Store(0)
		return true
	default:
		return c.drops.Add(1) <= maxConsecutiveDrops
	}
}

func (c *Client) sendFrame(f Frame) {
	f.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("client", c.ID).Msg("frame marshal failed")
		return
	}
	c.enqueue(payload)
}

// Close tears the session down exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.hub.unregister(c)
		c.conn.Close()
	})
}

// readPump consumes control messages until the connection dies. It also
// arms the pong deadline the write pump's pings depend on.
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxInboundMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.ID).Msg("client read error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Invalid JSON is dropped, not answered.
			log.Debug().Str("client", c.ID).Msg("dropping invalid client message")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		symbols := c.hub.subscribe(c, msg.symbolList())
		c.sendFrame(Frame{Type: "subscribed", Data: map[string]interface{}{"symbols": symbols}})

	case "unsubscribe":
		symbols := c.hub.unsubscribe(c, msg.symbolList())
		c.sendFrame(Frame{Type: "unsubscribed", Data: map[string]interface{}{"symbols": symbols}})

	case "ping":
		c.sendFrame(Frame{Type: "pong"})

	case "getStats":
		c.sendFrame(Frame{Type: "stats", Data: c.hub.Stats()})

	default:
		c.sendFrame(Frame{Type: "error", Data: map[string]string{
			"message": "unknown message type: " + msg.Type,
		}})
	}
}

// writePump drains the send channel and keeps the heartbeat going.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}
