package events

import (
	"sync"
	"sync/atomic"
)

// Event is a typed store change notification. Payload is the model value
// for the kind (PriceTick, DepthSnapshot, Trade, Kline, MarkPrice or
// Liquidation).
type Event struct {
	Kind    string
	Symbol  string
	Payload interface{}
}

// Bus fans store change events out to subscribers. Publishing never blocks:
// a subscriber with a full channel loses the event and the drop is counted.
// Store writes must never stall behind a slow consumer.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a bus; each subscriber gets a channel with the given
// buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber and returns its id and channel. The
// channel is closed on Unsubscribe.
func (b *Bus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber that has room.
func (b *Bus) Publish(ev Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishedTotal returns events published since start.
func (b *Bus) PublishedTotal() int64 { return b.published.Load() }

// DroppedTotal returns per-subscriber deliveries lost to full buffers.
func (b *Bus) DroppedTotal() int64 { return b.dropped.Load() }

// Stats returns delivery counters for the stats endpoint.
func (b *Bus) Stats() map[string]interface{} {
	b.mu.RLock()
	subs := len(b.subs)
	b.mu.RUnlock()

	return map[string]interface{}{
		"subscribers": subs,
		"published":   b.published.Load(),
		"dropped":     b.dropped.Load(),
	}
}
