package aggregation

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	computeCacheShards = 16
	// DefaultComputeTTL keeps derivations hot for repeated chart pans
	// without serving stale windows.
	DefaultComputeTTL = 5 * time.Second
)

// computeEntry is either in flight (ready open) or resolved (ready closed).
type computeEntry struct {
	ready   chan struct{}
	value   interface{}
	err     error
	expires time.Time
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]*computeEntry
}

// ComputeCache memoizes derivation results by key with a short TTL and an
// at-most-one-compute guarantee: concurrent callers for the same key share
// the in-flight computation instead of duplicating it.
type ComputeCache struct {
	shards [computeCacheShards]cacheShard
	ttl    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	shared atomic.Int64
}

// NewComputeCache creates a cache with the given TTL.
func NewComputeCache(ttl time.Duration) *ComputeCache {
	if ttl <= 0 {
		ttl = DefaultComputeTTL
	}
	c := &ComputeCache{ttl: ttl}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*computeEntry)
	}
	return c
}

func (c *ComputeCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%computeCacheShards]
}

// Do returns the cached value for key, waits on an in-flight computation,
// or runs compute itself. Errors are never cached.
func (c *ComputeCache) Do(ctx context.Context, key string, compute func() (interface{}, error)) (interface{}, error) {
	shard := c.shard(key)

	shard.mu.Lock()
	if e, ok := shard.entries[key]; ok {
		select {
		case <-e.ready:
			// Resolved: serve unless expired.
			if e.err == nil && time.Now().Before(e.expires) {
				shard.mu.Unlock()
				c.hits.Add(1)
				return e.value, nil
			}
			delete(shard.entries, key)
		default:
			// In flight: wait for the owner.
			shard.mu.Unlock()
			c.shared.Add(1)
			select {
			case <-e.ready:
				return e.value, e.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	e := &computeEntry{ready: make(chan struct{})}
	shard.entries[key] = e
	shard.mu.Unlock()

	c.misses.Add(1)
	e.value, e.err = compute()
	e.expires = time.Now().Add(c.ttl)
	close(e.ready)

	if e.err != nil {
		shard.mu.Lock()
		if shard.entries[key] == e {
			delete(shard.entries, key)
		}
		shard.mu.Unlock()
	}
	return e.value, e.err
}

// Prune drops expired entries; called periodically by the service.
func (c *ComputeCache) Prune() {
	now := time.Now()
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		for key, e := range shard.entries {
			select {
			case <-e.ready:
				if now.After(e.expires) {
					delete(shard.entries, key)
				}
			default:
			}
		}
		shard.mu.Unlock()
	}
}

// Stats returns cache counters for the stats endpoint.
func (c *ComputeCache) Stats() map[string]interface{} {
	var size int
	for i := range c.shards {
		c.shards[i].mu.Lock()
		size += len(c.shards[i].entries)
		c.shards[i].mu.Unlock()
	}
	return map[string]interface{}{
		"entries": size,
		"hits":    c.hits.Load(),
		"misses":  c.misses.Load(),
		"shared":  c.shared.Load(),
		"ttl_ms":  c.ttl.Milliseconds(),
	}
}
