package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ResponseCache is an optional Redis-backed cache for serialized API
// responses. When Redis is disabled or unreachable every lookup is a miss
// and the server keeps running on in-memory data alone.
type ResponseCache struct {
	client  *redis.Client
	enabled bool

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// Options configure the Redis connection.
type Options struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// New connects to Redis when enabled. Connection failure degrades to a
// disabled cache rather than failing startup.
func New(ctx context.Context, opts Options) *ResponseCache {
	if !opts.Enabled {
		return &ResponseCache{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", opts.Address).
			Msg("redis unreachable, response cache disabled")
		client.Close()
		return &ResponseCache{}
	}

	log.Info().Str("addr", opts.Address).Msg("response cache connected")
	return &ResponseCache{client: client, enabled: true}
}

// Enabled reports whether the cache is live.
func (c *ResponseCache) Enabled() bool {
	return c.enabled
}

// Get returns the cached payload for key, or ok=false on miss or error.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if !c.enabled {
		return nil, false
	}

	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, false
	}
	if err != nil {
		c.errors.Add(1)
		log.Debug().Err(err).Str("key", key).Msg("cache get failed")
		return nil, false
	}
	c.hits.Add(1)
	return val, true
}

// Set stores the payload with a TTL. Errors are logged, never surfaced.
func (c *ResponseCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	if !c.enabled {
		return
	}
	if err := c.client.Set(ctx, key, val, ttl).Err(); err != nil {
		c.errors.Add(1)
		log.Debug().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// Invalidate removes keys matching the pattern, used when a symbol is
// untracked.
func (c *ResponseCache) Invalidate(ctx context.Context, pattern string) {
	if !c.enabled {
		return
	}

	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.errors.Add(1)
		}
	}
	if err := iter.Err(); err != nil {
		c.errors.Add(1)
		log.Debug().Err(err).Str("pattern", pattern).Msg("cache invalidate failed")
	}
}

// Close shuts the Redis connection down.
func (c *ResponseCache) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Stats returns hit counters for the stats endpoint.
func (c *ResponseCache) Stats() map[string]interface{} {
	return map[string]interface{}{
		"enabled": c.enabled,
		"hits":    c.hits.Load(),
		"misses":  c.misses.Load(),
		"errors":  c.errors.Load(),
	}
}
