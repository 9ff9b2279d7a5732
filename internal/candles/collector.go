package candles

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"market-data-server/internal/models"
)

const (
	collectorBatchSize    = 100
	collectorFlushEvery   = 5 * time.Second
	collectorFlushTimeout = 10 * time.Second
)

// Collector drains the store's closed-kline hand-off channel into the
// database. Writes are batched; shutdown flushes whatever is buffered.
type Collector struct {
	repo *Repository
	src  <-chan models.Kline

	flushedTotal atomic.Int64
	flushErrors  atomic.Int64

	done chan struct{}
}

// NewCollector wires the collector to the hand-off channel.
func NewCollector(repo *Repository, src <-chan models.Kline) *Collector {
	return &Collector{
		repo: repo,
		src:  src,
		done: make(chan struct{}),
	}
}

// Run consumes klines until ctx is cancelled, then drains and flushes.
func (c *Collector) Run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(collectorFlushEvery)
	defer ticker.Stop()

	batch := make([]models.Candle, 0, collectorBatchSize)

	for {
		select {
		case k := <-c.src:
			batch = append(batch, models.KlineToCandle(k))
			if len(batch) >= collectorBatchSize {
				c.flush(ctx, &batch)
			}

		case <-ticker.C:
			c.flush(ctx, &batch)

		case <-ctx.Done():
			// Drain anything already handed off before the final flush.
			for {
				select {
				case k := <-c.src:
					batch = append(batch, models.KlineToCandle(k))
					continue
				default:
				}
				break
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), collectorFlushTimeout)
			c.flush(flushCtx, &batch)
			cancel()
			log.Info().Msg("candle collector stopped")
			return
		}
	}
}

// Wait blocks until Run has returned.
func (c *Collector) Wait() {
	<-c.done
}

func (c *Collector) flush(ctx context.Context, batch *[]models.Candle) {
	if len(*batch) == 0 {
		return
	}
	if err := c.repo.UpsertCandles(ctx, *batch); err != nil {
		c.flushErrors.Add(1)
		log.Error().Err(err).Int("candles", len(*batch)).Msg("candle flush failed")
		// Keep the batch; the next flush retries. Upserts make retries safe.
		if len(*batch) > 10*collectorBatchSize {
			*batch = (*batch)[len(*batch)-10*collectorBatchSize:]
		}
		return
	}
	c.flushedTotal.Add(int64(len(*batch)))
	*batch = (*batch)[:0]
}

// Stats returns collector counters for the stats endpoint.
func (c *Collector) Stats() map[string]interface{} {
	return map[string]interface{}{
		"flushed_total": c.flushedTotal.Load(),
		"flush_errors":  c.flushErrors.Load(),
	}
}
