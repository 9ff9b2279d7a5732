package candles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"market-data-server/internal/binance"
	"market-data-server/internal/models"
	"market-data-server/internal/store"
)

// ErrInvalidInterval is returned for intervals the server does not serve.
var ErrInvalidInterval = errors.New("invalid interval")

// timeRange is a half-open backfill range in Unix milliseconds.
type timeRange struct {
	start int64
	end   int64
}

// Service serves historical candles: database first, REST backfill for
// gaps, and the in-memory store for the still-forming candle.
type Service struct {
	repo   *Repository
	client *binance.Client
	store  *store.MarketStore

	// sem bounds concurrent REST backfills across all requests.
	sem chan struct{}

	backfillsTotal  atomic.Int64
	backfillCandles atomic.Int64
	gapsHealed      atomic.Int64
}

// NewService wires the candle service.
func NewService(repo *Repository, client *binance.Client, st *store.MarketStore, maxConcurrent int) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 20
	}
	return &Service{
		repo:   repo,
		client: client,
		store:  st,
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// GetCandles returns up to limit candles ascending by open time, ending at
// the forming candle when one exists. Gaps in the persisted history are
// healed from REST before answering.
func (s *Service) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.OptimizedCandle, error) {
	if !models.ValidInterval(interval) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	persisted, err := s.repo.GetCandles(ctx, symbol, interval, 0, 0, limit)
	if err != nil {
		return nil, err
	}

	if ranges := s.missingRanges(persisted, symbol, interval, limit); len(ranges) > 0 {
		if err := s.backfillRanges(ctx, symbol, interval, ranges); err != nil {
			// Serve what we have; partial history beats an error as long
			// as ordering holds.
			log.Warn().Err(err).Str("symbol", symbol).Str("interval", interval).
				Msg("backfill failed, serving partial history")
		} else {
			persisted, err = s.repo.GetCandles(ctx, symbol, interval, 0, 0, limit)
			if err != nil {
				return nil, err
			}
		}
	}

	merged := s.mergeLive(persisted, symbol, interval)

	if limit > 0 && len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}

	out := make([]models.OptimizedCandle, len(merged))
	for i := range merged {
		out[i] = merged[i]
	}
	return out, nil
}

// GetCandleRange returns persisted candles for an explicit time range,
// backfilling the range first when it has holes.
func (s *Service) GetCandleRange(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]models.OptimizedCandle, error) {
	if !models.ValidInterval(interval) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	persisted, err := s.repo.GetCandles(ctx, symbol, interval, startTime, endTime, limit)
	if err != nil {
		return nil, err
	}

	if ranges := missingInRange(persisted, interval, startTime, endTime); len(ranges) > 0 {
		if err := s.backfillRanges(ctx, symbol, interval, ranges); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Str("interval", interval).
				Msg("range backfill failed, serving partial history")
		} else {
			persisted, err = s.repo.GetCandles(ctx, symbol, interval, startTime, endTime, limit)
			if err != nil {
				return nil, err
			}
		}
	}

	out := make([]models.OptimizedCandle, len(persisted))
	for i := range persisted {
		out[i] = persisted[i].ToOptimized()
	}
	return out, nil
}

// missingRanges computes what REST must fill so the newest limit candles
// are complete: interior gaps, a short history, and a stale tail.
func (s *Service) missingRanges(persisted []models.Candle, symbol, interval string, limit int) []timeRange {
	ms := models.IntervalMs(interval)
	now := time.Now().UnixMilli()
	currentOpen := models.AlignToInterval(now, interval)

	if len(persisted) == 0 {
		start := currentOpen - int64(limit)*ms
		return []timeRange{{start: start, end: currentOpen - 1}}
	}

	var ranges []timeRange

	// Head: not enough history before the oldest persisted row.
	if len(persisted) < limit {
		need := int64(limit - len(persisted))
		oldest := persisted[0].OpenTime
		ranges = append(ranges, timeRange{start: oldest - need*ms, end: oldest - 1})
	}

	ranges = append(ranges, gapsWithin(persisted, interval)...)

	// Tail: persisted history stops before the last closed candle. The
	// forming candle itself comes from memory, not REST.
	newest := persisted[len(persisted)-1].OpenTime
	if currentOpen-newest > ms {
		ranges = append(ranges, timeRange{start: newest + ms, end: currentOpen - 1})
	}

	return ranges
}

// missingInRange computes what REST must fill so the explicit window
// [startTime, endTime] is complete: an empty window, a truncated head or
// tail, and interior gaps. The still-forming candle is never part of it.
func missingInRange(persisted []models.Candle, interval string, startTime, endTime int64) []timeRange {
	ms := models.IntervalMs(interval)
	currentOpen := models.AlignToInterval(time.Now().UnixMilli(), interval)

	end := endTime
	if end >= currentOpen {
		end = currentOpen - 1
	}
	// First open time fully inside the window.
	start := models.AlignToInterval(startTime, interval)
	if start < startTime {
		start += ms
	}
	if start > end {
		return nil
	}

	if len(persisted) == 0 {
		return []timeRange{{start: start, end: end}}
	}

	var ranges []timeRange
	if oldest := persisted[0].OpenTime; oldest > start {
		ranges = append(ranges, timeRange{start: start, end: oldest - 1})
	}
	ranges = append(ranges, gapsWithin(persisted, interval)...)
	if newest := persisted[len(persisted)-1].OpenTime; models.AlignToInterval(end, interval) > newest {
		ranges = append(ranges, timeRange{start: newest + ms, end: end})
	}
	return ranges
}

// gapsWithin finds interior holes: consecutive rows more than twice the
// interval apart.
func gapsWithin(persisted []models.Candle, interval string) []timeRange {
	ms := models.IntervalMs(interval)
	var ranges []timeRange
	for i := 1; i < len(persisted); i++ {
		prev, cur := persisted[i-1].OpenTime, persisted[i].OpenTime
		if cur-prev > 2*ms {
			ranges = append(ranges, timeRange{start: prev + ms, end: cur - 1})
		}
	}
	return ranges
}

// backfillRanges fetches and persists the ranges concurrently, bounded by
// the shared semaphore. The first error wins; the other ranges still land.
func (s *Service) backfillRanges(ctx context.Context, symbol, interval string, ranges []timeRange) error {
	if len(ranges) == 1 {
		return s.backfillRange(ctx, symbol, interval, ranges[0])
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, r := range ranges {
		wg.Add(1)
		go func(r timeRange) {
			defer wg.Done()
			if err := s.backfillRange(ctx, symbol, interval, r); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()
	return firstErr
}

func (s *Service) backfillRange(ctx context.Context, symbol, interval string, r timeRange) error {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	s.backfillsTotal.Add(1)
	ms := models.IntervalMs(interval)

	start := r.start
	for start <= r.end {
		klines, err := s.client.GetKlines(ctx, symbol, interval, start, r.end, 0)
		if err != nil {
			return err
		}
		if len(klines) == 0 {
			break
		}

		batch := make([]models.Candle, 0, len(klines))
		currentOpen := models.AlignToInterval(time.Now().UnixMilli(), interval)
		for _, k := range klines {
			// Never persist the still-forming candle.
			if k.OpenTime >= currentOpen {
				continue
			}
			batch = append(batch, models.Candle{
				Symbol:              symbol,
				Interval:            interval,
				OpenTime:            k.OpenTime,
				CloseTime:           k.CloseTime,
				Open:                k.Open,
				High:                k.High,
				Low:                 k.Low,
				Close:               k.Close,
				Volume:              k.Volume,
				QuoteVolume:         k.QuoteVolume,
				TradeCount:          k.TradeCount,
				TakerBuyVolume:      k.TakerBuyVolume,
				TakerBuyQuoteVolume: k.TakerBuyQuoteVolume,
			})
		}
		if err := s.repo.UpsertCandles(ctx, batch); err != nil {
			return err
		}
		s.backfillCandles.Add(int64(len(batch)))
		s.gapsHealed.Add(1)

		next := klines[len(klines)-1].OpenTime + ms
		if next <= start {
			break
		}
		start = next
	}

	log.Debug().Str("symbol", symbol).Str("interval", interval).
		Int64("start", r.start).Int64("end", r.end).Msg("backfilled range")
	return nil
}

// mergeLive appends in-memory klines newer than the persisted tail. For an
// open time present on both sides the persisted row wins, except the
// forming candle which always comes from memory.
func (s *Service) mergeLive(persisted []models.Candle, symbol, interval string) []models.OptimizedCandle {
	out := make([]models.OptimizedCandle, 0, len(persisted)+2)
	for i := range persisted {
		out = append(out, persisted[i].ToOptimized())
	}

	var lastPersisted int64
	if len(persisted) > 0 {
		lastPersisted = persisted[len(persisted)-1].OpenTime
	}

	for _, k := range s.store.GetKlines(symbol, interval, 0) {
		switch {
		case k.OpenTime > lastPersisted:
			out = append(out, models.KlineToOptimized(k))
		case !k.IsClosed && k.OpenTime == lastPersisted && len(out) > 0:
			out[len(out)-1] = models.KlineToOptimized(k)
		}
	}
	return out
}

// EnsureHistory warms the persisted history for all symbol/interval pairs
// at startup using a worker pool.
func (s *Service) EnsureHistory(ctx context.Context, symbols, intervals []string, depth, workers int) {
	if workers <= 0 {
		workers = 4
	}

	type job struct{ symbol, interval string }
	jobs := make(chan job)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if _, err := s.GetCandles(ctx, j.symbol, j.interval, depth); err != nil {
					log.Warn().Err(err).Str("symbol", j.symbol).Str("interval", j.interval).
						Msg("history warmup failed")
				}
			}
		}()
	}

	for _, sym := range symbols {
		for _, iv := range intervals {
			select {
			case jobs <- job{symbol: sym, interval: iv}:
			case <-ctx.Done():
				close(jobs)
				wg.Wait()
				return
			}
		}
	}
	close(jobs)
	wg.Wait()
	log.Info().Int("symbols", len(symbols)).Int("intervals", len(intervals)).
		Msg("history warmup complete")
}

// Stats returns backfill counters for the stats endpoint.
func (s *Service) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backfills_total":  s.backfillsTotal.Load(),
		"backfill_candles": s.backfillCandles.Load(),
		"gaps_healed":      s.gapsHealed.Load(),
		"inflight":         len(s.sem),
	}
}
