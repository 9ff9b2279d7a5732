package candles

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"market-data-server/internal/database"
	"market-data-server/internal/models"
)

// Repository persists closed candles and tracked symbols in PostgreSQL.
type Repository struct {
	db *database.DB
}

// NewRepository wraps the database pool.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

const upsertCandleSQL = `
	INSERT INTO candles (
		symbol, interval, open_time, close_time,
		open, high, low, close,
		volume, quote_volume, trade_count,
		taker_buy_volume, taker_buy_quote_volume, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
		close_time = EXCLUDED.close_time,
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		quote_volume = EXCLUDED.quote_volume,
		trade_count = EXCLUDED.trade_count,
		taker_buy_volume = EXCLUDED.taker_buy_volume,
		taker_buy_quote_volume = EXCLUDED.taker_buy_quote_volume,
		updated_at = EXCLUDED.updated_at`

// UpsertCandles writes a batch of candles, replacing rows that already exist
// for the same (symbol, interval, open_time).
func (r *Repository) UpsertCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now()
	for _, c := range candles {
		batch.Queue(upsertCandleSQL,
			c.Symbol, c.Interval, c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close,
			c.Volume, c.QuoteVolume, c.TradeCount,
			c.TakerBuyVolume, c.TakerBuyQuoteVolume, now,
		)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range candles {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert candle batch: %w", err)
		}
	}
	return nil
}

// GetCandles returns candles for the range ascending by open time. Start
// and end are Unix milliseconds; zero means unbounded on that side. Limit
// caps the result to the newest rows of the range.
func (r *Repository) GetCandles(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]models.Candle, error) {
	// Newest-first with LIMIT, then reversed, so the cap keeps the most
	// recent rows of the range.
	query := `
		SELECT symbol, interval, open_time, close_time,
		       open, high, low, close,
		       volume, quote_volume, trade_count,
		       taker_buy_volume, taker_buy_quote_volume
		FROM candles
		WHERE symbol = $1 AND interval = $2
		  AND ($3::bigint = 0 OR open_time >= $3)
		  AND ($4::bigint = 0 OR open_time <= $4)
		ORDER BY open_time DESC
		LIMIT $5`

	if limit <= 0 {
		limit = 500
	}

	rows, err := r.db.Pool.Query(ctx, query, symbol, interval, startTime, endTime, limit)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(
			&c.Symbol, &c.Interval, &c.OpenTime, &c.CloseTime,
			&c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.QuoteVolume, &c.TradeCount,
			&c.TakerBuyVolume, &c.TakerBuyQuoteVolume,
		); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candles: %w", err)
	}

	// reverse to ascending
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// LatestOpenTime returns the newest persisted open time for the series, or
// 0 when the series is empty.
func (r *Repository) LatestOpenTime(ctx context.Context, symbol, interval string) (int64, error) {
	var openTime int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(open_time), 0) FROM candles WHERE symbol = $1 AND interval = $2`,
		symbol, interval,
	).Scan(&openTime)
	if err != nil {
		return 0, fmt.Errorf("latest open time: %w", err)
	}
	return openTime, nil
}

// CountCandles returns the number of persisted rows for the series.
func (r *Repository) CountCandles(ctx context.Context, symbol, interval string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM candles WHERE symbol = $1 AND interval = $2`,
		symbol, interval,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count candles: %w", err)
	}
	return count, nil
}

// UpsertSymbol records a tracked symbol. A resolved tick size replaces an
// unresolved one; a zero never overwrites a known value.
func (r *Repository) UpsertSymbol(ctx context.Context, info models.SymbolInfo) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO symbols (symbol, base_asset, quote_asset, tick_size)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (symbol) DO UPDATE SET tick_size = EXCLUDED.tick_size
		 WHERE EXCLUDED.tick_size > 0`,
		info.Symbol, info.BaseAsset, info.QuoteAsset, info.TickSize,
	)
	if err != nil {
		return fmt.Errorf("upsert symbol: %w", err)
	}
	return nil
}

// DeleteSymbol removes a tracked symbol. Candle history stays.
func (r *Repository) DeleteSymbol(ctx context.Context, symbol string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM symbols WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("delete symbol: %w", err)
	}
	return nil
}

// ListSymbols returns all persisted tracked symbols.
func (r *Repository) ListSymbols(ctx context.Context) ([]models.SymbolInfo, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT symbol, base_asset, quote_asset, tick_size,
		        (EXTRACT(EPOCH FROM added_at) * 1000)::bigint
		 FROM symbols ORDER BY symbol`,
	)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	defer rows.Close()

	var out []models.SymbolInfo
	for rows.Next() {
		var info models.SymbolInfo
		if err := rows.Scan(&info.Symbol, &info.BaseAsset, &info.QuoteAsset, &info.TickSize, &info.AddedAt); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
