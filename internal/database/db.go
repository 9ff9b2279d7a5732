package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a connection pool and verifies connectivity.
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Info().Msg("database connection closed")
	}
}

// Ping checks database reachability, used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations creates the schema. Statements are idempotent so restarts
// are safe.
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS symbols (
			symbol VARCHAR(20) PRIMARY KEY,
			base_asset VARCHAR(10) NOT NULL,
			quote_asset VARCHAR(10) NOT NULL,
			tick_size DECIMAL(20, 8) NOT NULL DEFAULT 0,
			added_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`ALTER TABLE symbols ADD COLUMN IF NOT EXISTS tick_size DECIMAL(20, 8) NOT NULL DEFAULT 0`,

		`CREATE TABLE IF NOT EXISTS candles (
			symbol VARCHAR(20) NOT NULL,
			interval VARCHAR(5) NOT NULL,
			open_time BIGINT NOT NULL,
			close_time BIGINT NOT NULL,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(30, 8) NOT NULL,
			quote_volume DECIMAL(30, 8) NOT NULL DEFAULT 0,
			trade_count INTEGER NOT NULL DEFAULT 0,
			taker_buy_volume DECIMAL(30, 8) NOT NULL DEFAULT 0,
			taker_buy_quote_volume DECIMAL(30, 8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (symbol, interval, open_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_symbol_interval ON candles(symbol, interval, open_time DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	// TimescaleDB is optional. When the extension exists, converting the
	// candles table to a hypertable speeds up range scans; on plain
	// Postgres the call fails and we carry on.
	if _, err := db.Pool.Exec(ctx,
		`SELECT create_hypertable('candles', 'open_time',
			chunk_time_interval => 604800000, if_not_exists => TRUE)`,
	); err != nil {
		log.Debug().Err(err).Msg("hypertable not created, continuing on plain PostgreSQL")
	}

	log.Info().Msg("database migrations completed")
	return nil
}
