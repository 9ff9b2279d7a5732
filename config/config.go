package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full server configuration. Values come from an optional
// JSON file and are overridden by environment variables.
type Config struct {
	ServerConfig   ServerConfig   `json:"server"`
	BinanceConfig  BinanceConfig  `json:"binance"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	StoreConfig    StoreConfig    `json:"store"`
	HubConfig      HubConfig      `json:"hub"`
	BackfillConfig BackfillConfig `json:"backfill"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ProductionMode bool     `json:"production_mode"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// BinanceConfig holds upstream endpoints and the initial symbol set. All
// stream kinds are served from the futures endpoints.
type BinanceConfig struct {
	FuturesRESTURL string   `json:"futures_rest_url"`
	FuturesWSURL   string   `json:"futures_ws_url"`
	Symbols        []string `json:"symbols"`
}

// DatabaseConfig holds the Postgres/TimescaleDB connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the optional response-cache settings. The server runs
// degraded (in-memory only) when Redis is disabled or unreachable.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// StoreConfig bounds the in-memory histories.
type StoreConfig struct {
	TradeRingSize       int           `json:"trade_ring_size"`
	LiquidationRingSize int           `json:"liquidation_ring_size"`
	LiquidationTTL      time.Duration `json:"liquidation_ttl"`
	ClosedKlinesKept    int           `json:"closed_klines_kept"`
}

// HubConfig bounds client sessions.
type HubConfig struct {
	ClientBufferSize int           `json:"client_buffer_size"`
	PingInterval     time.Duration `json:"ping_interval"`
	PongTimeout      time.Duration `json:"pong_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
}

// BackfillConfig bounds historical candle fetching.
type BackfillConfig struct {
	MaxConcurrent     int           `json:"max_concurrent"`
	RequestsPerMinute int           `json:"requests_per_minute"`
	RequestTimeout    time.Duration `json:"request_timeout"`
	WorkerCount       int           `json:"worker_count"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// Load reads the config file named by CONFIG_FILE (default config.json, if
// present) and applies environment overrides on top of defaults.
func Load() (*Config, error) {
	cfg := defaults()

	path := getEnvOrDefault("CONFIG_FILE", "config.json")
	if _, err := os.Stat(path); err == nil {
		fileCfg, err := loadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerConfig.Port)
	}
	if c.DatabaseConfig.Host == "" || c.DatabaseConfig.Database == "" {
		return fmt.Errorf("database host and name are required")
	}
	if c.StoreConfig.TradeRingSize <= 0 || c.StoreConfig.LiquidationRingSize <= 0 {
		return fmt.Errorf("store ring sizes must be positive")
	}
	if c.HubConfig.ClientBufferSize <= 0 {
		return fmt.Errorf("hub client buffer size must be positive")
	}
	if c.BackfillConfig.MaxConcurrent <= 0 || c.BackfillConfig.RequestsPerMinute <= 0 {
		return fmt.Errorf("backfill concurrency and rate limits must be positive")
	}
	for _, s := range c.BinanceConfig.Symbols {
		if s != strings.ToUpper(s) {
			return fmt.Errorf("symbols must be uppercase: %s", s)
		}
	}
	return nil
}

func defaults() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ProductionMode: false,
			AllowedOrigins: []string{"*"},
		},
		BinanceConfig: BinanceConfig{
			FuturesRESTURL: "https://fapi.binance.com",
			FuturesWSURL:   "wss://fstream.binance.com",
			Symbols:        []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "marketdata",
			Password: "marketdata",
			Database: "marketdata",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		StoreConfig: StoreConfig{
			TradeRingSize:       1000,
			LiquidationRingSize: 1000,
			LiquidationTTL:      48 * time.Hour,
			ClosedKlinesKept:    60,
		},
		HubConfig: HubConfig{
			ClientBufferSize: 256,
			PingInterval:     30 * time.Second,
			PongTimeout:      60 * time.Second,
			WriteTimeout:     10 * time.Second,
		},
		BackfillConfig: BackfillConfig{
			MaxConcurrent:     20,
			RequestsPerMinute: 1200,
			RequestTimeout:    10 * time.Second,
			WorkerCount:       8,
		},
		LoggingConfig: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("SERVER_PRODUCTION", boolStr(cfg.ServerConfig.ProductionMode)) == "true"

	cfg.BinanceConfig.FuturesRESTURL = getEnvOrDefault("BINANCE_FUTURES_REST_URL", cfg.BinanceConfig.FuturesRESTURL)
	cfg.BinanceConfig.FuturesWSURL = getEnvOrDefault("BINANCE_FUTURES_WS_URL", cfg.BinanceConfig.FuturesWSURL)
	if symbols := os.Getenv("TRACKED_SYMBOLS"); symbols != "" {
		parts := strings.Split(symbols, ",")
		for i := range parts {
			parts[i] = strings.ToUpper(strings.TrimSpace(parts[i]))
		}
		cfg.BinanceConfig.Symbols = parts
	}

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.StoreConfig.TradeRingSize = getEnvIntOrDefault("STORE_TRADE_RING", cfg.StoreConfig.TradeRingSize)
	cfg.StoreConfig.LiquidationRingSize = getEnvIntOrDefault("STORE_LIQUIDATION_RING", cfg.StoreConfig.LiquidationRingSize)
	cfg.StoreConfig.ClosedKlinesKept = getEnvIntOrDefault("STORE_CLOSED_KLINES", cfg.StoreConfig.ClosedKlinesKept)

	cfg.HubConfig.ClientBufferSize = getEnvIntOrDefault("HUB_CLIENT_BUFFER", cfg.HubConfig.ClientBufferSize)

	cfg.BackfillConfig.MaxConcurrent = getEnvIntOrDefault("BACKFILL_MAX_CONCURRENT", cfg.BackfillConfig.MaxConcurrent)
	cfg.BackfillConfig.RequestsPerMinute = getEnvIntOrDefault("BACKFILL_REQUESTS_PER_MINUTE", cfg.BackfillConfig.RequestsPerMinute)
	cfg.BackfillConfig.WorkerCount = getEnvIntOrDefault("BACKFILL_WORKERS", cfg.BackfillConfig.WorkerCount)
	cfg.BackfillConfig.RequestTimeout = getEnvDurationOrDefault("BACKFILL_REQUEST_TIMEOUT", cfg.BackfillConfig.RequestTimeout)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Pretty = getEnvOrDefault("LOG_PRETTY", boolStr(cfg.LoggingConfig.Pretty)) == "true"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := defaults()
	if err := json.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
