package config

import (
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.ServerConfig.Port != 8080 {
		t.Errorf("default port = %d", cfg.ServerConfig.Port)
	}
	if cfg.StoreConfig.LiquidationTTL != 48*time.Hour {
		t.Errorf("liquidation TTL = %v", cfg.StoreConfig.LiquidationTTL)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.ServerConfig.Port = 0 }},
		{"port too high", func(c *Config) { c.ServerConfig.Port = 70000 }},
		{"no db host", func(c *Config) { c.DatabaseConfig.Host = "" }},
		{"no db name", func(c *Config) { c.DatabaseConfig.Database = "" }},
		{"zero trade ring", func(c *Config) { c.StoreConfig.TradeRingSize = 0 }},
		{"zero hub buffer", func(c *Config) { c.HubConfig.ClientBufferSize = 0 }},
		{"zero backfill rate", func(c *Config) { c.BackfillConfig.RequestsPerMinute = 0 }},
		{"lowercase symbol", func(c *Config) { c.BinanceConfig.Symbols = []string{"btcusdt"} }},
	}

	for _, tc := range cases {
		cfg := defaults()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("TRACKED_SYMBOLS", "dogeusdt, xrpusdt")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BACKFILL_REQUEST_TIMEOUT", "30s")

	cfg := defaults()
	applyEnvOverrides(cfg)

	if cfg.ServerConfig.Port != 9999 {
		t.Errorf("port = %d", cfg.ServerConfig.Port)
	}
	want := []string{"DOGEUSDT", "XRPUSDT"}
	if len(cfg.BinanceConfig.Symbols) != 2 {
		t.Fatalf("symbols = %v", cfg.BinanceConfig.Symbols)
	}
	for i, s := range want {
		if cfg.BinanceConfig.Symbols[i] != s {
			t.Errorf("symbol %d = %s, want %s", i, cfg.BinanceConfig.Symbols[i], s)
		}
	}
	if cfg.LoggingConfig.Level != "debug" {
		t.Errorf("log level = %s", cfg.LoggingConfig.Level)
	}
	if cfg.BackfillConfig.RequestTimeout != 30*time.Second {
		t.Errorf("request timeout = %v", cfg.BackfillConfig.RequestTimeout)
	}
}

func TestEnvOverrideBadIntIgnored(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")

	cfg := defaults()
	applyEnvOverrides(cfg)
	if cfg.ServerConfig.Port != 8080 {
		t.Errorf("bad int override applied: %d", cfg.ServerConfig.Port)
	}
}
