package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "perpflow-scanner", cfg.App.Name)
	assert.Equal(t, "binance", cfg.Scan.Exchange)
	assert.Equal(t, 20, cfg.Scan.IntervalSec)
	assert.Equal(t, 8, cfg.Scan.Concurrency)
	assert.Equal(t, 80, cfg.Scan.TopByQvol)
	assert.Equal(t, 25, cfg.Scan.TopNDefault)
	assert.Equal(t, 25_000_000.0, cfg.Filters.MinQvolUSDT)
	assert.Equal(t, 12.0, cfg.Filters.MaxSpreadBps)
	assert.Equal(t, "scalp", cfg.Scoring.ProfileDefault)
	assert.True(t, cfg.Scoring.IncludeCarry)
	assert.Equal(t, 1.5, cfg.SLA.WarnMultiplier)
	assert.Equal(t, 8084, cfg.API.Port)
	assert.Equal(t, 20*time.Second, cfg.ScanInterval())
	assert.Equal(t, 5*time.Second, cfg.AdapterTimeout())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scan:
  exchange: mock
  symbols: [BTCUSDT, ETHUSDT]
  interval_sec: 45
filters:
  min_qvol_usdt: 10000000
scoring:
  profile_default: swing
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.Scan.Exchange)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Scan.Symbols)
	assert.Equal(t, 45, cfg.Scan.IntervalSec)
	assert.Equal(t, 10_000_000.0, cfg.Filters.MinQvolUSDT)
	assert.Equal(t, "swing", cfg.Scoring.ProfileDefault)

	// Untouched keys keep their defaults.
	assert.Equal(t, 8, cfg.Scan.Concurrency)
	assert.Equal(t, 12.0, cfg.Filters.MaxSpreadBps)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PERPFLOW_SCAN_INTERVAL_SEC", "45")
	t.Setenv("PERPFLOW_SCORING_PROFILE_DEFAULT", "news")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Scan.IntervalSec)
	assert.Equal(t, "news", cfg.Scoring.ProfileDefault)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan:\n  interval_sec: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name  string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Scan.IntervalSec = 0 }},
		{"zero concurrency", func(c *Config) { c.Scan.Concurrency = 0 }},
		{"zero top_by_qvol", func(c *Config) { c.Scan.TopByQvol = 0 }},
		{"zero topn", func(c *Config) { c.Scan.TopNDefault = 0 }},
		{"negative notional", func(c *Config) { c.Scan.NotionalTest = -1 }},
		{"zero adapter timeout", func(c *Config) { c.Adapter.TimeoutSec = 0 }},
		{"zero max failures", func(c *Config) { c.Adapter.MaxFailures = 0 }},
		{"zero cooldown", func(c *Config) { c.Adapter.CooldownSec = 0 }},
		{"negative qvol gate", func(c *Config) { c.Filters.MinQvolUSDT = -1 }},
		{"zero spread gate", func(c *Config) { c.Filters.MaxSpreadBps = 0 }},
		{"unknown profile", func(c *Config) { c.Scoring.ProfileDefault = "yolo" }},
		{"critical below warn", func(c *Config) { c.SLA.CriticalMultiplier = 1; c.SLA.WarnMultiplier = 2 }},
		{"unknown exchange", func(c *Config) { c.Scan.Exchange = "mtgox" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
