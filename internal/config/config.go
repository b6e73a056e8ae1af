package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Scan    ScanConfig    `mapstructure:"scan"`
	Adapter AdapterConfig `mapstructure:"adapter"`
	Filters FilterConfig  `mapstructure:"filters"`
	Scoring ScoringConfig `mapstructure:"scoring"`
	SLA     SLAConfig     `mapstructure:"sla"`
	API     APIConfig     `mapstructure:"api"`
	Signals SignalConfig  `mapstructure:"signals"`
	Rules   RulesConfig   `mapstructure:"rules"`
	Store   StoreConfig   `mapstructure:"store"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// ScanConfig contains scan-cycle settings
type ScanConfig struct {
	Exchange     string   `mapstructure:"exchange"` // "binance" or "mock"
	Symbols      []string `mapstructure:"symbols"`  // allow-list; empty = all active USDT perps
	IntervalSec  int      `mapstructure:"interval_sec"`
	Concurrency  int      `mapstructure:"concurrency"`
	TopByQvol    int      `mapstructure:"top_by_qvol"`
	TopNDefault  int      `mapstructure:"topn_default"`
	NotionalTest float64  `mapstructure:"notional_test"` // USDT notional used for slippage/vacuum probes
}

// AdapterConfig contains exchange-adapter settings
type AdapterConfig struct {
	TimeoutSec         int     `mapstructure:"timeout_sec"`
	MaxFailures        int     `mapstructure:"max_failures"`
	CooldownSec        int     `mapstructure:"cooldown_sec"`
	MarketsCacheTTLSec int     `mapstructure:"markets_cache_ttl_sec"`
	RateLimitPerSec    float64 `mapstructure:"rate_limit_per_sec"`
	APIKey             string  `mapstructure:"api_key"`
	SecretKey          string  `mapstructure:"secret_key"`
}

// FilterConfig contains hard ranking gates
type FilterConfig struct {
	MinQvolUSDT  float64 `mapstructure:"min_qvol_usdt"`
	MaxSpreadBps float64 `mapstructure:"max_spread_bps"`
}

// ScoringConfig contains scoring settings
type ScoringConfig struct {
	ProfileDefault string `mapstructure:"profile_default"` // scalp, swing, news
	IncludeCarry   bool   `mapstructure:"include_carry"`
}

// SLAConfig contains cycle-duration SLA thresholds
type SLAConfig struct {
	WarnMultiplier     float64 `mapstructure:"warn_multiplier"`
	CriticalMultiplier float64 `mapstructure:"critical_multiplier"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	MetricsPort    int    `mapstructure:"metrics_port"`
	AdminToken     string `mapstructure:"admin_token"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
}

// SignalConfig contains signal delivery settings
type SignalConfig struct {
	NATSUrl         string `mapstructure:"nats_url"`
	PubsubChannel   string `mapstructure:"pubsub_channel"`
	WebhookURL      string `mapstructure:"webhook_url"`
	TelegramToken   string `mapstructure:"telegram_token"`
	TelegramChatID  int64  `mapstructure:"telegram_chat_id"`
	WebhookTimeout  int    `mapstructure:"webhook_timeout_sec"`
	DisableDelivery bool   `mapstructure:"disable_delivery"` // evaluate rules but skip outbound calls
}

// RulesConfig contains rules-engine settings
type RulesConfig struct {
	File string `mapstructure:"file"` // optional YAML rule file
}

// StoreConfig contains persistence settings
type StoreConfig struct {
	DatabaseURL   string `mapstructure:"database_url"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	CacheTTLSec   int    `mapstructure:"cache_ttl_sec"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PERPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "perpflow-scanner")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("scan.exchange", "binance")
	v.SetDefault("scan.symbols", []string{})
	v.SetDefault("scan.interval_sec", 20)
	v.SetDefault("scan.concurrency", 8)
	v.SetDefault("scan.top_by_qvol", 80)
	v.SetDefault("scan.topn_default", 25)
	v.SetDefault("scan.notional_test", 25000.0)

	v.SetDefault("adapter.timeout_sec", 5)
	v.SetDefault("adapter.max_failures", 5)
	v.SetDefault("adapter.cooldown_sec", 45)
	v.SetDefault("adapter.markets_cache_ttl_sec", 900)
	v.SetDefault("adapter.rate_limit_per_sec", 15.0)

	v.SetDefault("filters.min_qvol_usdt", 25_000_000.0)
	v.SetDefault("filters.max_spread_bps", 12.0)

	v.SetDefault("scoring.profile_default", "scalp")
	v.SetDefault("scoring.include_carry", true)

	v.SetDefault("sla.warn_multiplier", 1.5)
	v.SetDefault("sla.critical_multiplier", 3.0)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8084)
	v.SetDefault("api.metrics_port", 9094)
	v.SetDefault("api.enable_metrics", true)
	v.SetDefault("api.allowed_origins", "*")

	v.SetDefault("signals.nats_url", "nats://localhost:4222")
	v.SetDefault("signals.pubsub_channel", "scanner.signals")
	v.SetDefault("signals.webhook_timeout_sec", 5)

	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.cache_ttl_sec", 120)
}

// Validate checks configuration invariants. A failure here is fatal at startup.
func (c *Config) Validate() error {
	if c.Scan.IntervalSec <= 0 {
		return fmt.Errorf("config: scan.interval_sec must be positive, got %d", c.Scan.IntervalSec)
	}
	if c.Scan.Concurrency <= 0 {
		return fmt.Errorf("config: scan.concurrency must be positive, got %d", c.Scan.Concurrency)
	}
	if c.Scan.TopByQvol <= 0 {
		return fmt.Errorf("config: scan.top_by_qvol must be positive, got %d", c.Scan.TopByQvol)
	}
	if c.Scan.TopNDefault <= 0 {
		return fmt.Errorf("config: scan.topn_default must be positive, got %d", c.Scan.TopNDefault)
	}
	if c.Scan.NotionalTest < 0 {
		return fmt.Errorf("config: scan.notional_test must not be negative, got %f", c.Scan.NotionalTest)
	}
	if c.Adapter.TimeoutSec <= 0 {
		return fmt.Errorf("config: adapter.timeout_sec must be positive, got %d", c.Adapter.TimeoutSec)
	}
	if c.Adapter.MaxFailures <= 0 {
		return fmt.Errorf("config: adapter.max_failures must be positive, got %d", c.Adapter.MaxFailures)
	}
	if c.Adapter.CooldownSec <= 0 {
		return fmt.Errorf("config: adapter.cooldown_sec must be positive, got %d", c.Adapter.CooldownSec)
	}
	if c.Filters.MinQvolUSDT < 0 {
		return fmt.Errorf("config: filters.min_qvol_usdt must not be negative, got %f", c.Filters.MinQvolUSDT)
	}
	if c.Filters.MaxSpreadBps <= 0 {
		return fmt.Errorf("config: filters.max_spread_bps must be positive, got %f", c.Filters.MaxSpreadBps)
	}
	switch c.Scoring.ProfileDefault {
	case "scalp", "swing", "news":
	default:
		return fmt.Errorf("config: unknown scoring profile %q", c.Scoring.ProfileDefault)
	}
	if c.SLA.WarnMultiplier <= 0 || c.SLA.CriticalMultiplier < c.SLA.WarnMultiplier {
		return fmt.Errorf("config: sla multipliers invalid (warn=%f critical=%f)",
			c.SLA.WarnMultiplier, c.SLA.CriticalMultiplier)
	}
	switch c.Scan.Exchange {
	case "binance", "mock":
	default:
		return fmt.Errorf("config: unsupported exchange %q", c.Scan.Exchange)
	}
	return nil
}

// ScanInterval returns the scan interval as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scan.IntervalSec) * time.Second
}

// AdapterTimeout returns the per-call adapter timeout as a duration.
func (c *Config) AdapterTimeout() time.Duration {
	return time.Duration(c.Adapter.TimeoutSec) * time.Second
}
