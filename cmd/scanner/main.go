package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/perpflow/scanner/internal/api"
	"github.com/perpflow/scanner/internal/broadcast"
	"github.com/perpflow/scanner/internal/config"
	"github.com/perpflow/scanner/internal/exchange"
	"github.com/perpflow/scanner/internal/manip"
	"github.com/perpflow/scanner/internal/metrics"
	"github.com/perpflow/scanner/internal/rules"
	"github.com/perpflow/scanner/internal/scanner"
	signalbus "github.com/perpflow/scanner/internal/signal"
	"github.com/perpflow/scanner/internal/store"

	goredis "github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.ResolveSecrets(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve secrets")
	}

	// Market data source.
	var src exchange.MarketDataSource
	switch cfg.Scan.Exchange {
	case "mock":
		src = exchange.NewMockSource()
	default:
		src = exchange.NewBinanceSource(cfg.Adapter.APIKey, cfg.Adapter.SecretKey)
	}
	adapter := exchange.NewAdapter(src, exchange.AdapterConfig{
		Timeout:         cfg.AdapterTimeout(),
		MaxFailures:     cfg.Adapter.MaxFailures,
		Cooldown:        time.Duration(cfg.Adapter.CooldownSec) * time.Second,
		Concurrency:     int64(cfg.Scan.Concurrency),
		MarketsCacheTTL: time.Duration(cfg.Adapter.MarketsCacheTTLSec) * time.Second,
		RateLimit:       rate.Limit(cfg.Adapter.RateLimitPerSec),
	}, logger)
	defer adapter.Close()

	// Optional persistence.
	var db *store.Postgres
	if cfg.Store.DatabaseURL != "" {
		db, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to postgres")
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure schema")
		}
	}
	var cache *store.Cache
	if cfg.Store.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		cache = store.NewCache(client, time.Duration(cfg.Store.CacheTTLSec)*time.Second, logger)
		defer cache.Close()
	}

	// Rules engine and signal delivery.
	engine := rules.NewEngine(logger)
	if cfg.Rules.File != "" {
		if _, err := engine.LoadFile(cfg.Rules.File); err != nil {
			log.Fatal().Err(err).Str("path", cfg.Rules.File).Msg("Failed to load rules file")
		}
	}
	var sinks []signalbus.Sink
	if !cfg.Signals.DisableDelivery {
		if cfg.Signals.NATSUrl != "" {
			natsSink, err := signalbus.NewNATSSink(cfg.Signals.NATSUrl, cfg.Signals.PubsubChannel)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to connect signal NATS sink")
			}
			defer natsSink.Close()
			sinks = append(sinks, natsSink)
		}
		if cfg.Signals.WebhookURL != "" {
			sinks = append(sinks, signalbus.NewWebhookSink(cfg.Signals.WebhookURL,
				time.Duration(cfg.Signals.WebhookTimeout)*time.Second))
		}
		if cfg.Signals.TelegramToken != "" {
			tg, err := signalbus.NewTelegramSink(cfg.Signals.TelegramToken, cfg.Signals.TelegramChatID)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create telegram sink")
			}
			sinks = append(sinks, tg)
		}
	}
	signalBus := signalbus.NewBus(logger, sinks...)
	defer signalBus.Close()

	bus := broadcast.New(logger)
	defer bus.Close()

	scan := scanner.New(cfg, scanner.Deps{
		Adapter:  adapter,
		Detector: manip.NewDetector(cfg.Scan.NotionalTest, logger),
		Bus:      bus,
		Rules:    engine,
		Signals:  signalBus,
		DB:       db,
		Cache:    cache,
	}, logger)

	apiServer := api.NewServer(api.Config{
		Host:           cfg.API.Host,
		Port:           cfg.API.Port,
		AdminToken:     cfg.API.AdminToken,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, scan, bus, engine, cache, logger)
	apiServer.Start()

	var metricsServer *metrics.Server
	if cfg.API.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.API.MetricsPort, logger)
		if err := metricsServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start metrics server")
		}
	}

	// Blocks until the context is cancelled by a signal.
	if err := scan.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Scanner stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	log.Info().Msg("Scanner shut down")
}
