package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"aggro-trading-bot/config"
	"aggro-trading-bot/internal/bot"
	"aggro-trading-bot/internal/emergency"
	"aggro-trading-bot/internal/gateway"
	"aggro-trading-bot/internal/logging"
	"aggro-trading-bot/internal/metrics"
	"aggro-trading-bot/internal/notification"
	"aggro-trading-bot/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.json", "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LoggingConfig.Level, cfg.LoggingConfig.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: Postgres when configured, in-process otherwise, with an
	// optional Redis cache in front.
	var store storage.Store
	if cfg.StorageConfig.PostgresDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.StorageConfig.PostgresDSN, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres unavailable")
		}
		store = pg
	} else {
		logger.Warn().Msg("no postgres configured, state will not survive restarts")
		store = storage.NewMemoryStore()
	}
	if cfg.StorageConfig.RedisAddr != "" {
		cached, err := storage.NewCachedStore(ctx, store, cfg.StorageConfig.RedisAddr, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without cache")
		} else {
			store = cached
		}
	}
	defer store.Close()

	registry := emergency.NewRegistry(cfg.EmergencyConfig.TriggerTTL, cfg.EmergencyConfig.AlertWindow, logger)
	if cfg.NotificationConfig.Enabled {
		registry.SetNotifier(notification.NewWebhookNotifier(cfg.NotificationConfig.WebhookURL, logger))
	}

	met, promRegistry := metrics.New()
	if cfg.MetricsConfig.Enabled {
		go metrics.Serve(ctx, cfg.MetricsConfig.Addr, promRegistry, logger)
	}

	var gw gateway.Gateway
	switch cfg.Mode {
	case config.ModeSimula:
		logger.Info().Msg("running against simulated venue")
		gw = gateway.NewMockGateway()
	default:
		client := gateway.NewBinanceClient(cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey, cfg.BinanceConfig.BaseURL, logger)
		stream := gateway.NewTickerStream(cfg.BinanceConfig.StreamURL, cfg.Symbols, client, logger)
		go stream.Run(ctx)
		gw = client
	}

	bot.New(ctx, cfg, gw, store, registry, met, logger).Run(ctx)
}
