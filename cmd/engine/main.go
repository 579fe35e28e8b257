package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhyunpark/liquidbook/params"
	"github.com/uhyunpark/liquidbook/pkg/api"
	"github.com/uhyunpark/liquidbook/pkg/app/engine"
	"github.com/uhyunpark/liquidbook/pkg/events"
	"github.com/uhyunpark/liquidbook/pkg/storage"
	"github.com/uhyunpark/liquidbook/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (console, plus a rotated file when LOG_FILE is set)
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Engine options ----
	opts := engine.DefaultOptions()
	opts.DriftEnabled = cfg.Engine.DriftEnabled
	opts.DriftInterval = cfg.Engine.DriftInterval
	opts.LiquidationInterval = cfg.Engine.LiquidationInterval
	opts.LiquidationThreshold = cfg.Engine.LiquidationThreshold
	if cfg.Engine.SeedPricesFile != "" {
		seeds, err := params.LoadSeedPrices(cfg.Engine.SeedPricesFile)
		if err != nil {
			sugar.Fatalw("seed_prices_failed", "file", cfg.Engine.SeedPricesFile, "err", err)
		}
		opts.SeedPrices = seeds
	}

	// ---- Event sinks ----
	hub := api.NewHub(sugar)
	go hub.Run(ctx)

	notifier := events.Multi{hub}

	// Fill journal is optional; trades stays a nil interface when disabled.
	var trades api.TradeSource
	if cfg.Storage.TradeDBPath != "" {
		store, err := storage.NewTradeStore(cfg.Storage.TradeDBPath, sugar)
		if err != nil {
			sugar.Fatalw("trade_store_open_failed", "path", cfg.Storage.TradeDBPath, "err", err)
		}
		defer store.Close()
		trades = store
		notifier = append(notifier, store)
		sugar.Infow("trade_journal_enabled", "path", cfg.Storage.TradeDBPath)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, sugar)
		defer pub.Close()
		notifier = append(notifier, pub)
		sugar.Infow("kafka_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// ---- Engine ----
	settler := engine.NewHTTPSettler(cfg.Settlement.URL, cfg.API.AdminSecret, cfg.Settlement.Timeout, sugar)
	eng := engine.New(opts, settler.Settle, sugar, notifier)
	eng.Start(ctx)

	sugar.Infow("engine_starting",
		"symbols", len(opts.SeedPrices),
		"drift", opts.DriftEnabled,
		"liquidation_interval_ms", opts.LiquidationInterval.Milliseconds(),
		"liquidation_threshold", opts.LiquidationThreshold,
		"settle_url", cfg.Settlement.URL)

	if cfg.API.AdminSecret == "" {
		sugar.Warn("admin_secret_unset - admin routes are open")
	}

	// ---- API Server ----
	apiServer := api.NewServer(eng, trades, hub, api.Options{
		AdminSecret:    cfg.API.AdminSecret,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, sugar)

	sugar.Infow("api_server_starting", "addr", cfg.API.Addr)
	if err := apiServer.ListenAndServe(ctx, cfg.API.Addr); err != nil {
		sugar.Errorw("api_server_failed", "err", err)
		stop()
	}

	eng.Wait()
	sugar.Info("engine_stopped")
}
