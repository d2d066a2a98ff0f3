package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/txlander/service/config"
	"github.com/brojonat/txlander/service/db"
	"github.com/brojonat/txlander/service/metrics"
	"github.com/brojonat/txlander/service/monitor"
	natspkg "github.com/brojonat/txlander/service/nats"
	"github.com/brojonat/txlander/service/solana"
	"github.com/brojonat/txlander/service/submit"
	"github.com/brojonat/txlander/service/temporal"
	"github.com/brojonat/txlander/service/wallet"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Start metrics HTTP server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	// The worker signs every transfer with this key
	key, err := wallet.LoadPrivateKeyFromEnv()
	if err != nil {
		logger.Error("failed to load signing key", "error", err)
		os.Exit(1)
	}

	ledger, err := solana.Dial(cfg.SolanaRPCURLs, cfg.RPCRateLimit, cfg.RPCBurst, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create solana client", "error", err)
		os.Exit(1)
	}

	builder := wallet.NewBuilder(key, ledger, cfg.RequiredDurability, logger)
	engine := submit.NewLedgerEngine(ledger, cfg.EngineSettings(), metricsCollector, logger)
	poller := monitor.New(ledger, monitor.Options{
		Interval:   cfg.MonitorInterval,
		MaxBackoff: cfg.MonitorMaxBackoff,
		CacheTTL:   cfg.CacheTTL,
	}, metricsCollector, logger)
	logger.Info("initialized submission engine", "signer", builder.PublicKey().String())

	// Outcomes are stored when a database is configured
	var store temporal.StoreInterface
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		dbStore := db.NewStore(dbPool, metricsCollector)
		if err := dbStore.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure database schema", "error", err)
			os.Exit(1)
		}
		store = dbStore
		logger.Info("connected to database")
	} else {
		logger.Warn("DATABASE_URL not set, outcomes will only be published")
	}

	// Initialize NATS publisher
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer natsPublisher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	// Initialize Temporal worker
	workerConfig := temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Engine:            engine,
		Builder:           builder,
		Store:             store,
		Publisher:         natsPublisher,
		Poller:            poller,
		Metrics:           metricsCollector,
		Logger:            logger,
	}

	worker, err := temporal.NewWorker(workerConfig)
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	logger.Info("temporal worker initialized, all dependencies ready",
		"solana_endpoints", len(cfg.SolanaRPCURLs),
		"temporal_host", cfg.TemporalHost,
		"temporal_namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
	)

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		logger.Info("starting temporal worker")
		workerErrors <- worker.Start()
	}()

	// Wait for shutdown signal or worker error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Stop worker gracefully
		logger.Info("stopping temporal worker")
		worker.Stop()
		logger.Info("temporal worker stopped")

		logger.Info("shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
