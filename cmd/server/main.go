package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/txlander/service/config"
	"github.com/brojonat/txlander/service/db"
	"github.com/brojonat/txlander/service/metrics"
	"github.com/brojonat/txlander/service/monitor"
	"github.com/brojonat/txlander/service/server"
	"github.com/brojonat/txlander/service/solana"
	"github.com/brojonat/txlander/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	var deps server.Deps

	// Submission reads need the audit store; without it those routes answer 503
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

		store := db.NewStore(dbPool, metricsCollector)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure database schema", "error", err)
			os.Exit(1)
		}
		deps.Submissions = store
		logger.Info("connected to database")
	} else {
		logger.Warn("DATABASE_URL not set, submission routes are disabled")
	}

	// Account reads go through the monitor's result cache
	ledger, err := solana.Dial(cfg.SolanaRPCURLs, cfg.RPCRateLimit, cfg.RPCBurst, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create solana client", "error", err)
		os.Exit(1)
	}
	deps.Accounts = monitor.New(ledger, monitor.Options{
		Interval:   cfg.MonitorInterval,
		MaxBackoff: cfg.MonitorMaxBackoff,
		CacheTTL:   cfg.CacheTTL,
	}, metricsCollector, logger)

	// Transfers and watches are Temporal workflows run by cmd/worker
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()
	deps.Transfers = temporalClient
	deps.Scheduler = temporalClient

	httpServer := server.New(cfg.ServerAddr, deps, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"solana_endpoints", len(cfg.SolanaRPCURLs),
		"temporal_host", cfg.TemporalHost,
		"task_queue", cfg.TemporalTaskQueue,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
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
