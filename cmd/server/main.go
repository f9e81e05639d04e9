package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/xrpgate/service/cache"
	"github.com/brojonat/xrpgate/service/config"
	"github.com/brojonat/xrpgate/service/coordinator"
	"github.com/brojonat/xrpgate/service/db"
	"github.com/brojonat/xrpgate/service/keystore"
	"github.com/brojonat/xrpgate/service/metrics"
	"github.com/brojonat/xrpgate/service/nats"
	"github.com/brojonat/xrpgate/service/sequence"
	"github.com/brojonat/xrpgate/service/server"
	"github.com/brojonat/xrpgate/service/temporal"
	"github.com/brojonat/xrpgate/service/xrpl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// sweepLimit bounds the intents examined per reconciliation pass.
const sweepLimit = 100

// store is what the keystore and coordinator need from persistence.
type store interface {
	coordinator.IntentStore
	keystore.WalletStore
}

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"network", cfg.Network,
		"reconcile_mode", cfg.ReconcileMode,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Persistence: Postgres when configured, otherwise in-memory
	var st store
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

		pgStore := db.NewStore(dbPool, m)
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")
		st = pgStore
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores; wallets and payments are lost on restart")
		st = db.NewMemoryStore()
	}

	// Keystore
	ks, err := keystore.New(keystore.Config{
		Network:    cfg.Network,
		KeyType:    xrpl.KeyType(cfg.KeyType),
		Passphrase: cfg.KeystorePassphrase,
		Salt:       cfg.KeystoreSalt,
	}, st, m, logger)
	if err != nil {
		logger.Error("failed to create keystore", "error", err)
		os.Exit(1)
	}
	if err := ks.Load(ctx); err != nil {
		logger.Error("failed to load custody wallets", "error", err)
		os.Exit(1)
	}

	// Ledger gateway
	ledger := xrpl.NewClient(xrpl.ClientConfig{
		URL:       cfg.RPCURL,
		Network:   cfg.Network,
		Timeout:   cfg.RPCTimeout,
		RateLimit: cfg.RPCRateLimit,
	}, m, logger)
	logger.Info("initialized XRPL RPC client", "url", cfg.RPCURL)

	reads := cache.New(ledger, cache.Config{
		TTL:          cfg.CacheTTL,
		StaleCeiling: cfg.CacheStaleCeiling,
	}, m, logger)

	// NATS event publishing and SSE (optional)
	var publisher coordinator.EventPublisher
	var ssePublisher *server.SSEPublisher
	if cfg.NATSURL != "" {
		natsPublisher, err := nats.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		publisher = natsPublisher

		ssePublisher, err = server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create SSE publisher", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("NATS_URL not set, payment events and streaming disabled")
	}

	coord := coordinator.New(coordinator.Config{
		FeeDrops:             cfg.FeeDrops,
		LedgerOffset:         cfg.LedgerOffset,
		MaxReconcileAttempts: cfg.MaxReconcileAttempts,
		ReconcileGracePeriod: cfg.ReconcileGracePeriod,
		MaxSubmitAttempts:    cfg.MaxSubmitAttempts,
		ExpiryWindow:         cfg.ExpiryWindow,
		PollReconcileMinGap:  cfg.PollReconcileMinGap,
		BusyPolicy:           sequence.Policy(cfg.WalletBusyPolicy),
	}, ledger, ks, st, ks, reads, publisher, m, logger)

	restored, err := coord.Restore(ctx)
	if err != nil {
		logger.Error("failed to restore open payments", "error", err)
		os.Exit(1)
	}
	logger.Info("restored open payments", "count", restored)

	// Reconciliation: in-process ticker or Temporal schedule
	switch cfg.ReconcileMode {
	case config.ReconcileModeTemporal:
		tc, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
		if err != nil {
			logger.Error("failed to connect to temporal", "error", err)
			os.Exit(1)
		}
		defer tc.Close()
		if err := tc.UpsertReconcileSchedule(ctx, cfg.ReconcileInterval, sweepLimit); err != nil {
			logger.Error("failed to upsert reconcile schedule", "error", err)
			os.Exit(1)
		}
		logger.Info("reconciliation scheduled in temporal",
			"interval", cfg.ReconcileInterval,
			"task_queue", cfg.TemporalTaskQueue,
		)
	default:
		go coord.RunSweeper(ctx, cfg.ReconcileInterval, sweepLimit)
		logger.Info("reconciliation sweeper started", "interval", cfg.ReconcileInterval)
	}

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, cfg, ks, coord, reads, ssePublisher, m, logger)

	logger.Info("server initialized, all dependencies ready",
		"xrpl_rpc", cfg.RPCURL,
		"nats_url", cfg.NATSURL,
		"custody_wallets", len(ks.List()),
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

		// Stop the sweeper before draining requests
		cancel()

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
