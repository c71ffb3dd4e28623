package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Guizzs26/go-sync-hub/internal/config"
	"github.com/Guizzs26/go-sync-hub/internal/db"
	"github.com/Guizzs26/go-sync-hub/internal/service"
	"github.com/Guizzs26/go-sync-hub/pkg/infra"
)

// The collector drains the trigger-fed outbox of a legacy Firebird branch
// database into the sync outbox shared with syncd.
func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	logger.Info("Initializing Firebird collector", "unit_id", cfg.UnitID)

	// Canceled on SIGINT (Ctrl+C) or SIGTERM (docker stop)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.FirebirdURL == "" {
		logger.Error("FATAL: FIREBIRD_URL is required")
		os.Exit(1)
	}
	if cfg.UsesMemoryStore() {
		logger.Error("FATAL: the collector needs a shared Postgres DATABASE_URL")
		os.Exit(1)
	}

	fbRepo, err := db.NewFirebirdRepository(cfg.FirebirdURL, logger)
	if err != nil {
		logger.Error("FATAL: Failed to connect to Firebird database", "error", err)
		os.Exit(1)
	}
	defer fbRepo.Close()

	pg, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("FATAL: Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	outbox := service.NewOutbox(pg, cfg.IdempotencyWindow, logger)
	collector := service.NewFBCollectorService(fbRepo, outbox, logger)

	logger.Info("Collector is running. Polling Firebird for changes...")

	// Blocks until ctx is canceled
	collector.Run(ctx)

	logger.Info("Collector service shut down successfully")
}
