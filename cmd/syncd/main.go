package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/go-sync-hub/internal/broker"
	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/config"
	"github.com/Guizzs26/go-sync-hub/internal/db"
	"github.com/Guizzs26/go-sync-hub/internal/httpapi"
	"github.com/Guizzs26/go-sync-hub/internal/lease"
	"github.com/Guizzs26/go-sync-hub/internal/mapper"
	"github.com/Guizzs26/go-sync-hub/internal/processor"
	"github.com/Guizzs26/go-sync-hub/internal/service"
	"github.com/Guizzs26/go-sync-hub/internal/webhook"
	"github.com/Guizzs26/go-sync-hub/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Sync daemon stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	repo, locker, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	store, closeStore, err := openEntityStore(cfg, repo, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var notifier service.Notifier
	if cfg.RabbitMQURL != "" {
		n := broker.NewNotifier(cfg.RabbitMQURL, logger)
		defer n.Close()
		notifier = n
	}

	hostname, _ := os.Hostname()
	orch := service.NewOrchestrator(service.Deps{
		Repo:     repo,
		Store:    store,
		Client:   webhook.NewClient(webhook.ClientOptions{DefaultTimeout: cfg.DeliveryTimeout}),
		Locker:   locker,
		Notifier: notifier,
		Settings: service.SettingsFromConfig(cfg, fmt.Sprintf("%s/%d", hostname, os.Getpid())),
		Logger:   logger,
	})

	if cfg.SystemsFile != "" {
		systems, err := service.LoadSystemsFile(cfg.SystemsFile)
		if err != nil {
			return err
		}
		if err := orch.Bootstrap(ctx, systems); err != nil {
			return err
		}
		logger.Info("External systems registered", "file", cfg.SystemsFile, "count", len(systems))
	}

	api := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewServer(orch, httpapi.ServerConfig{APIToken: cfg.APIToken}, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	observability := newObservabilityServer(cfg.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(gctx, api, logger, "API server") })
	g.Go(func() error { return serve(gctx, observability, logger, "Observability server") })
	g.Go(func() error { runSyncLoop(gctx, orch, cfg.SyncInterval, logger); return nil })
	g.Go(func() error { runMaintenance(gctx, orch, cfg.MaintenanceInterval, logger); return nil })
	if cfg.RabbitMQURL != "" {
		g.Go(func() error { runTriggerConsumer(gctx, cfg.RabbitMQURL, orch, logger); return nil })
	}

	logger.Info("Sync daemon started",
		"pid", os.Getpid(),
		"http_addr", cfg.HTTPAddr,
		"metrics_addr", cfg.MetricsAddr,
		"entity_store", cfg.EntityStore,
	)
	return g.Wait()
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (db.Repository, lease.Locker, func(), error) {
	if cfg.UsesMemoryStore() {
		logger.Warn("Using in-memory sync store; state is lost on restart")
		return db.NewMemoryRepository(), lease.NewMemory(), func() {}, nil
	}
	pg, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return pg, lease.NewPostgres(pg.DB()), pg.Close, nil
}

func openEntityStore(cfg *config.Config, repo db.Repository, logger *slog.Logger) (db.EntityStore, func(), error) {
	switch cfg.EntityStore {
	case "firebird":
		fb, err := db.NewFirebirdRepository(cfg.FirebirdURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to firebird: %w", err)
		}
		return processor.NewLegacyApplier(fb, mapper.NewSQLBuilder(), logger), func() { fb.Close() }, nil
	case "memory":
		return db.NewMemoryEntityStore(), func() {}, nil
	case "postgres":
		pg, ok := repo.(*db.PostgresRepository)
		if !ok {
			return db.NewMemoryEntityStore(), func() {}, nil
		}
		return db.NewPostgresEntityStore(pg.DB()), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown ENTITY_STORE %q", cfg.EntityStore)
}

func serve(ctx context.Context, server *http.Server, logger *slog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(name+" online", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newObservabilityServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "SYNC ALIVE")
	})
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// runSyncLoop runs a full sync every interval. Failed cycles back off before
// the next attempt; a cycle rejected because another run holds the leases is
// not a failure.
func runSyncLoop(ctx context.Context, orch *service.Orchestrator, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		logger.Info("Periodic sync disabled")
		return
	}
	backoff := infra.NewBackoff(time.Second, interval, 2.0)
	wait := interval

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping sync loop")
			return
		case <-time.After(wait):
		}

		report, err := orch.FullSync(ctx, nil)
		switch {
		case err == nil, errors.Is(err, common.ErrSyncInProgress) && !errors.Is(err, common.ErrBookkeeping):
			backoff.Reset()
			wait = interval
			up, down := report.Upload.Totals(), report.Download.Totals()
			logger.Info("Sync cycle finished",
				"delivered", up.Delivered,
				"failed", up.Failed,
				"applied", down.Applied,
				"conflicts", down.Conflicts,
				"busy", err != nil,
			)
		default:
			wait = backoff.Next()
			logger.Error("Sync cycle failed", "retry_in", wait, "error", err)
		}
	}
}

func runMaintenance(ctx context.Context, orch *service.Orchestrator, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logger.Debug("Janitor: starting maintenance pass")
			if err := orch.Maintain(ctx); err != nil {
				logger.Error("Janitor: maintenance failure", "error", err)
			}
		case <-ctx.Done():
			logger.Info("Janitor: stopping maintenance goroutine")
			return
		}
	}
}

func runTriggerConsumer(ctx context.Context, url string, orch *service.Orchestrator, logger *slog.Logger) {
	connBackoff := infra.NewBackoff(time.Second, time.Minute, 2.0)

	for {
		consumer, err := broker.NewTriggerConsumer(url, orch, logger)
		if err != nil {
			wait := connBackoff.Next()
			logger.Error("RabbitMQ connection failed, retrying", "wait_duration", wait, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		connBackoff.Reset()
		logger.Info("Connected to broker, listening for sync triggers", "queue", broker.QueueTriggers)

		if err := consumer.Listen(ctx); err != nil {
			logger.Error("Trigger consumer connection lost", "error", err)
		}
		consumer.Close()

		if ctx.Err() != nil {
			return
		}
	}
}
