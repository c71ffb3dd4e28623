package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-sync-hub/internal/models"
	"github.com/Guizzs26/go-sync-hub/pkg/metrics"
)

const CollectorBatchSize = 50

// CollectorRepository defines the data access contract for the Collector
type CollectorRepository interface {
	FetchOutboxPending(ctx context.Context, limit int) ([]models.FBOutboxRecord, error)
	FetchFullRecord(ctx context.Context, tableName string, pkValue string) (map[string]any, error)
	DeleteOutbox(ctx context.Context, id int64) error
}

// ChangeRecorder is where collected legacy changes go. *Outbox implements it.
type ChangeRecorder interface {
	Record(ctx context.Context, in models.ChangeInput) (models.ChangeRecord, error)
}

// FBCollectorService moves trigger-fed rows from the legacy Firebird outbox
// into the sync outbox
type FBCollectorService struct {
	repo     CollectorRepository
	recorder ChangeRecorder
	logger   *slog.Logger
	interval time.Duration
}

// NewFBCollectorService creates a new instance of the collector service
func NewFBCollectorService(repo CollectorRepository, recorder ChangeRecorder, logger *slog.Logger) *FBCollectorService {
	return &FBCollectorService{
		repo:     repo,
		recorder: recorder,
		logger:   logger,
		interval: time.Second,
	}
}

// Run starts the polling loop. It blocks until the context is canceled
func (s *FBCollectorService) Run(ctx context.Context) {
	// Firebird triggers are near real-time, but we don't want to hammer the legacy DB.
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("🔥 Firebird Collector Service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Collector shutting down...")
			return
		case <-ticker.C:
			if err := s.ProcessBatch(ctx); err != nil {
				s.logger.Error("Collector batch cycle failed", "error", err)
			}
		}
	}
}

// ProcessBatch collects one batch in FIFO order. A failure stops the batch so
// the next tick retries the same row first.
func (s *FBCollectorService) ProcessBatch(ctx context.Context) error {
	records, err := s.repo.FetchOutboxPending(ctx, CollectorBatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch outbox: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	s.logger.Debug("Processing outbox batch", "count", len(records))

	for _, rec := range records {
		if err := s.processSingleRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to process record ID %d: %w", rec.ID, err)
		}
	}
	return nil
}

func (s *FBCollectorService) processSingleRecord(ctx context.Context, rec models.FBOutboxRecord) error {
	l := s.logger.With("outbox_id", rec.ID, "table", rec.TableName, "pk", rec.PKValue)

	def, known := models.LookupEntityByTable(rec.TableName)
	op, validOp := rec.Operation()
	if !known || !validOp {
		// Application Firewall: rows outside the whitelist never leave the branch
		l.Error("Security Trigger: invalid metadata", "op", rec.OpType)
		metrics.CollectedChanges.WithLabelValues(rec.TableName, "rejected").Inc()
		return s.repo.DeleteOutbox(ctx, rec.ID)
	}

	payload := json.RawMessage(`{}`)
	if op != models.OpDelete {
		data, err := s.repo.FetchFullRecord(ctx, rec.TableName, rec.PKValue)
		if err != nil {
			// Ghost record: the row was deleted before we could read it. A
			// delete row for it is already queued behind this one.
			if errors.Is(err, sql.ErrNoRows) {
				l.Warn("Record missing in source table (Ghost Record). Skipping.")
				metrics.CollectedChanges.WithLabelValues(def.Table, "ghost").Inc()
				return s.repo.DeleteOutbox(ctx, rec.ID)
			}
			return fmt.Errorf("failed to fetch snapshot: %w", err)
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		payload = raw
	}

	change, err := s.recorder.Record(ctx, models.ChangeInput{
		EntityType: def.Type,
		EntityID:   rec.PKValue,
		Operation:  op,
		Payload:    payload,
	})
	if err != nil {
		metrics.CollectedChanges.WithLabelValues(def.Table, "error").Inc()
		return fmt.Errorf("failed to record change: %w", err)
	}

	// At-least-once: if this delete fails the row is collected again and the
	// outbox collapses the replay.
	if err := s.repo.DeleteOutbox(ctx, rec.ID); err != nil {
		return fmt.Errorf("failed to delete outbox entry: %w", err)
	}

	metrics.CollectedChanges.WithLabelValues(def.Table, "recorded").Inc()
	l.Debug("Legacy change collected", "change_id", change.ID, "entity_type", def.Type)
	return nil
}
