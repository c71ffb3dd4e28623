package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/mapper"
	"github.com/Guizzs26/go-sync-hub/internal/models"
	"github.com/Guizzs26/go-sync-hub/pkg/metrics"
)

// LegacyRepository is the Firebird surface the applier writes through.
type LegacyRepository interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
	IsProcessed(ctx context.Context, correlationID string) (bool, error)
	MarkAsProcessed(ctx context.Context, tx *sql.Tx, correlationID string) error
	SuppressEcho(ctx context.Context, tx *sql.Tx) error
}

// LegacyApplier writes remote changes into the branch Firebird database. It
// satisfies db.EntityStore.
type LegacyApplier struct {
	repo   LegacyRepository
	mapper *mapper.SQLBuilder
	logger *slog.Logger

	// lockBackoff is the linear step between lock retries
	lockBackoff time.Duration
}

func NewLegacyApplier(repo LegacyRepository, mapper *mapper.SQLBuilder, logger *slog.Logger) *LegacyApplier {
	return &LegacyApplier{
		repo:        repo,
		mapper:      mapper,
		logger:      logger,
		lockBackoff: 200 * time.Millisecond,
	}
}

// errFatal marks failures that retrying cannot fix
var errFatal = errors.New("FATAL")

// Apply executes one change with internal lock retries and dynamic timeouts
func (h *LegacyApplier) Apply(ctx context.Context, change models.EntityChange) (err error) {
	start := time.Now()

	def, allowed := models.LookupEntity(change.EntityType)

	defer func() {
		status := "success"
		if err != nil {
			if errors.Is(err, errFatal) {
				status = "fatal_error"
			} else {
				status = "transient_error"
			}
		}
		metrics.LegacyApplyDuration.WithLabelValues(status, def.Table, string(change.Operation)).Observe(time.Since(start).Seconds())
	}()

	l := h.logger.With(
		"correlation_id", change.CorrelationID,
		"entity_type", change.EntityType,
		"entity_id", change.EntityID,
		"operation", change.Operation,
	)

	// Whitelist & Metadata Validation
	if !allowed {
		l.Error("Fatal: entity type not allowed in whitelist")
		return fmt.Errorf("%w: entity type %s is not whitelisted: %w", errFatal, change.EntityType, common.ErrInvalidInput)
	}

	var payload map[string]any
	if change.Operation != models.OpDelete && len(change.Payload) > 0 {
		if err := json.Unmarshal(change.Payload, &payload); err != nil {
			l.Error("Fatal: failed to parse payload", "error", err)
			return fmt.Errorf("%w: payload unmarshal error: %w", errFatal, err)
		}
		if err := mapper.CheckColumns(payload); err != nil {
			l.Error("Fatal: payload carries an unusable column name", "error", err)
			return fmt.Errorf("%w: %w", errFatal, err)
		}
	}

	// Idempotency Check (Fast check, short timeout)
	if change.CorrelationID != "" {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		alreadyProcessed, err := h.repo.IsProcessed(checkCtx, change.CorrelationID)
		cancel()

		if err != nil {
			return fmt.Errorf("idempotency check failed: %w", err)
		}
		if alreadyProcessed {
			l.Info("Change already applied, skipping")
			return nil
		}
	}

	const maxRetries = 3
	var lastErr error

	// Upserts involve index scans/FK checks and are slower than deletes
	opTimeout := 10 * time.Second
	if change.Operation != models.OpDelete {
		opTimeout = 15 * time.Second
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		txCtx, txCancel := context.WithTimeout(ctx, opTimeout)
		err = h.executeTransaction(txCtx, change, def, payload)
		txCancel()

		if err == nil {
			l.Debug("Applied change to Firebird")
			return nil
		}

		if isDeadlock(err) {
			lastErr = err
			metrics.LegacyApplyRetries.WithLabelValues(def.Table).Inc()

			// Attempt 1: 200ms, Attempt 2: 400ms, Attempt 3: 600ms
			backoff := time.Duration(attempt) * h.lockBackoff

			l.Warn("Firebird lock contention detected, retrying internally",
				"attempt", attempt,
				"backoff", backoff,
				"error", err,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		// Non-recoverable error (Syntax, Constraint Violation, etc)
		return err
	}

	return fmt.Errorf("failed after %d attempts (last error: %w)", maxRetries, lastErr)
}

// executeTransaction encapsulates the atomic write operation
func (h *LegacyApplier) executeTransaction(ctx context.Context, change models.EntityChange, def models.EntityDefinition, payload map[string]any) error {
	tx, err := h.repo.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	// Safety: Rollback is a no-op if Commit was already called
	defer tx.Rollback()

	if err := h.repo.SuppressEcho(ctx, tx); err != nil {
		return err
	}

	query, args, err := h.buildSQL(change, def, payload)
	if err != nil {
		return fmt.Errorf("%w: sql build failed: %w", errFatal, err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("execution error: %w", err)
	}

	if change.CorrelationID != "" {
		if err := h.repo.MarkAsProcessed(ctx, tx, change.CorrelationID); err != nil {
			return fmt.Errorf("failed to mark sync control: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

func (h *LegacyApplier) buildSQL(change models.EntityChange, def models.EntityDefinition, payload map[string]any) (string, []any, error) {
	switch change.Operation {
	case models.OpCreate, models.OpUpdate:
		return h.mapper.BuildUpsert(def.Table, def.PKColumn, change.EntityID, payload)
	case models.OpDelete:
		return h.mapper.BuildDelete(def.Table, def.PKColumn, change.EntityID)
	default:
		return "", nil, fmt.Errorf("unsupported operation: %s", change.Operation)
	}
}

// isDeadlock detects common Firebird concurrency errors
func isDeadlock(err error) bool {
	msg := strings.ToLower(err.Error())
	// - deadlock
	// - lock conflict
	// - update conflicts with concurrent update
	// - 335544336 (ISC Error Code for deadlock)
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock conflict") ||
		strings.Contains(msg, "concurrent update") ||
		strings.Contains(msg, "335544336")
}
