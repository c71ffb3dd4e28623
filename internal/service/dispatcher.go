package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/db"
	"github.com/Guizzs26/go-sync-hub/internal/models"
	"github.com/Guizzs26/go-sync-hub/pkg/infra"
	"github.com/Guizzs26/go-sync-hub/pkg/metrics"
)

const MaxBatchMemoryThresholdMB = 20

// eventNamespace seeds deterministic webhook event IDs, so every retry of the
// same record to the same system carries the same X-Event-Id.
var eventNamespace = uuid.MustParse("6f1c9a52-3c7e-4d4b-9a51-2b8f0e6d7c13")

// EventID returns the stable event ID of a change delivered to a system.
func EventID(changeID int64, systemID string) string {
	return uuid.NewSHA1(eventNamespace, fmt.Appendf(nil, "%s/%d", systemID, changeID)).String()
}

// Dispatcher pushes due change records to one external system at a time and
// books every attempt in the delivery log.
type Dispatcher struct {
	repo     db.Repository
	client   WebhookClient
	notifier Notifier
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(repo db.Repository, client WebhookClient, notifier Notifier, settings Settings, logger *slog.Logger) *Dispatcher {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Dispatcher{
		repo:     repo,
		client:   client,
		notifier: notifier,
		settings: settings.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// UploadSystem delivers one batch of due records to sys. Transport failures
// are booked per record and never returned. The error is reserved for store
// and watermark failures.
func (d *Dispatcher) UploadSystem(ctx context.Context, sys models.ExternalSystem) (SystemReport, error) {
	report := SystemReport{SystemID: sys.ID, Direction: models.DirectionUpload}
	l := d.logger.With("system_id", sys.ID)
	start := d.now()

	due, err := d.repo.DueDeliveries(ctx, sys.ID, d.now(), d.settings.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list due deliveries: %w", err)
	}

	if len(due) > 0 {
		metrics.BatchSize.WithLabelValues(string(models.DirectionUpload)).Observe(float64(len(due)))

		var batchBytes int
		for _, pd := range due {
			batchBytes += pd.Change.EstimateBytes()
		}
		if batchMB := batchBytes / (1024 * 1024); batchMB > MaxBatchMemoryThresholdMB {
			l.Warn("Heavy batch detected: memory pressure risk",
				"size_mb", batchMB,
				"threshold_mb", MaxBatchMemoryThresholdMB,
				"count", len(due),
			)
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.settings.DeliveryConcurrency)

	var (
		stopErr  error
		bookErrs []error
	)
	for _, pd := range due {
		if ctx.Err() != nil {
			l.Warn("Shutdown signal received. Leaving remaining records pending.")
			break
		}

		conflict, err := d.repo.PendingConflictFor(ctx, pd.Change.EntityType, pd.Change.EntityID)
		if err != nil {
			stopErr = fmt.Errorf("check pending conflict: %w", err)
			break
		}
		if conflict != nil {
			report.Held++
			l.Debug("Record held by pending conflict", "change_id", pd.Change.ID, "conflict_id", conflict.ID)
			continue
		}

		claimed, err := d.repo.ClaimDelivery(ctx, pd.Change.ID, sys.ID)
		if err != nil {
			stopErr = fmt.Errorf("claim change %d: %w", pd.Change.ID, err)
			break
		}
		if !claimed {
			continue
		}

		g.Go(func() error {
			status, sendErr, err := d.deliver(ctx, sys, pd)
			mu.Lock()
			defer mu.Unlock()
			report.Attempted++
			switch status {
			case models.DeliverySuccess:
				report.Delivered++
			case models.DeliveryRetrying:
				report.Retrying++
			case models.DeliveryFailure:
				report.Failed++
			}
			if sendErr != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("change %d: %v", pd.Change.ID, sendErr))
			}
			if err != nil {
				bookErrs = append(bookErrs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if stopErr != nil {
		return report, errors.Join(append(bookErrs, stopErr)...)
	}

	if _, err := d.AdvanceWatermark(context.WithoutCancel(ctx), sys.ID); err != nil {
		bookErrs = append(bookErrs, err)
	}

	metrics.BatchDuration.WithLabelValues(string(models.DirectionUpload)).Observe(d.now().Sub(start).Seconds())
	if report.Attempted > 0 || report.Held > 0 {
		l.Info("Upload cycle telemetry",
			"attempted", report.Attempted,
			"delivered", report.Delivered,
			"retrying", report.Retrying,
			"failed", report.Failed,
			"held", report.Held,
			"duration_ms", d.now().Sub(start).Milliseconds(),
		)
	}
	return report, errors.Join(bookErrs...)
}

// deliver makes one attempt for a claimed assignment and books the outcome.
// It returns the transport error of the attempt and, separately, any failure
// to book it.
func (d *Dispatcher) deliver(ctx context.Context, sys models.ExternalSystem, pd models.PendingDelivery) (models.DeliveryStatus, error, error) {
	change := pd.Outbound()
	l := d.logger.With("system_id", sys.ID, "change_id", change.ID, "entity_type", change.EntityType, "entity_id", change.EntityID)

	// In-flight requests finish even when the run is being cancelled.
	callCtx := context.WithoutCancel(ctx)
	event := models.NewWebhookEvent(EventID(change.ID, sys.ID), change)
	res, sendErr := d.client.Deliver(callCtx, sys, event)

	attempt := pd.Assignment.Attempts + 1
	assignment := models.Assignment{
		ChangeID: change.ID,
		SystemID: sys.ID,
		Attempts: attempt,
	}
	changeID := change.ID
	entry := models.DeliveryLogEntry{
		SystemID:        sys.ID,
		ChangeRecordID:  &changeID,
		EventType:       event.EventType,
		Direction:       models.DirectionUpload,
		RequestPayload:  res.Request,
		ResponsePayload: res.Response,
		HTTPStatus:      res.StatusCode,
		AttemptNumber:   attempt,
		DurationMs:      res.Duration.Milliseconds(),
	}

	limit := sys.AttemptLimit(d.settings.MaxDeliveryAttempts)
	switch {
	case sendErr == nil:
		assignment.Status = models.ChangeDelivered
		entry.Status = models.DeliverySuccess
	case attempt >= limit:
		assignment.Status = models.ChangeFailed
		assignment.LastError = sendErr.Error()
		entry.Status = models.DeliveryFailure
		entry.Error = sendErr.Error()
	default:
		assignment.Status = models.ChangePending
		assignment.LastError = sendErr.Error()
		assignment.NextAttemptAt = d.now().Add(infra.RetryDelay(attempt, d.settings.RetryBaseDelay, d.settings.RetryMaxDelay))
		entry.Status = models.DeliveryRetrying
		entry.Error = sendErr.Error()
	}
	entry.CreatedAt = d.now().UTC()

	metrics.Deliveries.WithLabelValues(sys.ID, string(entry.Status)).Inc()
	metrics.DeliveryDuration.WithLabelValues(sys.ID).Observe(res.Duration.Seconds())

	err := d.repo.InTx(callCtx, func(ctx context.Context, tx db.Repository) error {
		if err := tx.FinishDelivery(ctx, assignment); err != nil {
			return err
		}
		return tx.AppendDeliveryLog(ctx, &entry)
	})
	if err != nil {
		l.Error("Delivery attempted but failed to book outcome", "error", err, "status", entry.Status)
		return entry.Status, sendErr, fmt.Errorf("book delivery of change %d to %s: %w", change.ID, sys.ID, err)
	}

	switch entry.Status {
	case models.DeliverySuccess:
		l.Debug("Change delivered", "http_status", res.StatusCode, "duration_ms", entry.DurationMs)
	case models.DeliveryRetrying:
		l.Warn("Delivery failed, will retry",
			"attempt", attempt,
			"limit", limit,
			"next_attempt_at", assignment.NextAttemptAt,
			"error", sendErr,
		)
	case models.DeliveryFailure:
		var te *common.TransportError
		if errors.As(sendErr, &te) && te.StatusCode > 0 {
			l = l.With("http_status", te.StatusCode)
		}
		l.Error("Delivery failed permanently", "attempt", attempt, "error", sendErr)
		d.publish(callCtx, l, models.OpsEvent{
			Type:       models.EventRecordFailed,
			SystemID:   sys.ID,
			EntityType: change.EntityType,
			EntityID:   change.EntityID,
			ChangeID:   change.ID,
			Error:      sendErr.Error(),
			At:         d.now().UTC(),
		})
	}
	return entry.Status, sendErr, nil
}

func (d *Dispatcher) publish(ctx context.Context, l *slog.Logger, event models.OpsEvent) {
	if err := d.notifier.Publish(ctx, event.Type, event); err != nil {
		l.Warn("Failed to publish ops event", "type", event.Type, "error", err)
	}
}

// AdvanceWatermark moves the upload watermark of a system to the newest
// delivered record that has no undelivered record before it. It never moves
// backwards.
func (d *Dispatcher) AdvanceWatermark(ctx context.Context, systemID string) (time.Time, error) {
	var current time.Time
	err := d.repo.InTx(ctx, func(ctx context.Context, tx db.Repository) error {
		var err error
		current, err = tx.LockWatermark(ctx, systemID, models.DirectionUpload)
		if err != nil {
			return err
		}
		earliest, err := tx.EarliestUndelivered(ctx, systemID)
		if err != nil {
			return err
		}
		latest, err := tx.LatestDeliveredBefore(ctx, systemID, earliest)
		if err != nil {
			return err
		}
		if latest == nil || !latest.After(current) {
			return nil
		}
		current = *latest
		return tx.SetWatermark(ctx, systemID, models.DirectionUpload, current)
	})
	if err != nil {
		return current, fmt.Errorf("advance upload watermark of %s: %w", systemID, err)
	}
	return current, nil
}
