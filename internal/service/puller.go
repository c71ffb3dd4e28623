package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/db"
	"github.com/Guizzs26/go-sync-hub/internal/models"
	"github.com/Guizzs26/go-sync-hub/internal/webhook"
	"github.com/Guizzs26/go-sync-hub/pkg/metrics"
)

const (
	outcomeApplied           = "applied"
	outcomeConflict          = "conflict"
	outcomeConflictRefreshed = "conflict_refreshed"
	outcomeSkipped           = "skipped"
	outcomeError             = "error"
)

// Puller brings remote changes into the local entity store, either from a
// system change feed or from a pushed request, and raises conflicts when the
// same entity still has an undelivered local change.
type Puller struct {
	repo     db.Repository
	store    db.EntityStore
	client   WebhookClient
	notifier Notifier
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

func NewPuller(repo db.Repository, store db.EntityStore, client WebhookClient, notifier Notifier, settings Settings, logger *slog.Logger) *Puller {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Puller{
		repo:     repo,
		store:    store,
		client:   client,
		notifier: notifier,
		settings: settings.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// maxTieGrowth bounds how far a page is widened when every change on a full
// page shares one remote timestamp.
const maxTieGrowth = 16

// DownloadSystem fetches the feed of sys from its download watermark, or from
// since when given, and processes it in feed order. The watermark advances to
// the newest remote timestamp handled and never moves backwards. Feed failures
// stay in the report; the error is reserved for store and watermark failures.
func (p *Puller) DownloadSystem(ctx context.Context, sys models.ExternalSystem, since *time.Time) (SystemReport, error) {
	report := SystemReport{SystemID: sys.ID, Direction: models.DirectionDownload}
	start := p.now()

	cursor := sys.LastDownloadWatermark
	if since != nil {
		cursor = *since
	}

	items, err := p.fetchPage(ctx, sys, cursor)
	if err != nil {
		p.logger.Warn("Change feed unavailable", "system_id", sys.ID, "error", err)
		report.addError(err)
		return report, nil
	}
	report.Fetched = len(items)
	if len(items) > 0 {
		metrics.BatchSize.WithLabelValues(string(models.DirectionDownload)).Observe(float64(len(items)))
	}

	newest, procErr := p.processItems(ctx, sys, items, false, &report)
	if !newest.IsZero() {
		if err := p.advanceWatermark(context.WithoutCancel(ctx), sys.ID, newest); err != nil {
			procErr = errors.Join(procErr, err)
		}
	}

	metrics.BatchDuration.WithLabelValues(string(models.DirectionDownload)).Observe(p.now().Sub(start).Seconds())
	if report.Fetched > 0 {
		p.logger.Info("Download cycle telemetry",
			"system_id", sys.ID,
			"fetched", report.Fetched,
			"applied", report.Applied,
			"conflicts", report.Conflicts,
			"skipped", report.Skipped,
			"duration_ms", p.now().Sub(start).Milliseconds(),
		)
	}
	return report, procErr
}

// fetchPage reads one page of the feed after cursor. The feed cursor is
// exclusive, so a full page is cut before its trailing run of equal
// timestamps; those changes come back on the next pull. A page made of a
// single timestamp is fetched again with a larger limit.
func (p *Puller) fetchPage(ctx context.Context, sys models.ExternalSystem, cursor time.Time) ([]webhook.FeedItem, error) {
	limit := p.settings.BatchSize
	for {
		page, err := p.client.FetchChanges(ctx, sys, cursor, limit)
		if err != nil {
			return nil, err
		}
		if len(page) < limit {
			return page, nil
		}
		if kept := dropTrailingTies(page); len(kept) > 0 {
			return kept, nil
		}
		if limit >= p.settings.BatchSize*maxTieGrowth {
			return nil, fmt.Errorf("change feed of %s has more than %d changes at one timestamp after %s",
				sys.ID, limit, cursor.UTC().Format(time.RFC3339Nano))
		}
		limit *= 2
		p.logger.Debug("Full feed page shares one timestamp, widening page", "system_id", sys.ID, "limit", limit)
	}
}

// dropTrailingTies cuts the items that share the timestamp of the last
// well-formed item, along with malformed items among them. A page without a
// well-formed item is returned whole.
func dropTrailingTies(page []webhook.FeedItem) []webhook.FeedItem {
	var last time.Time
	for i := len(page) - 1; i >= 0; i-- {
		if page[i].Err == nil && page[i].Change != nil {
			last = page[i].Change.RemoteTimestamp
			break
		}
	}
	if last.IsZero() {
		return page
	}
	end := len(page)
	for end > 0 {
		it := page[end-1]
		if it.Err == nil && it.Change != nil && !it.Change.RemoteTimestamp.Equal(last) {
			break
		}
		end--
	}
	return page[:end]
}

// ReceivePush processes changes a system pushed to us. When the system has a
// secret the request must carry a valid bearer token or body signature.
// Pushes never move the download watermark.
func (p *Puller) ReceivePush(ctx context.Context, systemID string, body []byte, header http.Header) (SystemReport, error) {
	report := SystemReport{SystemID: systemID, Direction: models.DirectionDownload}

	sys, err := p.repo.GetSystem(ctx, systemID)
	if err != nil {
		return report, err
	}
	if !sys.Enabled {
		return report, &common.ConfigurationError{SystemID: sys.ID, Reason: common.ErrSystemDisabled.Error()}
	}
	if err := p.authenticatePush(sys, body, header); err != nil {
		return report, err
	}

	items, err := webhook.DecodeChanges(sys.ID, body)
	if err != nil {
		return report, err
	}
	report.Fetched = len(items)
	if _, err := p.processItems(ctx, sys, items, true, &report); err != nil {
		return report, fmt.Errorf("%w: %w", common.ErrBookkeeping, err)
	}
	return report, nil
}

func (p *Puller) authenticatePush(sys models.ExternalSystem, body []byte, header http.Header) error {
	if sys.AuthSecret == "" {
		return nil
	}
	if token, ok := strings.CutPrefix(header.Get("Authorization"), "Bearer "); ok {
		if err := webhook.VerifyToken(sys.AuthSecret, sys.ID, strings.TrimSpace(token)); err != nil {
			return fmt.Errorf("%w: %v", common.ErrUnauthorized, err)
		}
		return nil
	}
	err := webhook.VerifySignature(sys.AuthSecret,
		header.Get(webhook.HeaderTimestamp),
		header.Get(webhook.HeaderSignature),
		body, p.now(), p.settings.SignatureMaxSkew)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnauthorized, err)
	}
	return nil
}

// processItems handles items in order and returns the newest remote
// timestamp that was handled. A change the entity store rejects as invalid is
// skipped. Any other store failure stops the batch and is returned, so the
// item is fetched again on the next run.
func (p *Puller) processItems(ctx context.Context, sys models.ExternalSystem, items []webhook.FeedItem, pushed bool, report *SystemReport) (time.Time, error) {
	var newest time.Time
	for _, item := range items {
		if ctx.Err() != nil {
			p.logger.Warn("Shutdown signal received. Remaining remote changes stay in the feed.", "system_id", sys.ID)
			break
		}

		if item.Err != nil {
			report.Skipped++
			p.logger.Warn("Skipping malformed remote change", "system_id", sys.ID, "index", item.Index, "error", item.Err)
			metrics.DownloadedChanges.WithLabelValues(sys.ID, outcomeSkipped).Inc()
			p.logInbound(ctx, sys.ID, "invalid", item, pushed, outcomeSkipped, item.Err)
			continue
		}

		change := *item.Change
		eventType := models.EventType(change.EntityType, change.Operation)
		def, ok := models.LookupEntity(change.EntityType)
		if !ok {
			err := &common.ValidationError{SystemID: sys.ID, Index: item.Index, Err: fmt.Errorf("entity type %q is not synchronized", change.EntityType)}
			report.Skipped++
			p.logger.Warn("Skipping remote change for unknown entity", "system_id", sys.ID, "entity_type", change.EntityType)
			metrics.DownloadedChanges.WithLabelValues(sys.ID, outcomeSkipped).Inc()
			p.logInbound(ctx, sys.ID, eventType, item, pushed, outcomeSkipped, err)
			newest = later(newest, change.RemoteTimestamp)
			continue
		}
		change.EntityType = def.Type

		outcome, conflict, err := p.processChange(ctx, sys, change)
		if errors.Is(err, common.ErrInvalidInput) {
			err = &common.ValidationError{SystemID: sys.ID, Index: item.Index, Err: err}
			report.Skipped++
			p.logger.Warn("Skipping remote change rejected by the entity store",
				"system_id", sys.ID,
				"entity_type", change.EntityType,
				"entity_id", change.EntityID,
				"error", err,
			)
			metrics.DownloadedChanges.WithLabelValues(sys.ID, outcomeSkipped).Inc()
			p.logInbound(ctx, sys.ID, eventType, item, pushed, outcomeSkipped, err)
			newest = later(newest, change.RemoteTimestamp)
			continue
		}
		metrics.DownloadedChanges.WithLabelValues(sys.ID, outcome).Inc()
		p.logInbound(ctx, sys.ID, eventType, item, pushed, outcome, err)
		if err != nil {
			p.logger.Error("Failed to apply remote change, stopping batch",
				"system_id", sys.ID,
				"entity_type", change.EntityType,
				"entity_id", change.EntityID,
				"error", err,
			)
			return newest, fmt.Errorf("process %s/%s from %s: %w", change.EntityType, change.EntityID, sys.ID, err)
		}

		result := ChangeOutcome{
			EntityType:      change.EntityType,
			EntityID:        change.EntityID,
			Operation:       change.Operation,
			RemoteTimestamp: change.RemoteTimestamp,
			Outcome:         outcome,
		}
		if conflict != nil {
			result.ConflictID = conflict.ID
		}
		report.Changes = append(report.Changes, result)

		switch outcome {
		case outcomeApplied:
			report.Applied++
		case outcomeConflict:
			report.Conflicts++
			p.logger.Warn("Conflict detected",
				"system_id", sys.ID,
				"conflict_id", conflict.ID,
				"entity_type", conflict.EntityType,
				"entity_id", conflict.EntityID,
				"local_change_id", conflict.LocalChangeID,
			)
			p.publish(ctx, models.OpsEvent{
				Type:       models.EventConflictDetected,
				SystemID:   sys.ID,
				EntityType: conflict.EntityType,
				EntityID:   conflict.EntityID,
				ChangeID:   conflict.LocalChangeID,
				ConflictID: conflict.ID,
				At:         p.now().UTC(),
			})
		case outcomeConflictRefreshed:
			report.Conflicts++
		}
		newest = later(newest, change.RemoteTimestamp)
	}
	return newest, nil
}

// processChange runs detection and apply for one remote change under the
// entity lock.
func (p *Puller) processChange(ctx context.Context, sys models.ExternalSystem, change models.RemoteChange) (string, *models.SyncConflict, error) {
	var (
		outcome  string
		conflict *models.SyncConflict
	)
	err := p.repo.InTx(ctx, func(ctx context.Context, tx db.Repository) error {
		if err := tx.LockEntity(ctx, change.EntityType, change.EntityID); err != nil {
			return err
		}

		pending, err := tx.PendingConflictFor(ctx, change.EntityType, change.EntityID)
		if err != nil {
			return err
		}
		if pending != nil {
			outcome = outcomeConflictRefreshed
			if change.RemoteTimestamp.Before(pending.RemoteTimestamp) {
				return nil
			}
			return tx.RefreshConflictSnapshot(ctx, pending.ID, change.Operation, change.Payload, change.RemoteTimestamp)
		}

		inFlight, err := tx.InFlightChanges(ctx, change.EntityType, change.EntityID)
		if err != nil {
			return err
		}
		if len(inFlight) > 0 {
			local := inFlight[len(inFlight)-1]
			if concurrent(local, change) {
				conflict = &models.SyncConflict{
					ID:              uuid.NewString(),
					SystemID:        sys.ID,
					EntityType:      change.EntityType,
					EntityID:        change.EntityID,
					LocalChangeID:   local.ID,
					RemoteOperation: change.Operation,
					RemoteSnapshot:  change.Payload,
					RemoteTimestamp: change.RemoteTimestamp,
					DetectedAt:      p.now().UTC(),
					Resolution:      models.ResolutionPending,
				}
				outcome = outcomeConflict
				return tx.InsertConflict(ctx, conflict)
			}
		}

		err = p.store.Apply(ctx, models.EntityChange{
			EntityType:    change.EntityType,
			EntityID:      change.EntityID,
			Operation:     change.Operation,
			Payload:       change.Payload,
			CorrelationID: correlationID(sys.ID, change),
		})
		if err != nil {
			return fmt.Errorf("apply %s/%s: %w", change.EntityType, change.EntityID, err)
		}
		outcome = outcomeApplied
		return nil
	})
	if err != nil {
		return outcomeError, nil, err
	}
	return outcome, conflict, nil
}

// concurrent reports whether a remote change collides with an undelivered
// local record. A remote that echoes the local version it was based on, or
// that carries the same state, does not collide.
func concurrent(local models.ChangeRecord, remote models.RemoteChange) bool {
	if remote.BaseVersion > 0 && remote.BaseVersion >= local.Version {
		return false
	}
	if local.Operation == models.OpDelete && remote.Operation == models.OpDelete {
		return false
	}
	if local.Operation != models.OpDelete && remote.Operation != models.OpDelete &&
		models.HashPayload(remote.Payload) == local.PayloadHash {
		return false
	}
	return true
}

// correlationID identifies a remote change so re-applying it is a no-op.
func correlationID(systemID string, c models.RemoteChange) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", systemID, c.EntityType, c.EntityID, c.Operation, c.RemoteTimestamp.UTC().Format(time.RFC3339Nano))
}

func (p *Puller) logInbound(ctx context.Context, systemID, eventType string, item webhook.FeedItem, pushed bool, outcome string, procErr error) {
	if pushed {
		eventType = "receive." + eventType
	}
	entry := models.DeliveryLogEntry{
		SystemID:        systemID,
		EventType:       eventType,
		Direction:       models.DirectionDownload,
		RequestPayload:  item.Raw,
		ResponsePayload: outcome,
		Status:          models.DeliverySuccess,
		AttemptNumber:   1,
		CreatedAt:       p.now().UTC(),
	}
	if procErr != nil {
		entry.Status = models.DeliveryFailure
		entry.Error = procErr.Error()
	}
	if err := p.repo.AppendDeliveryLog(context.WithoutCancel(ctx), &entry); err != nil {
		p.logger.Error("Failed to write delivery log", "system_id", systemID, "error", err)
	}
}

func (p *Puller) advanceWatermark(ctx context.Context, systemID string, to time.Time) error {
	err := p.repo.InTx(ctx, func(ctx context.Context, tx db.Repository) error {
		current, err := tx.LockWatermark(ctx, systemID, models.DirectionDownload)
		if err != nil {
			return err
		}
		if !to.After(current) {
			return nil
		}
		return tx.SetWatermark(ctx, systemID, models.DirectionDownload, to.UTC())
	})
	if err != nil {
		return fmt.Errorf("advance download watermark of %s: %w", systemID, err)
	}
	return nil
}

func (p *Puller) publish(ctx context.Context, event models.OpsEvent) {
	if err := p.notifier.Publish(context.WithoutCancel(ctx), event.Type, event); err != nil {
		p.logger.Warn("Failed to publish ops event", "type", event.Type, "error", err)
	}
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
