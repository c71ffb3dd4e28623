// Package service holds the sync engine: outbox capture, webhook dispatch,
// remote change pulls, conflict handling and the orchestrator that runs them
// per external system under a lease.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/db"
	"github.com/Guizzs26/go-sync-hub/internal/lease"
	"github.com/Guizzs26/go-sync-hub/internal/models"
	"github.com/Guizzs26/go-sync-hub/internal/webhook"
	"github.com/Guizzs26/go-sync-hub/pkg/metrics"
)

type Deps struct {
	Repo     db.Repository
	Store    db.EntityStore
	Client   WebhookClient
	Locker   lease.Locker
	Notifier Notifier
	Settings Settings
	Logger   *slog.Logger
}

// Orchestrator is the entry point of the sync engine.
type Orchestrator struct {
	repo       db.Repository
	locker     lease.Locker
	client     WebhookClient
	notifier   Notifier
	settings   Settings
	logger     *slog.Logger
	now        func() time.Time
	outbox     *Outbox
	dispatcher *Dispatcher
	puller     *Puller
	resolver   *Resolver
}

func NewOrchestrator(d Deps) *Orchestrator {
	settings := d.Settings.withDefaults()
	notifier := d.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Orchestrator{
		repo:       d.Repo,
		locker:     d.Locker,
		client:     d.Client,
		notifier:   notifier,
		settings:   settings,
		logger:     d.Logger,
		now:        time.Now,
		outbox:     NewOutbox(d.Repo, settings.IdempotencyWindow, d.Logger),
		dispatcher: NewDispatcher(d.Repo, d.Client, notifier, settings, d.Logger),
		puller:     NewPuller(d.Repo, d.Store, d.Client, notifier, settings, d.Logger),
		resolver:   NewResolver(d.Repo, d.Store, d.Logger),
	}
}

// setClock replaces the clock of every component. Used by tests.
func (o *Orchestrator) setClock(now func() time.Time) {
	o.now = now
	o.outbox.now = now
	o.dispatcher.now = now
	o.puller.now = now
	o.resolver.now = now
}

// RecordChange captures a local change in the outbox.
func (o *Orchestrator) RecordChange(ctx context.Context, in models.ChangeInput) (models.ChangeRecord, error) {
	return o.outbox.Record(ctx, in)
}

// UploadPending delivers due records to every enabled system. Systems run in
// parallel and fail independently. A busy system is reported with a
// ConcurrencyError; when every system is busy the returned error matches
// common.ErrSyncInProgress. Store and watermark failures of any system are
// returned matching common.ErrBookkeeping.
func (o *Orchestrator) UploadPending(ctx context.Context) (SyncReport, error) {
	return o.runPhase(ctx, models.DirectionUpload, o.dispatcher.UploadSystem)
}

// DownloadChanges pulls every enabled system feed from its watermark, or
// from since when given.
func (o *Orchestrator) DownloadChanges(ctx context.Context, since *time.Time) (SyncReport, error) {
	return o.runPhase(ctx, models.DirectionDownload, func(ctx context.Context, sys models.ExternalSystem) (SystemReport, error) {
		return o.puller.DownloadSystem(ctx, sys, since)
	})
}

// FullSync runs an upload phase and then a download phase. A bookkeeping
// failure in the upload phase skips the download phase.
func (o *Orchestrator) FullSync(ctx context.Context, since *time.Time) (FullSyncReport, error) {
	var (
		report FullSyncReport
		errs   []error
	)
	up, err := o.UploadPending(ctx)
	report.Upload = up
	if err != nil {
		errs = append(errs, err)
	}
	if !errors.Is(err, common.ErrBookkeeping) {
		down, err := o.DownloadChanges(ctx, since)
		report.Download = down
		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := o.notifier.Publish(context.WithoutCancel(ctx), models.EventCycleCompleted, models.OpsEvent{
		Type:    models.EventCycleCompleted,
		Summary: report,
		At:      o.now().UTC(),
	}); err != nil {
		o.logger.Warn("Failed to publish ops event", "type", models.EventCycleCompleted, "error", err)
	}
	return report, errors.Join(errs...)
}

type phaseFunc func(ctx context.Context, sys models.ExternalSystem) (SystemReport, error)

func (o *Orchestrator) runPhase(ctx context.Context, dir models.Direction, run phaseFunc) (SyncReport, error) {
	report := SyncReport{Direction: dir, StartedAt: o.now().UTC()}

	systems, err := o.repo.ListSystems(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: list systems: %w", common.ErrBookkeeping, err)
	}

	var (
		mu      sync.Mutex
		g       errgroup.Group
		results []SystemReport
		busy    []error
		hard    []error
		active  int
	)
	for _, sys := range systems {
		if !sys.Enabled {
			continue
		}
		active++
		g.Go(func() error {
			res, err := o.runSystem(ctx, dir, sys, run)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			var cerr *common.ConcurrencyError
			switch {
			case errors.As(err, &cerr):
				busy = append(busy, err)
			case err != nil:
				hard = append(hard, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].SystemID < results[j].SystemID })
	report.Systems = results
	report.FinishedAt = o.now().UTC()

	if len(hard) > 0 {
		return report, errors.Join(hard...)
	}
	if active > 0 && len(busy) == active {
		return report, errors.Join(busy...)
	}
	return report, nil
}

// runSystem runs one phase for one system under its lease, renewing the lease
// while the phase runs. It returns a *common.ConcurrencyError when the lease
// is held elsewhere, and an error matching common.ErrBookkeeping when the
// lease, store or watermark bookkeeping failed.
func (o *Orchestrator) runSystem(ctx context.Context, dir models.Direction, sys models.ExternalSystem, run phaseFunc) (SystemReport, error) {
	l := o.logger.With("system_id", sys.ID, "direction", dir)

	held, err := o.locker.Acquire(ctx, lease.Name(string(dir), sys.ID), o.settings.LeaseTTL)
	if err != nil {
		report := SystemReport{SystemID: sys.ID, Direction: dir}
		var he *lease.HeldError
		if errors.As(err, &he) {
			metrics.LeaseRejections.WithLabelValues(string(dir)).Inc()
			cerr := &common.ConcurrencyError{SystemID: sys.ID, Direction: string(dir), Holder: he.Holder}
			l.Info("Sync already in progress, skipping system", "holder", he.Holder)
			report.Busy = true
			report.addError(cerr)
			return report, cerr
		}
		l.Error("Failed to acquire sync lease", "error", err)
		err = fmt.Errorf("%w: acquire %s lease of %s: %w", common.ErrBookkeeping, dir, sys.ID, err)
		report.addError(err)
		return report, err
	}
	defer func() {
		if err := o.locker.Release(context.WithoutCancel(ctx), held); err != nil {
			l.Warn("Failed to release sync lease", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := o.keepLease(runCtx, cancel, held, l)
	report, err := run(runCtx, sys)
	stop()

	report.SystemID = sys.ID
	report.Direction = dir
	if err != nil {
		l.Error("Sync phase failed", "error", err)
		err = fmt.Errorf("%w: %s sync of %s: %w", common.ErrBookkeeping, dir, sys.ID, err)
		report.addError(err)
	}

	if terr := o.repo.TouchSystem(context.WithoutCancel(ctx), sys.ID, report.outcome(), o.now().UTC()); terr != nil {
		l.Warn("Failed to record last sync status", "error", terr)
	}
	return report, err
}

// keepLease renews held every third of the lease TTL until the returned stop
// function is called. A lease taken over by another holder cancels the run.
func (o *Orchestrator) keepLease(ctx context.Context, cancel context.CancelFunc, held *lease.Lease, l *slog.Logger) (stop func()) {
	interval := o.settings.LeaseTTL / 3
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := o.locker.Renew(ctx, held, o.settings.LeaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, common.ErrLeaseNotHeld):
				l.Error("Sync lease lost, stopping run", "lease", held.Name)
				cancel()
				return
			default:
				l.Warn("Failed to renew sync lease", "error", err)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// ReceivePush processes changes pushed by an external system.
func (o *Orchestrator) ReceivePush(ctx context.Context, systemID string, body []byte, header http.Header) (SystemReport, error) {
	return o.puller.ReceivePush(ctx, systemID, body, header)
}

func (o *Orchestrator) ResolveConflict(ctx context.Context, conflictID, resolution string) (models.SyncConflict, error) {
	c, err := o.resolver.Resolve(ctx, conflictID, resolution)
	if err != nil {
		return c, err
	}
	o.refreshGauges(ctx)
	return c, nil
}

func (o *Orchestrator) ListConflicts(ctx context.Context, resolution string) ([]models.SyncConflict, error) {
	return o.resolver.ListConflicts(ctx, resolution)
}

// RetryFailed resets failed assignments to pending. Empty systemID and zero
// changeID act as wildcards.
func (o *Orchestrator) RetryFailed(ctx context.Context, systemID string, changeID int64) (int, error) {
	if systemID != "" {
		if _, err := o.repo.GetSystem(ctx, systemID); err != nil {
			return 0, err
		}
	}
	n, err := o.repo.RetryFailed(ctx, systemID, changeID, o.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Info("Failed deliveries re-queued", "count", n, "system_id", systemID, "change_id", changeID)
	}
	return n, nil
}

func (o *Orchestrator) ListDeliveries(ctx context.Context, filter models.DeliveryLogFilter) ([]models.DeliveryLogEntry, error) {
	return o.repo.ListDeliveryLog(ctx, filter)
}

func (o *Orchestrator) ListSystems(ctx context.Context) ([]models.ExternalSystem, error) {
	return o.repo.ListSystems(ctx)
}

func (o *Orchestrator) GetSystem(ctx context.Context, id string) (models.ExternalSystem, error) {
	return o.repo.GetSystem(ctx, id)
}

// SaveSystem validates and upserts an external system.
func (o *Orchestrator) SaveSystem(ctx context.Context, sys models.ExternalSystem) error {
	if reason := sys.Validate(); reason != "" {
		return fmt.Errorf("system %q: %s: %w", sys.ID, reason, common.ErrInvalidInput)
	}
	return o.repo.UpsertSystem(ctx, sys)
}

// TestSystem sends a ping event to the system and logs the exchange.
func (o *Orchestrator) TestSystem(ctx context.Context, id string) (webhook.Result, error) {
	sys, err := o.repo.GetSystem(ctx, id)
	if err != nil {
		return webhook.Result{}, err
	}
	if reason := sys.Validate(); reason != "" {
		return webhook.Result{}, &common.ConfigurationError{SystemID: sys.ID, Reason: reason}
	}

	res, sendErr := o.client.TestConnection(ctx, sys)
	entry := models.DeliveryLogEntry{
		SystemID:        sys.ID,
		EventType:       webhook.PingEventType,
		Direction:       models.DirectionUpload,
		RequestPayload:  res.Request,
		ResponsePayload: res.Response,
		HTTPStatus:      res.StatusCode,
		Status:          models.DeliverySuccess,
		AttemptNumber:   1,
		DurationMs:      res.Duration.Milliseconds(),
		CreatedAt:       o.now().UTC(),
	}
	if sendErr != nil {
		entry.Status = models.DeliveryFailure
		entry.Error = sendErr.Error()
	}
	if err := o.repo.AppendDeliveryLog(context.WithoutCancel(ctx), &entry); err != nil {
		o.logger.Warn("Failed to write delivery log", "system_id", sys.ID, "error", err)
	}
	return res, sendErr
}

// Status reports watermarks, counters and in-progress flags per system.
func (o *Orchestrator) Status(ctx context.Context) (models.SyncStatus, error) {
	status := models.SyncStatus{GeneratedAt: o.now().UTC()}

	systems, err := o.repo.ListSystems(ctx)
	if err != nil {
		return status, err
	}
	counts, err := o.repo.CountsBySystem(ctx)
	if err != nil {
		return status, err
	}
	totals, err := o.repo.OutboxCounts(ctx)
	if err != nil {
		return status, err
	}

	status.Systems = make([]models.SystemStatus, 0, len(systems))
	for _, sys := range systems {
		c := counts[sys.ID]
		s := models.SystemStatus{
			SystemID:              sys.ID,
			Name:                  sys.Name,
			Enabled:               sys.Enabled,
			LastUploadWatermark:   sys.LastUploadWatermark,
			LastDownloadWatermark: sys.LastDownloadWatermark,
			PendingCount:          c.Pending,
			FailedCount:           c.Failed,
			PendingConflicts:      c.PendingConflicts,
			LastStatus:            sys.LastStatus,
			LastSyncAt:            sys.LastSyncAt,
		}
		if s.UploadInProgress, err = o.inProgress(ctx, models.DirectionUpload, sys.ID); err != nil {
			return status, err
		}
		if s.DownloadInProgress, err = o.inProgress(ctx, models.DirectionDownload, sys.ID); err != nil {
			return status, err
		}
		status.Systems = append(status.Systems, s)
	}
	status.PendingChanges = totals.Pending
	status.FailedChanges = totals.Failed
	status.PendingConflicts = totals.PendingConflicts

	setGauges(totals)
	return status, nil
}

func (o *Orchestrator) inProgress(ctx context.Context, dir models.Direction, systemID string) (bool, error) {
	_, held, err := o.locker.Holder(ctx, lease.Name(string(dir), systemID))
	return held, err
}

// Maintain releases deliveries stuck in delivering after a crash, purges
// expired leases and refreshes the backlog gauges.
func (o *Orchestrator) Maintain(ctx context.Context) error {
	var errs []error
	reset, err := o.repo.ResetStaleDeliveries(ctx, o.now().Add(-o.settings.StaleDeliveryAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("reset stale deliveries: %w", err))
	} else if reset > 0 {
		o.logger.Warn("Stale deliveries returned to pending", "count", reset)
	}

	purged, err := o.locker.PurgeExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge leases: %w", err))
	} else if purged > 0 {
		o.logger.Info("Expired sync leases purged", "count", purged)
	}

	o.refreshGauges(ctx)
	return errors.Join(errs...)
}

func (o *Orchestrator) refreshGauges(ctx context.Context) {
	totals, err := o.repo.OutboxCounts(ctx)
	if err != nil {
		o.logger.Warn("Failed to refresh backlog gauges", "error", err)
		return
	}
	setGauges(totals)
}

func setGauges(totals models.SystemCounts) {
	metrics.OutboxBacklog.Set(float64(totals.Pending))
	metrics.FailedRecords.Set(float64(totals.Failed))
	metrics.PendingConflicts.Set(float64(totals.PendingConflicts))
}
