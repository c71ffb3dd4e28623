package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/db"
	"github.com/Guizzs26/go-sync-hub/internal/models"
)

// Resolver settles pending conflicts. "local" re-queues the latest local
// record for every subscribed system; "remote" applies the remote snapshot
// and supersedes whatever local record is still in flight.
type Resolver struct {
	repo   db.Repository
	store  db.EntityStore
	logger *slog.Logger
	now    func() time.Time
}

func NewResolver(repo db.Repository, store db.EntityStore, logger *slog.Logger) *Resolver {
	return &Resolver{repo: repo, store: store, logger: logger, now: time.Now}
}

// Resolve applies resolution to the conflict. Repeating the decision a
// conflict was already resolved with returns it unchanged; a different
// decision fails with common.ErrConflictAlreadyResolved.
func (r *Resolver) Resolve(ctx context.Context, conflictID, resolution string) (models.SyncConflict, error) {
	res, ok := models.ParseResolution(resolution)
	if !ok {
		return models.SyncConflict{}, fmt.Errorf("%w: %q", common.ErrInvalidResolution, resolution)
	}
	if _, err := uuid.Parse(conflictID); err != nil {
		return models.SyncConflict{}, fmt.Errorf("conflict %q: %w", conflictID, common.ErrNotFound)
	}

	var out models.SyncConflict
	err := r.repo.InTx(ctx, func(ctx context.Context, tx db.Repository) error {
		c, err := tx.GetConflict(ctx, conflictID)
		if err != nil {
			return err
		}
		if err := tx.LockEntity(ctx, c.EntityType, c.EntityID); err != nil {
			return err
		}
		// Re-read under the entity lock; a concurrent resolve may have won.
		if c, err = tx.GetConflict(ctx, conflictID); err != nil {
			return err
		}
		if c.Resolution != models.ResolutionPending {
			if c.Resolution == res {
				out = c
				return nil
			}
			return fmt.Errorf("conflict %s resolved as %s: %w", c.ID, c.Resolution, common.ErrConflictAlreadyResolved)
		}

		now := r.now().UTC()
		switch res {
		case models.ResolutionLocal:
			err = r.keepLocal(ctx, tx, c, now)
		case models.ResolutionRemote:
			err = r.takeRemote(ctx, tx, c)
		}
		if err != nil {
			return err
		}

		if err := tx.ResolveConflict(ctx, c.ID, res, now); err != nil {
			return err
		}
		c.Resolution = res
		c.ResolvedAt = &now
		out = c
		return nil
	})
	if err != nil {
		return models.SyncConflict{}, err
	}

	r.logger.Info("Conflict resolved",
		"conflict_id", out.ID,
		"resolution", out.Resolution,
		"entity_type", out.EntityType,
		"entity_id", out.EntityID,
	)
	return out, nil
}

func (r *Resolver) keepLocal(ctx context.Context, tx db.Repository, c models.SyncConflict, now time.Time) error {
	latest, err := tx.LatestChange(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return err
	}
	if latest == nil || latest.Status == models.ChangeSuperseded {
		return nil
	}

	targets, err := subscribedSystems(ctx, tx, models.EventType(latest.EntityType, latest.Operation))
	if err != nil {
		return err
	}
	return tx.RequeueChange(ctx, latest.ID, targets, now)
}

func (r *Resolver) takeRemote(ctx context.Context, tx db.Repository, c models.SyncConflict) error {
	err := r.store.Apply(ctx, models.EntityChange{
		EntityType:    c.EntityType,
		EntityID:      c.EntityID,
		Operation:     c.RemoteOperation,
		Payload:       c.RemoteSnapshot,
		CorrelationID: "conflict:" + c.ID,
	})
	if err != nil {
		return fmt.Errorf("apply remote snapshot of %s/%s: %w", c.EntityType, c.EntityID, err)
	}

	inFlight, err := tx.InFlightChanges(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return err
	}
	for _, rec := range inFlight {
		if err := tx.SupersedeChange(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// ListConflicts returns conflicts with the given resolution, or all of them
// when resolution is empty.
func (r *Resolver) ListConflicts(ctx context.Context, resolution string) ([]models.SyncConflict, error) {
	var filter models.Resolution
	if resolution != "" {
		filter = models.Resolution(resolution)
		if filter != models.ResolutionPending {
			if _, ok := models.ParseResolution(resolution); !ok {
				return nil, fmt.Errorf("%w: %q", common.ErrInvalidResolution, resolution)
			}
		}
	}
	return r.repo.ListConflicts(ctx, filter)
}

func subscribedSystems(ctx context.Context, repo db.Repository, eventType string) ([]string, error) {
	systems, err := repo.ListSystems(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, sys := range systems {
		if sys.Enabled && sys.Subscribes(eventType) {
			ids = append(ids, sys.ID)
		}
	}
	return ids, nil
}
