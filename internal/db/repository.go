package db

import (
	"context"
	"time"

	"github.com/Guizzs26/go-sync-hub/internal/models"
)

// Repository is the persistence contract of the sync engine. Implementations
// return common.ErrNotFound for missing rows.
type Repository interface {
	// InTx runs fn against a repository bound to one transaction. Calling
	// InTx on an already-bound repository reuses the transaction.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
	// LockEntity serializes outbox capture and remote apply for one entity
	// until the surrounding transaction ends.
	LockEntity(ctx context.Context, entityType, entityID string) error

	ListSystems(ctx context.Context) ([]models.ExternalSystem, error)
	GetSystem(ctx context.Context, id string) (models.ExternalSystem, error)
	UpsertSystem(ctx context.Context, sys models.ExternalSystem) error
	TouchSystem(ctx context.Context, id, status string, at time.Time) error

	LatestChange(ctx context.Context, entityType, entityID string) (*models.ChangeRecord, error)
	InFlightChanges(ctx context.Context, entityType, entityID string) ([]models.ChangeRecord, error)
	InsertChange(ctx context.Context, rec *models.ChangeRecord, targets []models.Assignment) error
	ChangeAssignments(ctx context.Context, changeID int64) ([]models.Assignment, error)
	GetChange(ctx context.Context, id int64) (models.ChangeRecord, error)
	SupersedeChange(ctx context.Context, id int64) error
	RequeueChange(ctx context.Context, id int64, systemIDs []string, at time.Time) error

	DueDeliveries(ctx context.Context, systemID string, now time.Time, limit int) ([]models.PendingDelivery, error)
	ClaimDelivery(ctx context.Context, changeID int64, systemID string) (bool, error)
	FinishDelivery(ctx context.Context, a models.Assignment) error
	RetryFailed(ctx context.Context, systemID string, changeID int64, at time.Time) (int, error)
	ResetStaleDeliveries(ctx context.Context, olderThan time.Time) (int, error)

	LockWatermark(ctx context.Context, systemID string, dir models.Direction) (time.Time, error)
	SetWatermark(ctx context.Context, systemID string, dir models.Direction, at time.Time) error
	EarliestUndelivered(ctx context.Context, systemID string) (*time.Time, error)
	LatestDeliveredBefore(ctx context.Context, systemID string, bound *time.Time) (*time.Time, error)

	AppendDeliveryLog(ctx context.Context, entry *models.DeliveryLogEntry) error
	ListDeliveryLog(ctx context.Context, filter models.DeliveryLogFilter) ([]models.DeliveryLogEntry, error)

	PendingConflictFor(ctx context.Context, entityType, entityID string) (*models.SyncConflict, error)
	InsertConflict(ctx context.Context, c *models.SyncConflict) error
	RefreshConflictSnapshot(ctx context.Context, id string, op models.Operation, snapshot []byte, remoteTS time.Time) error
	GetConflict(ctx context.Context, id string) (models.SyncConflict, error)
	ResolveConflict(ctx context.Context, id string, resolution models.Resolution, at time.Time) error
	ListConflicts(ctx context.Context, resolution models.Resolution) ([]models.SyncConflict, error)

	CountsBySystem(ctx context.Context) (map[string]models.SystemCounts, error)
	OutboxCounts(ctx context.Context) (models.SystemCounts, error)
}

// EntityStore is the local business store the engine writes remote state into.
type EntityStore interface {
	Apply(ctx context.Context, change models.EntityChange) error
}
