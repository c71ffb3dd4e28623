package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/models"
)

// PostgresEntityStore keeps the latest snapshot of each synced entity in the
// entity_snapshots table. It is used when no legacy database is configured.
type PostgresEntityStore struct {
	db DBTX
}

func NewPostgresEntityStore(db DBTX) *PostgresEntityStore {
	return &PostgresEntityStore{db: db}
}

func (s *PostgresEntityStore) Apply(ctx context.Context, change models.EntityChange) error {
	switch change.Operation {
	case models.OpDelete:
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM entity_snapshots WHERE entity_type = $1 AND entity_id = $2`,
			change.EntityType, change.EntityID)
		if err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", change.EntityType, change.EntityID, err)
		}
		return nil
	case models.OpCreate, models.OpUpdate:
		payload := string(change.Payload)
		if payload == "" {
			payload = "{}"
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO entity_snapshots (entity_type, entity_id, payload, correlation_id, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (entity_type, entity_id) DO UPDATE SET
				payload = EXCLUDED.payload,
				correlation_id = EXCLUDED.correlation_id,
				updated_at = now()`,
			change.EntityType, change.EntityID, payload, change.CorrelationID)
		if err != nil {
			return fmt.Errorf("failed to upsert %s/%s: %w", change.EntityType, change.EntityID, err)
		}
		return nil
	}
	return fmt.Errorf("unsupported operation %q: %w", change.Operation, common.ErrInvalidInput)
}

// Get returns the stored snapshot or common.ErrNotFound.
func (s *PostgresEntityStore) Get(ctx context.Context, entityType, entityID string) (json.RawMessage, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM entity_snapshots WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", entityType, entityID, err)
	}
	return payload, nil
}
