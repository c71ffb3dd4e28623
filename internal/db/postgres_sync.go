package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/models"
)

// LockWatermark creates the watermark row on first use and locks it until
// the surrounding transaction ends.
func (r *PostgresRepository) LockWatermark(ctx context.Context, systemID string, dir models.Direction) (time.Time, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_watermarks (system_id, direction, watermark)
		VALUES ($1, $2, $3)
		ON CONFLICT (system_id, direction) DO NOTHING`, systemID, dir, time.Time{})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to init %s watermark of %s: %w", dir, systemID, err)
	}

	var wm time.Time
	err = r.db.QueryRowContext(ctx, `
		SELECT watermark FROM sync_watermarks
		WHERE system_id = $1 AND direction = $2
		FOR UPDATE`, systemID, dir).Scan(&wm)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to lock %s watermark of %s: %w", dir, systemID, err)
	}
	return wm, nil
}

func (r *PostgresRepository) SetWatermark(ctx context.Context, systemID string, dir models.Direction, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_watermarks (system_id, direction, watermark, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (system_id, direction) DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = now()`,
		systemID, dir, at)
	if err != nil {
		return fmt.Errorf("failed to set %s watermark of %s: %w", dir, systemID, err)
	}
	return nil
}

func (r *PostgresRepository) EarliestUndelivered(ctx context.Context, systemID string) (*time.Time, error) {
	var t sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT MIN(c.captured_at)
		FROM sync_change_deliveries d
		JOIN sync_changes c ON c.id = d.change_id
		WHERE d.system_id = $1 AND d.status IN ('pending', 'delivering', 'failed')`, systemID).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("failed to find earliest undelivered for %s: %w", systemID, err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

func (r *PostgresRepository) LatestDeliveredBefore(ctx context.Context, systemID string, bound *time.Time) (*time.Time, error) {
	var arg any
	if bound != nil {
		arg = *bound
	}
	var t sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(c.captured_at)
		FROM sync_change_deliveries d
		JOIN sync_changes c ON c.id = d.change_id
		WHERE d.system_id = $1 AND d.status = 'delivered'
			AND ($2::timestamptz IS NULL OR c.captured_at < $2)`, systemID, arg).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest delivered for %s: %w", systemID, err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

func (r *PostgresRepository) AppendDeliveryLog(ctx context.Context, e *models.DeliveryLogEntry) error {
	var request any
	if len(e.RequestPayload) > 0 {
		request = string(e.RequestPayload)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sync_delivery_log
			(system_id, change_record_id, event_type, direction, request_payload, response_payload,
			 http_status, status, attempt_number, duration_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		e.SystemID, e.ChangeRecordID, e.EventType, e.Direction, request, e.ResponsePayload,
		e.HTTPStatus, e.Status, e.AttemptNumber, e.DurationMs, e.Error, createdAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to append delivery log: %w", err)
	}
	e.CreatedAt = createdAt
	return nil
}

func (r *PostgresRepository) ListDeliveryLog(ctx context.Context, f models.DeliveryLogFilter) ([]models.DeliveryLogEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, system_id, change_record_id, event_type, direction, request_payload, response_payload,
			http_status, status, attempt_number, duration_ms, error, created_at
		FROM sync_delivery_log
		WHERE ($1 = '' OR system_id = $1)
			AND ($2 = 0 OR change_record_id = $2)
			AND ($3 = '' OR direction = $3)
		ORDER BY id DESC
		LIMIT $4`, f.SystemID, f.ChangeID, string(f.Direction), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery log: %w", err)
	}
	defer rows.Close()

	var out []models.DeliveryLogEntry
	for rows.Next() {
		var (
			e        models.DeliveryLogEntry
			changeID sql.NullInt64
			request  []byte
		)
		err := rows.Scan(&e.ID, &e.SystemID, &changeID, &e.EventType, &e.Direction, &request, &e.ResponsePayload,
			&e.HTTPStatus, &e.Status, &e.AttemptNumber, &e.DurationMs, &e.Error, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery log: %w", err)
		}
		if changeID.Valid {
			id := changeID.Int64
			e.ChangeRecordID = &id
		}
		e.RequestPayload = request
		out = append(out, e)
	}
	return out, rows.Err()
}

const conflictColumns = `id::text, system_id, entity_type, entity_id, local_change_id, remote_operation,
	remote_snapshot, remote_timestamp, detected_at, resolution, resolved_at`

func scanConflict(row rowScanner) (models.SyncConflict, error) {
	var (
		c          models.SyncConflict
		snapshot   []byte
		resolvedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.SystemID, &c.EntityType, &c.EntityID, &c.LocalChangeID, &c.RemoteOperation,
		&snapshot, &c.RemoteTimestamp, &c.DetectedAt, &c.Resolution, &resolvedAt)
	if err != nil {
		return c, err
	}
	c.RemoteSnapshot = snapshot
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return c, nil
}

func (r *PostgresRepository) PendingConflictFor(ctx context.Context, entityType, entityID string) (*models.SyncConflict, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+`
		FROM sync_conflicts
		WHERE entity_type = $1 AND entity_id = $2 AND resolution = 'pending'
		LIMIT 1`, entityType, entityID)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending conflict: %w", err)
	}
	return &c, nil
}

func (r *PostgresRepository) InsertConflict(ctx context.Context, c *models.SyncConflict) error {
	snapshot := string(c.RemoteSnapshot)
	if snapshot == "" {
		snapshot = "{}"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts
			(id, system_id, entity_type, entity_id, local_change_id, remote_operation, remote_snapshot,
			 remote_timestamp, detected_at, resolution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.SystemID, c.EntityType, c.EntityID, c.LocalChangeID, c.RemoteOperation, snapshot,
		c.RemoteTimestamp, c.DetectedAt, c.Resolution)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RefreshConflictSnapshot(ctx context.Context, id string, op models.Operation, snapshot []byte, remoteTS time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET remote_operation = $2, remote_snapshot = $3, remote_timestamp = $4
		WHERE id = $1 AND resolution = 'pending'`, id, op, string(snapshot), remoteTS)
	if err != nil {
		return fmt.Errorf("failed to refresh conflict %s: %w", id, err)
	}
	return r.explainMissedConflict(ctx, id, res)
}

func (r *PostgresRepository) GetConflict(ctx context.Context, id string) (models.SyncConflict, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = $1`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, common.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return c, nil
}

func (r *PostgresRepository) ResolveConflict(ctx context.Context, id string, resolution models.Resolution, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolution = $2, resolved_at = $3
		WHERE id = $1 AND resolution = 'pending'`, id, resolution, at)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	return r.explainMissedConflict(ctx, id, res)
}

// explainMissedConflict turns a zero-row conflict update into ErrNotFound or
// ErrConflictAlreadyResolved.
func (r *PostgresRepository) explainMissedConflict(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := r.GetConflict(ctx, id); err != nil {
		return err
	}
	return common.ErrConflictAlreadyResolved
}

func (r *PostgresRepository) ListConflicts(ctx context.Context, resolution models.Resolution) ([]models.SyncConflict, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM sync_conflicts
		WHERE ($1 = '' OR resolution = $1)
		ORDER BY detected_at, id`, string(resolution))
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CountsBySystem(ctx context.Context) (map[string]models.SystemCounts, error) {
	out := map[string]models.SystemCounts{}

	rows, err := r.db.QueryContext(ctx, `
		SELECT system_id,
			COUNT(*) FILTER (WHERE status IN ('pending', 'delivering')),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM sync_change_deliveries
		GROUP BY system_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	for rows.Next() {
		var (
			id     string
			counts models.SystemCounts
		)
		if err := rows.Scan(&id, &counts.Pending, &counts.Failed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan delivery counts: %w", err)
		}
		out[id] = counts
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT system_id, COUNT(*)
		FROM sync_conflicts
		WHERE resolution = 'pending'
		GROUP BY system_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan conflict counts: %w", err)
		}
		counts := out[id]
		counts.PendingConflicts = n
		out[id] = counts
	}
	return out, rows.Err()
}

func (r *PostgresRepository) OutboxCounts(ctx context.Context) (models.SystemCounts, error) {
	var counts models.SystemCounts
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('pending', 'delivering')),
			COUNT(*) FILTER (WHERE status = 'failed'),
			(SELECT COUNT(*) FROM sync_conflicts WHERE resolution = 'pending')
		FROM sync_changes`).Scan(&counts.Pending, &counts.Failed, &counts.PendingConflicts)
	if err != nil {
		return counts, fmt.Errorf("failed to count outbox: %w", err)
	}
	return counts, nil
}
