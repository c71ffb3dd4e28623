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

const changeColumns = `c.id, c.entity_type, c.entity_id, c.operation, c.payload, c.payload_hash, c.version, c.captured_at, c.status`

func scanChange(row rowScanner, extra ...any) (models.ChangeRecord, error) {
	var (
		c       models.ChangeRecord
		payload []byte
	)
	dest := append([]any{
		&c.ID, &c.EntityType, &c.EntityID, &c.Operation, &payload, &c.PayloadHash, &c.Version, &c.CapturedAt, &c.Status,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return c, err
	}
	c.Payload = payload
	return c, nil
}

func (r *PostgresRepository) LatestChange(ctx context.Context, entityType, entityID string) (*models.ChangeRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+changeColumns+`
		FROM sync_changes c
		WHERE c.entity_type = $1 AND c.entity_id = $2
		ORDER BY c.id DESC
		LIMIT 1`, entityType, entityID)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest change: %w", err)
	}
	return &c, nil
}

func (r *PostgresRepository) InFlightChanges(ctx context.Context, entityType, entityID string) ([]models.ChangeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM sync_changes c
		WHERE c.entity_type = $1 AND c.entity_id = $2 AND c.status IN ('pending', 'delivering')
		ORDER BY c.id`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight changes: %w", err)
	}
	defer rows.Close()

	var out []models.ChangeRecord
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) InsertChange(ctx context.Context, rec *models.ChangeRecord, targets []models.Assignment) error {
	if rec.Status == "" {
		rec.Status = models.ChangePending
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sync_changes (entity_type, entity_id, operation, payload, payload_hash, version, captured_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		rec.EntityType, rec.EntityID, rec.Operation, string(rec.Payload), rec.PayloadHash, rec.Version, rec.CapturedAt, rec.Status,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert change: %w", err)
	}

	for _, t := range targets {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO sync_change_deliveries (change_id, system_id, operation, status, next_attempt_at, updated_at)
			VALUES ($1, $2, $3, 'pending', $4, $4)`, rec.ID, t.SystemID, t.Operation, rec.CapturedAt)
		if err != nil {
			return fmt.Errorf("failed to assign change %d to %s: %w", rec.ID, t.SystemID, err)
		}
	}
	return nil
}

func (r *PostgresRepository) ChangeAssignments(ctx context.Context, changeID int64) ([]models.Assignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT change_id, system_id, operation, status, attempts, last_error, next_attempt_at, updated_at
		FROM sync_change_deliveries
		WHERE change_id = $1
		ORDER BY system_id`, changeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments of change %d: %w", changeID, err)
	}
	defer rows.Close()

	var out []models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(&a.ChangeID, &a.SystemID, &a.Operation, &a.Status, &a.Attempts, &a.LastError, &a.NextAttemptAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetChange(ctx context.Context, id int64) (models.ChangeRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM sync_changes c WHERE c.id = $1`, id)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, common.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("failed to get change %d: %w", id, err)
	}
	return c, nil
}

func (r *PostgresRepository) SupersedeChange(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sync_changes SET status = 'superseded' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to supersede change %d: %w", id, err)
	}
	if err := expectAffected(res); err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE sync_change_deliveries
		SET status = 'superseded', updated_at = now()
		WHERE change_id = $1 AND status <> 'delivered'`, id)
	if err != nil {
		return fmt.Errorf("failed to supersede deliveries of change %d: %w", id, err)
	}
	return nil
}

func (r *PostgresRepository) RequeueChange(ctx context.Context, id int64, systemIDs []string, at time.Time) error {
	var status models.ChangeStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM sync_changes WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read change %d: %w", id, err)
	}
	if status == models.ChangeSuperseded {
		return fmt.Errorf("change %d is superseded: %w", id, common.ErrInvalidInput)
	}

	for _, sid := range systemIDs {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO sync_change_deliveries (change_id, system_id, status, attempts, last_error, next_attempt_at, updated_at)
			VALUES ($1, $2, 'pending', 0, '', $3, $3)
			ON CONFLICT (change_id, system_id) DO UPDATE SET
				status = 'pending',
				attempts = 0,
				last_error = '',
				next_attempt_at = EXCLUDED.next_attempt_at,
				updated_at = EXCLUDED.updated_at`, id, sid, at)
		if err != nil {
			return fmt.Errorf("failed to requeue change %d for %s: %w", id, sid, err)
		}
	}
	return r.refreshStatus(ctx, id)
}

// refreshStatus derives the record status from its assignments:
// delivering > pending > failed > delivered. Superseded is terminal.
func (r *PostgresRepository) refreshStatus(ctx context.Context, changeID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_changes c SET status = CASE
			WHEN EXISTS (SELECT 1 FROM sync_change_deliveries d WHERE d.change_id = c.id AND d.status = 'delivering') THEN 'delivering'
			WHEN EXISTS (SELECT 1 FROM sync_change_deliveries d WHERE d.change_id = c.id AND d.status = 'pending') THEN 'pending'
			WHEN EXISTS (SELECT 1 FROM sync_change_deliveries d WHERE d.change_id = c.id AND d.status = 'failed') THEN 'failed'
			ELSE 'delivered'
		END
		WHERE c.id = $1 AND c.status <> 'superseded'`, changeID)
	if err != nil {
		return fmt.Errorf("failed to refresh status of change %d: %w", changeID, err)
	}
	return nil
}

func (r *PostgresRepository) DueDeliveries(ctx context.Context, systemID string, now time.Time, limit int) ([]models.PendingDelivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+changeColumns+`, d.system_id, d.operation, d.status, d.attempts, d.last_error, d.next_attempt_at, d.updated_at
		FROM sync_change_deliveries d
		JOIN sync_changes c ON c.id = d.change_id
		WHERE d.system_id = $1 AND d.status = 'pending' AND d.next_attempt_at <= $2
		ORDER BY c.id
		LIMIT $3`, systemID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.PendingDelivery
	for rows.Next() {
		var a models.Assignment
		c, err := scanChange(rows, &a.SystemID, &a.Operation, &a.Status, &a.Attempts, &a.LastError, &a.NextAttemptAt, &a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		a.ChangeID = c.ID
		out = append(out, models.PendingDelivery{Change: c, Assignment: a})
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ClaimDelivery(ctx context.Context, changeID int64, systemID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_change_deliveries
		SET status = 'delivering', updated_at = now()
		WHERE change_id = $1 AND system_id = $2 AND status = 'pending'`, changeID, systemID)
	if err != nil {
		return false, fmt.Errorf("failed to claim change %d for %s: %w", changeID, systemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	return true, r.refreshStatus(ctx, changeID)
}

// FinishDelivery books the outcome of a claimed assignment. An assignment
// that left delivering meanwhile (stale reset, supersede) is left untouched.
func (r *PostgresRepository) FinishDelivery(ctx context.Context, a models.Assignment) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_change_deliveries
		SET status = $3, attempts = $4, last_error = $5, next_attempt_at = $6, updated_at = now()
		WHERE change_id = $1 AND system_id = $2 AND status = 'delivering'`,
		a.ChangeID, a.SystemID, a.Status, a.Attempts, a.LastError, a.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to finish delivery of change %d to %s: %w", a.ChangeID, a.SystemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish delivery of change %d to %s: %w", a.ChangeID, a.SystemID, err)
	}
	if n == 0 {
		r.logger.Warn("Delivery outcome not booked, assignment is no longer delivering",
			"change_id", a.ChangeID,
			"system_id", a.SystemID,
			"outcome", a.Status,
		)
		return nil
	}
	return r.refreshStatus(ctx, a.ChangeID)
}

func (r *PostgresRepository) RetryFailed(ctx context.Context, systemID string, changeID int64, at time.Time) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE sync_change_deliveries d
		SET status = 'pending', attempts = 0, last_error = '', next_attempt_at = $3, updated_at = $3
		FROM sync_changes c
		WHERE c.id = d.change_id AND c.status <> 'superseded' AND d.status = 'failed'
			AND ($1 = '' OR d.system_id = $1)
			AND ($2 = 0 OR d.change_id = $2)
		RETURNING d.change_id`, systemID, changeID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed deliveries: %w", err)
	}
	return r.refreshReturned(ctx, rows)
}

// ResetStaleDeliveries returns assignments stuck in delivering (crashed
// worker) to pending.
func (r *PostgresRepository) ResetStaleDeliveries(ctx context.Context, olderThan time.Time) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE sync_change_deliveries
		SET status = 'pending', updated_at = now()
		WHERE status = 'delivering' AND updated_at < $1
		RETURNING change_id`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale deliveries: %w", err)
	}
	return r.refreshReturned(ctx, rows)
}

func (r *PostgresRepository) refreshReturned(ctx context.Context, rows *sql.Rows) (int, error) {
	var ids []int64
	seen := map[int64]bool{}
	n := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		n++
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, id := range ids {
		if err := r.refreshStatus(ctx, id); err != nil {
			return n, err
		}
	}
	return n, nil
}
