package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/db"
)

// PostgresLocker stores leases in sync_leases so several daemons sharing a
// database exclude each other.
type PostgresLocker struct {
	db  db.DBTX
	now func() time.Time
}

func NewPostgres(conn db.DBTX) *PostgresLocker {
	return &PostgresLocker{db: conn, now: time.Now}
}

func (p *PostgresLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	now := p.now()
	l := Lease{Name: name, Holder: uuid.NewString(), AcquiredAt: now, ExpiresAt: now.Add(ttl)}

	var holder string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO sync_leases (name, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			holder = EXCLUDED.holder,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE sync_leases.expires_at <= EXCLUDED.acquired_at
		RETURNING holder`, l.Name, l.Holder, l.AcquiredAt, l.ExpiresAt).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		current, _, herr := p.Holder(ctx, name)
		if herr != nil {
			return nil, herr
		}
		return nil, &HeldError{Name: name, Holder: current}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return &l, nil
}

func (p *PostgresLocker) Release(ctx context.Context, l *Lease) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sync_leases WHERE name = $1 AND holder = $2`, l.Name, l.Holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrLeaseNotHeld
	}
	return nil
}

func (p *PostgresLocker) Renew(ctx context.Context, l *Lease, ttl time.Duration) error {
	expires := p.now().Add(ttl)
	res, err := p.db.ExecContext(ctx,
		`UPDATE sync_leases SET expires_at = $3 WHERE name = $1 AND holder = $2`, l.Name, l.Holder, expires)
	if err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", l.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrLeaseNotHeld
	}
	l.ExpiresAt = expires
	return nil
}

func (p *PostgresLocker) Holder(ctx context.Context, name string) (string, bool, error) {
	var holder string
	err := p.db.QueryRowContext(ctx,
		`SELECT holder FROM sync_leases WHERE name = $1 AND expires_at > $2`, name, p.now()).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read lease %s: %w", name, err)
	}
	return holder, true, nil
}

func (p *PostgresLocker) PurgeExpired(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sync_leases WHERE expires_at <= $1`, p.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge leases: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
