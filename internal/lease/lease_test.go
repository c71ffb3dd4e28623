package lease

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-sync-hub/internal/common"
)

func TestMemoryLockerIsNonReentrant(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	l, err := m.Acquire(ctx, Name("upload", "erp"), time.Minute)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, Name("upload", "erp"), time.Minute)
	var held *HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, l.Holder, held.Holder)
	assert.ErrorIs(t, err, common.ErrSyncInProgress)

	_, err = m.Acquire(ctx, Name("download", "erp"), time.Minute)
	require.NoError(t, err, "directions lock independently")

	holder, ok, err := m.Holder(ctx, Name("upload", "erp"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, l.Holder, holder)

	require.NoError(t, m.Release(ctx, l))
	assert.ErrorIs(t, m.Release(ctx, l), common.ErrLeaseNotHeld)

	_, err = m.Acquire(ctx, Name("upload", "erp"), time.Minute)
	require.NoError(t, err)
}

func TestMemoryLockerExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	_, err := m.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, ok, _ := m.Holder(ctx, "a")
	assert.False(t, ok)

	n, err := m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
}

func TestPostgresLockerAcquire(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	p := NewPostgres(conn)
	p.now = func() time.Time { return now }

	mock.ExpectQuery(`INSERT INTO sync_leases`).
		WithArgs("sync:upload:erp", sqlmock.AnyArg(), now, now.Add(time.Minute)).
		WillReturnRows(sqlmock.NewRows([]string{"holder"}).AddRow("me"))

	l, err := p.Acquire(context.Background(), "sync:upload:erp", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "sync:upload:erp", l.Name)
	assert.NotEmpty(t, l.Holder)

	mock.ExpectQuery(`INSERT INTO sync_leases`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT holder FROM sync_leases`).WithArgs("sync:upload:erp", now).
		WillReturnRows(sqlmock.NewRows([]string{"holder"}).AddRow("other"))

	_, err = p.Acquire(context.Background(), "sync:upload:erp", time.Minute)
	var held *HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "other", held.Holder)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockerRelease(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	p := NewPostgres(conn)

	mock.ExpectExec(`DELETE FROM sync_leases WHERE name = \$1 AND holder = \$2`).
		WithArgs("a", "h").WillReturnResult(sqlmock.NewResult(0, 0))

	err = p.Release(context.Background(), &Lease{Name: "a", Holder: "h"})
	assert.ErrorIs(t, err, common.ErrLeaseNotHeld)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryLockerRenewKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	l, err := m.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	require.NoError(t, m.Renew(ctx, l, time.Minute))
	assert.Equal(t, now.Add(time.Minute), l.ExpiresAt)

	now = now.Add(50 * time.Second)
	_, err = m.Acquire(ctx, "a", time.Minute)
	assert.ErrorIs(t, err, common.ErrSyncInProgress, "renewed lease is still live")

	now = now.Add(time.Minute)
	other, err := m.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Renew(ctx, l, time.Minute), common.ErrLeaseNotHeld)
	require.NoError(t, m.Renew(ctx, other, time.Minute))
}

func TestPostgresLockerRenew(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	p := NewPostgres(conn)
	p.now = func() time.Time { return now }

	mock.ExpectExec(`UPDATE sync_leases SET expires_at = \$3 WHERE name = \$1 AND holder = \$2`).
		WithArgs("a", "h", now.Add(time.Minute)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sync_leases SET expires_at`).
		WithArgs("a", "h", now.Add(time.Minute)).WillReturnResult(sqlmock.NewResult(0, 0))

	l := &Lease{Name: "a", Holder: "h"}
	require.NoError(t, p.Renew(context.Background(), l, time.Minute))
	assert.Equal(t, now.Add(time.Minute), l.ExpiresAt)
	assert.ErrorIs(t, p.Renew(context.Background(), l, time.Minute), common.ErrLeaseNotHeld)
	require.NoError(t, mock.ExpectationsWereMet())
}
