package db

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/models"
)

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewPostgresRepositoryFromDB(conn, slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func TestRunMigrationsUsesEmbeddedDir(t *testing.T) {
	repo, _ := newMockRepo(t)

	orig := gooseUp
	defer func() { gooseUp = orig }()

	var gotDir string
	gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
		gotDir = dir
		return nil
	}
	require.NoError(t, repo.RunMigrations(context.Background()))
	assert.Equal(t, ".", gotDir)

	gooseUp = func(ctx context.Context, db *sql.DB, dir string) error { return errors.New("locked") }
	assert.ErrorContains(t, repo.RunMigrations(context.Background()), "locked")
}

func TestInTxCommitsAndRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("customers:C1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
		return tx.LockEntity(ctx, "customers", "C1")
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	boom := errors.New("boom")
	err = repo.InTx(ctx, func(ctx context.Context, tx Repository) error { return boom })
	require.ErrorIs(t, err, boom)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertChangeAssignsSystems(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO sync_changes`).
		WithArgs("customers", "C1", models.OpCreate, `{"a":1}`, "hash", int64(1), at, models.ChangePending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`INSERT INTO sync_change_deliveries`).WithArgs(int64(7), "erp", models.Operation(""), at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sync_change_deliveries`).WithArgs(int64(7), "crm", models.OpUpdate, at).WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &models.ChangeRecord{
		EntityType: "customers", EntityID: "C1", Operation: models.OpCreate,
		Payload: []byte(`{"a":1}`), PayloadHash: "hash", Version: 1, CapturedAt: at,
	}
	targets := []models.Assignment{{SystemID: "erp"}, {SystemID: "crm", Operation: models.OpUpdate}}
	require.NoError(t, repo.InsertChange(context.Background(), rec, targets))
	assert.Equal(t, int64(7), rec.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDelivery(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE sync_change_deliveries\s+SET status = 'delivering'`).
		WithArgs(int64(3), "erp").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sync_changes c SET status = CASE`).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.ClaimDelivery(context.Background(), 3, "erp")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(`UPDATE sync_change_deliveries\s+SET status = 'delivering'`).
		WithArgs(int64(3), "erp").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = repo.ClaimDelivery(context.Background(), 3, "erp")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishDeliveryWarnsWhenAssignmentMovedOn(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	var logs bytes.Buffer
	repo := NewPostgresRepositoryFromDB(conn, slog.New(slog.NewTextHandler(&logs, nil)))

	done := models.Assignment{ChangeID: 3, SystemID: "erp", Status: models.ChangeDelivered, Attempts: 1}

	mock.ExpectExec(`UPDATE sync_change_deliveries\s+SET status = \$3`).
		WithArgs(int64(3), "erp", models.ChangeDelivered, 1, "", time.Time{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sync_changes c SET status = CASE`).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.FinishDelivery(context.Background(), done))
	assert.Empty(t, logs.String())

	mock.ExpectExec(`UPDATE sync_change_deliveries\s+SET status = \$3`).
		WithArgs(int64(3), "erp", models.ChangeDelivered, 1, "", time.Time{}).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, repo.FinishDelivery(context.Background(), done))
	assert.Contains(t, logs.String(), "no longer delivering")
	assert.Contains(t, logs.String(), "change_id=3")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeAssignmentsScansOperation(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT change_id, system_id, operation, status`).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"change_id", "system_id", "operation", "status", "attempts", "last_error", "next_attempt_at", "updated_at"}).
			AddRow(int64(7), "crm", "create", "pending", 1, "HTTP 500", at, at).
			AddRow(int64(7), "erp", "", "delivered", 1, "", at, at))

	got, err := repo.ChangeAssignments(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.OpCreate, got[0].Operation)
	assert.Equal(t, models.ChangePending, got[0].Status)
	assert.Empty(t, got[1].Operation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryFailedRefreshesEachChangeOnce(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Now()

	mock.ExpectQuery(`UPDATE sync_change_deliveries d\s+SET status = 'pending'`).
		WithArgs("", int64(0), at).
		WillReturnRows(sqlmock.NewRows([]string{"change_id"}).AddRow(int64(1)).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectExec(`UPDATE sync_changes c SET status = CASE`).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sync_changes c SET status = CASE`).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.RetryFailed(context.Background(), "", 0, at)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockWatermark(t *testing.T) {
	repo, mock := newMockRepo(t)
	wm := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO sync_watermarks`).
		WithArgs("erp", models.DirectionUpload, time.Time{}).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT watermark FROM sync_watermarks\s+WHERE system_id = \$1 AND direction = \$2\s+FOR UPDATE`).
		WithArgs("erp", models.DirectionUpload).
		WillReturnRows(sqlmock.NewRows([]string{"watermark"}).AddRow(wm))

	got, err := repo.LockWatermark(context.Background(), "erp", models.DirectionUpload)
	require.NoError(t, err)
	assert.Equal(t, wm, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEarliestUndeliveredEmpty(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT MIN\(c.captured_at\)`).WithArgs("erp").
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	got, err := repo.EarliestUndelivered(context.Background(), "erp")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveConflictAlreadyResolved(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Now()

	mock.ExpectExec(`UPDATE sync_conflicts\s+SET resolution = \$2`).
		WithArgs("c-1", models.ResolutionLocal, at).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM sync_conflicts WHERE id = \$1`).WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "system_id", "entity_type", "entity_id", "local_change_id", "remote_operation",
			"remote_snapshot", "remote_timestamp", "detected_at", "resolution", "resolved_at",
		}).AddRow("c-1", "erp", "customers", "C1", int64(1), "update", []byte(`{}`), at, at, "remote", at))

	err := repo.ResolveConflict(context.Background(), "c-1", models.ResolutionLocal, at)
	assert.ErrorIs(t, err, common.ErrConflictAlreadyResolved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveConflictMissing(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Now()

	mock.ExpectExec(`UPDATE sync_conflicts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM sync_conflicts WHERE id = \$1`).WillReturnError(sql.ErrNoRows)

	err := repo.ResolveConflict(context.Background(), "nope", models.ResolutionLocal, at)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGetSystemDecodesJSONColumns(t *testing.T) {
	repo, mock := newMockRepo(t)
	syncedAt := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM external_systems s`).WithArgs("erp").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "endpoint_url", "change_feed_path", "auth_secret", "enabled",
			"events", "headers", "max_attempts", "timeout_seconds", "last_status", "last_sync_at",
			"up", "down",
		}).AddRow("erp", "ERP", "https://erp.local/hook", "", "s3cret", true,
			[]byte(`["customer.*"]`), []byte(`{"X-Tenant":"7"}`), 5, 10, "success", syncedAt,
			syncedAt, nil))

	sys, err := repo.GetSystem(context.Background(), "erp")
	require.NoError(t, err)
	assert.Equal(t, []string{"customer.*"}, sys.Events)
	assert.Equal(t, "7", sys.Headers["X-Tenant"])
	assert.Equal(t, syncedAt, sys.LastUploadWatermark)
	assert.True(t, sys.LastDownloadWatermark.IsZero())
	assert.Equal(t, 5, sys.MaxAttempts)
}

func TestTouchSystemNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE external_systems SET last_status`).WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.TouchSystem(context.Background(), "ghost", "success", time.Now())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestPostgresEntityStoreApply(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	store := NewPostgresEntityStore(conn)

	mock.ExpectExec(`INSERT INTO entity_snapshots`).
		WithArgs("customers", "C1", `{"name":"Lin"}`, "corr").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM entity_snapshots`).
		WithArgs("customers", "C1").WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, store.Apply(ctx, models.EntityChange{
		EntityType: "customers", EntityID: "C1", Operation: models.OpUpdate,
		Payload: []byte(`{"name":"Lin"}`), CorrelationID: "corr",
	}))
	require.NoError(t, store.Apply(ctx, models.EntityChange{EntityType: "customers", EntityID: "C1", Operation: models.OpDelete}))
	assert.ErrorIs(t, store.Apply(ctx, models.EntityChange{Operation: "merge"}), common.ErrInvalidInput)
	require.NoError(t, mock.ExpectationsWereMet())
}
