package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/db/migrations"
	"github.com/Guizzs26/go-sync-hub/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresRepository stores the sync bookkeeping in Postgres. A repository
// returned by WithTx or handed to an InTx callback is bound to that transaction.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	sqlDB  *sql.DB
	db     DBTX
	logger *slog.Logger
	inTx   bool
}

// gooseUp is swapped in tests.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

func NewPostgresRepository(ctx context.Context, connString string, logger *slog.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	repo := NewPostgresRepositoryFromDB(stdlib.OpenDBFromPool(p), logger)
	repo.pool = p

	if err := repo.RunMigrations(ctx); err != nil {
		repo.Close()
		return nil, err
	}

	logger.Info("Connected to Postgres", "max_conns", config.MaxConns)
	return repo, nil
}

// NewPostgresRepositoryFromDB wraps an existing handle without migrating it.
func NewPostgresRepositoryFromDB(conn *sql.DB, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{sqlDB: conn, db: conn, logger: logger}
}

func (r *PostgresRepository) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := gooseUp(ctx, r.sqlDB, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for components sharing the pool.
func (r *PostgresRepository) DB() *sql.DB {
	return r.sqlDB
}

// WithTx binds the repository to a caller-owned transaction so an outbox
// capture commits or rolls back with the business write.
func (r *PostgresRepository) WithTx(tx *sql.Tx) *PostgresRepository {
	return &PostgresRepository{pool: r.pool, sqlDB: r.sqlDB, db: tx, logger: r.logger, inTx: true}
}

func (r *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	return WithTx(ctx, r.sqlDB, nil, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, r.WithTx(tx))
	})
}

func (r *PostgresRepository) LockEntity(ctx context.Context, entityType, entityID string) error {
	if _, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entityType+":"+entityID); err != nil {
		return fmt.Errorf("failed to lock entity %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

func (r *PostgresRepository) Close() {
	if r.inTx {
		return
	}
	_ = r.sqlDB.Close()
	if r.pool != nil {
		r.pool.Close()
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const systemColumns = `s.id, s.name, s.endpoint_url, s.change_feed_path, s.auth_secret, s.enabled,
	s.events, s.headers, s.max_attempts, s.timeout_seconds, s.last_status, s.last_sync_at,
	u.watermark, d.watermark`

const systemFrom = `FROM external_systems s
	LEFT JOIN sync_watermarks u ON u.system_id = s.id AND u.direction = 'upload'
	LEFT JOIN sync_watermarks d ON d.system_id = s.id AND d.direction = 'download'`

func scanSystem(row rowScanner) (models.ExternalSystem, error) {
	var (
		sys                  models.ExternalSystem
		events, headers      []byte
		lastSync, upWM, dnWM sql.NullTime
	)
	err := row.Scan(
		&sys.ID, &sys.Name, &sys.EndpointURL, &sys.ChangeFeedPath, &sys.AuthSecret, &sys.Enabled,
		&events, &headers, &sys.MaxAttempts, &sys.TimeoutSeconds, &sys.LastStatus, &lastSync,
		&upWM, &dnWM,
	)
	if err != nil {
		return sys, err
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &sys.Events); err != nil {
			return sys, fmt.Errorf("decode events of %s: %w", sys.ID, err)
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &sys.Headers); err != nil {
			return sys, fmt.Errorf("decode headers of %s: %w", sys.ID, err)
		}
	}
	sys.LastSyncAt = lastSync.Time
	sys.LastUploadWatermark = upWM.Time
	sys.LastDownloadWatermark = dnWM.Time
	return sys, nil
}

func (r *PostgresRepository) ListSystems(ctx context.Context) ([]models.ExternalSystem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+systemColumns+` `+systemFrom+` ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list systems: %w", err)
	}
	defer rows.Close()

	var out []models.ExternalSystem
	for rows.Next() {
		sys, err := scanSystem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan system: %w", err)
		}
		out = append(out, sys)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetSystem(ctx context.Context, id string) (models.ExternalSystem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+systemColumns+` `+systemFrom+` WHERE s.id = $1`, id)
	sys, err := scanSystem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sys, common.ErrNotFound
	}
	if err != nil {
		return sys, fmt.Errorf("failed to get system %s: %w", id, err)
	}
	return sys, nil
}

func (r *PostgresRepository) UpsertSystem(ctx context.Context, sys models.ExternalSystem) error {
	events := sys.Events
	if events == nil {
		events = []string{}
	}
	headers := sys.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return err
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO external_systems
			(id, name, endpoint_url, change_feed_path, auth_secret, enabled, events, headers, max_attempts, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			endpoint_url = EXCLUDED.endpoint_url,
			change_feed_path = EXCLUDED.change_feed_path,
			auth_secret = EXCLUDED.auth_secret,
			enabled = EXCLUDED.enabled,
			events = EXCLUDED.events,
			headers = EXCLUDED.headers,
			max_attempts = EXCLUDED.max_attempts,
			timeout_seconds = EXCLUDED.timeout_seconds,
			updated_at = now()
	`
	_, err = r.db.ExecContext(ctx, query,
		sys.ID, sys.Name, sys.EndpointURL, sys.ChangeFeedPath, sys.AuthSecret, sys.Enabled,
		string(eventsJSON), string(headersJSON), sys.MaxAttempts, sys.TimeoutSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert system %s: %w", sys.ID, err)
	}
	return nil
}

func (r *PostgresRepository) TouchSystem(ctx context.Context, id, status string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE external_systems SET last_status = $2, last_sync_at = $3, updated_at = now() WHERE id = $1`,
		id, status, at)
	if err != nil {
		return fmt.Errorf("failed to touch system %s: %w", id, err)
	}
	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
