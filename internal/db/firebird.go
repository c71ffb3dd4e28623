package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/go-sync-hub/internal/models"
	"github.com/Guizzs26/go-sync-hub/pkg/encoding"

	_ "github.com/nakagami/firebirdsql"
)

// FirebirdRepository handles data infrastructure at the branch level
type FirebirdRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFirebirdRepository initializes a connection pool for Firebird 2.5
func NewFirebirdRepository(connString string, logger *slog.Logger) (*FirebirdRepository, error) {
	db, err := sql.Open("firebirdsql", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open firebird connection: %w", err)
	}

	// Connection pool settings optimized for legacy systems
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("firebird ping failed: %w", err)
	}

	logger.Info("Connected to Firebird successfully", "dialect", 3)

	return NewFirebirdRepositoryFromDB(db, logger), nil
}

func NewFirebirdRepositoryFromDB(db *sql.DB, logger *slog.Logger) *FirebirdRepository {
	return &FirebirdRepository{db: db, logger: logger}
}

// FetchOutboxPending reads the trigger-fed outbox in insertion order
func (r *FirebirdRepository) FetchOutboxPending(ctx context.Context, limit int) ([]models.FBOutboxRecord, error) {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(opCtx,
		`SELECT FIRST ? ID, TABLE_NAME, OP_TYPE, PK_VALUE, CREATED_AT FROM FB_SYNC_OUTBOX ORDER BY ID`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read firebird outbox: %w", err)
	}
	defer rows.Close()

	var out []models.FBOutboxRecord
	for rows.Next() {
		var (
			rec           models.FBOutboxRecord
			table, op, pk []byte
		)
		if err := rows.Scan(&rec.ID, &table, &op, &pk, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan firebird outbox: %w", err)
		}
		rec.TableName = encoding.ToUTF8(table)
		rec.OpType = encoding.ToUTF8(op)
		rec.PKValue = encoding.ToUTF8(pk)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FetchFullRecord hydrates the current row of a whitelisted table. Text
// columns are decoded from WIN1252. Returns sql.ErrNoRows for ghost records.
func (r *FirebirdRepository) FetchFullRecord(ctx context.Context, tableName string, pkValue string) (map[string]any, error) {
	def, ok := models.LookupEntityByTable(tableName)
	if !ok {
		return nil, fmt.Errorf("table %s is not whitelisted", tableName)
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", def.Table, def.PKColumn)
	rows, err := r.db.QueryContext(opCtx, query, pkValue)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", def.Table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", def.Table, err)
	}

	record := make(map[string]any, len(cols))
	for i, col := range cols {
		switch v := values[i].(type) {
		case []byte:
			record[strings.ToUpper(col)] = encoding.ToUTF8(v)
		case string:
			record[strings.ToUpper(col)] = strings.TrimSpace(v)
		default:
			record[strings.ToUpper(col)] = v
		}
	}
	return record, nil
}

// DeleteOutbox removes a collected outbox row
func (r *FirebirdRepository) DeleteOutbox(ctx context.Context, id int64) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := r.db.ExecContext(opCtx, `DELETE FROM FB_SYNC_OUTBOX WHERE ID = ?`, id); err != nil {
		return fmt.Errorf("failed to delete outbox entry %d: %w", id, err)
	}
	return nil
}

// IsProcessed checks if a correlation_id has already been synchronized
// This is the core mechanism for absolute idempotency
func (r *FirebirdRepository) IsProcessed(ctx context.Context, correlationID string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT FIRST 1 1 FROM SYNC_CONTROL WHERE CORRELATION_ID = ?`

	var exists int
	err := r.db.QueryRowContext(opCtx, query, correlationID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check idempotency: %w", err)
	}

	return true, nil
}

// MarkAsProcessed records the correlation_id in the SYNC_CONTROL table
func (r *FirebirdRepository) MarkAsProcessed(ctx context.Context, tx *sql.Tx, correlationID string) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `INSERT INTO SYNC_CONTROL (CORRELATION_ID) VALUES (?)`

	_, err := tx.ExecContext(opCtx, query, correlationID)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "violation") || strings.Contains(msg, "unique") || strings.Contains(msg, "primary") {
			r.logger.Warn("Idempotency race detected: correlation_id already exists in DB", "id", correlationID)
			return nil
		}

		return fmt.Errorf("failed to mark change as processed: %w", err)
	}
	return nil
}

// SuppressEcho flags the transaction so the legacy outbox triggers skip rows
// written by the sync engine itself.
func (r *FirebirdRepository) SuppressEcho(ctx context.Context, tx *sql.Tx) error {
	var ignored int
	err := tx.QueryRowContext(ctx,
		`SELECT RDB$SET_CONTEXT('USER_TRANSACTION', 'SYNC_APPLY', '1') FROM RDB$DATABASE`).Scan(&ignored)
	if err != nil {
		return fmt.Errorf("failed to flag sync transaction: %w", err)
	}
	return nil
}

// BeginTx starts a transaction with ReadCommitted isolation level
func (r *FirebirdRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
}

// Close gracefully shuts down the database connection pool
func (r *FirebirdRepository) Close() error {
	r.logger.Info("Closing Firebird connection pool")
	return r.db.Close()
}
