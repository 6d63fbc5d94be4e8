package failure

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DefaultTable is the table SQLBackend writes to
const DefaultTable = "failed_jobs"

// SQLBackend inserts failures into a relational table. The caller opens
// the *sql.DB with whatever driver it links in (lib/pq in cmd/goresque).
type SQLBackend struct {
	db    *sql.DB
	table string
}

// NewSQLBackend creates a backend writing to table, DefaultTable when empty
func NewSQLBackend(db *sql.DB, table string) *SQLBackend {
	if table == "" {
		table = DefaultTable
	}
	return &SQLBackend{db: db, table: table}
}

// CreateTable creates the failures table if it is missing
func (b *SQLBackend) CreateTable(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	failed_at TIMESTAMPTZ NOT NULL,
	queue TEXT NOT NULL,
	worker TEXT NOT NULL,
	exception TEXT NOT NULL,
	error TEXT NOT NULL,
	payload JSONB NOT NULL,
	backtrace JSONB NOT NULL
)`, b.table))
	return err
}

// Save inserts one row
func (b *SQLBackend) Save(ctx context.Context, f Failure) error {
	r := NewRecord(f)

	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return err
	}
	backtrace, err := json.Marshal(r.Backtrace)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (failed_at, queue, worker, exception, error, payload, backtrace) VALUES ($1, $2, $3, $4, $5, $6, $7)`, b.table),
		r.FailedAt, r.Queue, r.Worker, r.Exception, r.Error, string(payload), string(backtrace),
	)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

// Count returns the number of stored rows
func (b *SQLBackend) Count(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, b.table)).Scan(&n)
	return n, err
}
