package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DefaultTable holds token records.
const DefaultTable = "apiguard_tokens"

// SQLBackend stores records in a single table keyed by principal. Queries
// use ON CONFLICT upserts, which SQLite and PostgreSQL both accept.
type SQLBackend struct {
	db    *sqlx.DB
	table string
	now   func() time.Time
}

// NewSQLBackend wraps db. An empty table uses DefaultTable.
func NewSQLBackend(db *sqlx.DB, table string) *SQLBackend {
	if table == "" {
		table = DefaultTable
	}
	return &SQLBackend{db: db, table: table, now: time.Now}
}

// OpenSQLite opens a SQLite database with the pure-Go driver and creates
// the token table.
func OpenSQLite(ctx context.Context, dsn string) (*SQLBackend, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: databases
	// shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tokenstore: ping sqlite: %w", err)
	}

	b := NewSQLBackend(db, "")
	if err := b.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// Migrate creates the token table if needed.
func (b *SQLBackend) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	principal  TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`, b.table)
	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("tokenstore: migrate: %w", err)
	}
	return nil
}

// Get implements Backend.
func (b *SQLBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	query := b.db.Rebind(fmt.Sprintf(`SELECT payload FROM %s WHERE principal = ?`, b.table))
	err := b.db.GetContext(ctx, &payload, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return payload, err
}

// Put implements Backend.
func (b *SQLBackend) Put(ctx context.Context, key string, value []byte) error {
	query := b.db.Rebind(fmt.Sprintf(`INSERT INTO %s (principal, payload, updated_at) VALUES (?, ?, ?)
ON CONFLICT (principal) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`, b.table))
	_, err := b.db.ExecContext(ctx, query, key, value, b.now().UTC())
	return err
}

// Delete implements Backend.
func (b *SQLBackend) Delete(ctx context.Context, key string) error {
	query := b.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE principal = ?`, b.table))
	_, err := b.db.ExecContext(ctx, query, key)
	return err
}

// Ping checks the database connection.
func (b *SQLBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the underlying database.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

var _ Backend = (*SQLBackend)(nil)
