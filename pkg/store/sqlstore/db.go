// Package sqlstore implements the store repositories on database/sql, with a
// sqlite dialect (mattn/go-sqlite3) and a postgres dialect (lib/pq).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/harun/agentgw/pkg/store"
)

// Dialect selects placeholder style and column types
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func (d Dialect) driverName() string {
	if d == SQLite {
		return "sqlite3"
	}
	return "postgres"
}

// Config holds connection settings
type Config struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns default pool settings for a dialect
func DefaultConfig(dialect Dialect, dsn string) Config {
	return Config{
		Dialect:         dialect,
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// DB wraps a *sql.DB with its dialect
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects, pings and migrates
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg.Dialect != SQLite && cfg.Dialect != Postgres {
		return nil, fmt.Errorf("unsupported dialect %q", cfg.Dialect)
	}

	db, err := sql.Open(cfg.Dialect.driverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.Dialect == SQLite {
		// a single writer connection serialises transactions and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &DB{db: db, dialect: cfg.Dialect}
	if err := d.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// NewWithDB wraps an existing handle without migrating
func NewWithDB(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

// Close releases database resources
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Store returns every repository backed by this database
func (d *DB) Store() *store.Store {
	s := &store.Store{
		Sessions:    &Sessions{d: d},
		Transcripts: &Transcripts{d: d},
		Idempotency: &Idempotency{d: d, now: time.Now},
		Policies:    &Policies{d: d},
		Targets:     &Targets{d: d},
		Audit:       &Audit{d: d},
	}
	s.OnClose(d.Close)
	return s
}

// Migrate creates tables if they don't exist
func (d *DB) Migrate(ctx context.Context) error {
	ts, seq := "TIMESTAMP", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.dialect == Postgres {
		ts, seq = "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			runtime_mode TEXT NOT NULL,
			sync_state TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			preview TEXT NOT NULL DEFAULT '',
			context_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
			compaction_count INTEGER NOT NULL DEFAULT 0,
			memory_flush_state TEXT NOT NULL,
			last_run_id TEXT NOT NULL DEFAULT '',
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_scope ON sessions (tenant_id, workspace_id)`,
		`CREATE TABLE IF NOT EXISTS transcript_entries (
			seq ` + seq + `,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript_entries (session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			record_key TEXT PRIMARY KEY,
			method TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			result TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL,
			expires_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policies (
			tenant_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			scope_key TEXT NOT NULL,
			tools TEXT NOT NULL,
			tool_default TEXT NOT NULL,
			high_risk TEXT NOT NULL,
			version BIGINT NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			PRIMARY KEY (tenant_id, workspace_id, scope_key)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_targets (
			session_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			endpoint TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL DEFAULT '',
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			seq ` + seq + `,
			id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_scope ON audit_records (tenant_id, workspace_id, seq)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (d *DB) rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the row-lock suffix of the dialect
func (d *DB) forUpdate() string {
	if d.dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *DB) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, d.rebind(query), args...)
}

// inTx runs fn in a transaction, rolling back on error
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func utc(t time.Time) time.Time {
	return t.UTC()
}
