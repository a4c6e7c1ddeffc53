package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cuemby/bay/pkg/log"
)

// Store is the SQLite-backed persistence layer for sandbox, session, cargo
// and idempotency rows.
type Store struct {
	db   *sql.DB
	echo bool
}

// Open opens (creating if necessary) the database at url and applies the
// schema. Schema evolution is additive: missing columns are added lazily on
// open, existing columns are never altered.
func Open(url string, echo bool) (*Store, error) {
	if dir := filepath.Dir(url); dir != "." && dir != "" && !strings.HasPrefix(url, ":memory:") {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// _txlock=immediate makes BeginTx take the write lock up front, the
	// SQLite equivalent of SELECT ... FOR UPDATE at database granularity.
	dsn := url
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, echo: echo}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	if echo {
		log.WithComponent("store").Debug().Str("dsn", dsn).Msg("database opened")
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sandboxes (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			cargo_id TEXT NOT NULL DEFAULT '',
			current_session_id TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMP,
			idle_expires_at TIMESTAMP,
			deleted_at TIMESTAMP,
			version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			last_active_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			sandbox_id TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			runtime_type TEXT NOT NULL DEFAULT 'code',
			container_id TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			containers TEXT NOT NULL DEFAULT '[]',
			desired_state TEXT NOT NULL,
			observed_state TEXT NOT NULL,
			last_observed_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_active_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cargos (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			backend TEXT NOT NULL,
			driver_ref TEXT NOT NULL,
			managed INTEGER NOT NULL DEFAULT 0,
			managed_by_sandbox_id TEXT NOT NULL DEFAULT '',
			size_limit_mb INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			last_accessed_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			owner TEXT NOT NULL,
			key TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			response BLOB,
			status_code INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			PRIMARY KEY (owner, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sandboxes_owner ON sandboxes(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_sandbox ON sessions(sandbox_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cargos_owner ON cargos(owner)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	// Columns added after the initial release. Adding an existing column
	// fails; that is the signal the column is already there.
	additive := []struct {
		table, column, def string
	}{
		{"sandboxes", "version", "INTEGER NOT NULL DEFAULT 0"},
		{"sessions", "containers", "TEXT NOT NULL DEFAULT '[]'"},
		{"sessions", "runtime_type", "TEXT NOT NULL DEFAULT 'code'"},
		{"cargos", "size_limit_mb", "INTEGER NOT NULL DEFAULT 0"},
	}
	for _, a := range additive {
		_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", a.table, a.column, a.def))
		if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("failed to add column %s.%s: %w", a.table, a.column, err)
		}
	}

	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so row helpers work
// inside and outside transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a write transaction holding the database write lock. SQLite has no
// row-level SELECT FOR UPDATE; an immediate transaction gives the same
// effect at database granularity and pairs with the in-process per-sandbox
// mutex.
type Tx struct {
	s  *Store
	tx *sql.Tx
}

// Locked runs fn inside an immediate (write-locking) transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) Locked(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Tx{s: s, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.WithComponent("store").Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
