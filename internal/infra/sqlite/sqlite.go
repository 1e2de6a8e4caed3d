// Package sqlite is the durable store for accounts, the credit ledger,
// jobs, results, chats, notifications, and deposit idempotency keys.
// It wraps database/sql with the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle. All persistence operations hang off it.
type DB struct {
	db *sql.DB
}

// Open creates or opens the database under dir and applies migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dir, "credence.db")
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Serialize writers at the pool level; sqlite allows one writer anyway.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error { return db.db.Close() }

// Migrations returns the schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Principal accounts — the single shared mutable resource
		`CREATE TABLE IF NOT EXISTS accounts (
			id         TEXT PRIMARY KEY,
			balance    INTEGER NOT NULL DEFAULT 0 CHECK(balance >= 0),
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// Ledger audit trail
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp    TEXT NOT NULL DEFAULT (datetime('now')),
			type         TEXT NOT NULL,
			entry_type   TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			amount       INTEGER NOT NULL,
			job_id       TEXT,
			description  TEXT DEFAULT '',
			balance      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_principal ON ledger_entries(principal_id)`,

		// Reservations — one held credit per job, resolved exactly once
		`CREATE TABLE IF NOT EXISTS reservations (
			job_id       TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			state        TEXT NOT NULL DEFAULT 'HELD',
			created_at   TEXT NOT NULL DEFAULT (datetime('now')),
			resolved_at  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservation_state ON reservations(state)`,

		// Deposit idempotency keys
		`CREATE TABLE IF NOT EXISTS deposits (
			idempotency_key TEXT PRIMARY KEY,
			principal_id    TEXT NOT NULL,
			credits         INTEGER NOT NULL,
			applied_at      TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// Jobs — the durable work queue
		`CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			input        TEXT NOT NULL,
			state        TEXT NOT NULL DEFAULT 'PENDING',
			attempts     INTEGER NOT NULL DEFAULT 0,
			submitted_at TEXT NOT NULL DEFAULT (datetime('now')),
			claimed_at   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, submitted_at)`,

		// Terminal results — written once, garbage-collected later
		`CREATE TABLE IF NOT EXISTS results (
			job_id       TEXT PRIMARY KEY,
			text         TEXT NOT NULL DEFAULT '',
			err_reason   TEXT NOT NULL DEFAULT '',
			published_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// Persisted chats (success only)
		`CREATE TABLE IF NOT EXISTS chats (
			id           TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			message      TEXT NOT NULL,
			response     TEXT NOT NULL,
			created_at   TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_principal ON chats(principal_id, created_at)`,

		// Notifications
		`CREATE TABLE IF NOT EXISTS notifications (
			id           TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			kind         TEXT NOT NULL,
			message      TEXT NOT NULL,
			read         INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_principal ON notifications(principal_id, read)`,
	}
}

func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
