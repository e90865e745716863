// Package sqlite implements the stores on a local SQLite file for single-node
// and simulate deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	user_address     TEXT PRIMARY KEY,
	total_collateral TEXT NOT NULL DEFAULT '0',
	total_debt       TEXT NOT NULL DEFAULT '0',
	current_ltv      INTEGER NOT NULL DEFAULT 0,
	previous_ltv     INTEGER NOT NULL DEFAULT 0,
	loops_completed  INTEGER NOT NULL DEFAULT 0,
	is_active        BOOLEAN NOT NULL DEFAULT 0,
	is_looping       BOOLEAN NOT NULL DEFAULT 0,
	is_unwinding     BOOLEAN NOT NULL DEFAULT 0,
	opened_at        DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS loop_steps (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_address  TEXT NOT NULL,
	loop_number   INTEGER NOT NULL,
	borrowed      TEXT NOT NULL,
	swapped       TEXT NOT NULL,
	supplied      TEXT NOT NULL,
	current_ltv   INTEGER NOT NULL,
	health_factor TEXT NOT NULL,
	executed_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_loop_steps_user ON loop_steps (user_address, executed_at);
CREATE TABLE IF NOT EXISTS unwind_steps (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	user_address         TEXT NOT NULL,
	step_number          INTEGER NOT NULL,
	withdrawn            TEXT NOT NULL,
	swapped              TEXT NOT NULL,
	repaid               TEXT NOT NULL,
	remaining_collateral TEXT NOT NULL,
	remaining_debt       TEXT NOT NULL,
	executed_at          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_unwind_steps_user ON unwind_steps (user_address, executed_at);
CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event      TEXT NOT NULL,
	detail     TEXT,
	created_at DATETIME NOT NULL
);
`

// Open opens (creating if needed) the database at path and applies the
// schema. SQLite allows a single writer, so the pool is capped at one
// connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}
