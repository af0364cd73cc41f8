// Package store persists scan failure records and directory change
// tokens in SQLite. All writes that must be atomic (upsert-or-increment,
// bulk token sync) are single statements or single transactions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the sync bookkeeping store. Timestamps are unix seconds;
// zero means unset. source_id uses '' (not NULL) for "no specific
// source" so the uniqueness constraint holds.
const schema = `
CREATE TABLE IF NOT EXISTS source_scan_failures (
    id                    TEXT PRIMARY KEY,
    user_id               TEXT NOT NULL,
    source_type           TEXT NOT NULL,
    source_id             TEXT NOT NULL DEFAULT '',
    resource_path         TEXT NOT NULL,

    error_type            TEXT NOT NULL,
    error_severity        TEXT NOT NULL,
    failure_count         INTEGER NOT NULL DEFAULT 1,
    consecutive_failures  INTEGER NOT NULL DEFAULT 1,

    first_failure_at      INTEGER NOT NULL,
    last_failure_at       INTEGER NOT NULL,
    last_retry_at         INTEGER NOT NULL DEFAULT 0,
    next_retry_at         INTEGER NOT NULL DEFAULT 0,

    error_message         TEXT NOT NULL DEFAULT '',
    error_code            TEXT NOT NULL DEFAULT '',
    http_status_code      INTEGER NOT NULL DEFAULT 0,

    response_time_ms      INTEGER NOT NULL DEFAULT 0,
    response_size_bytes   INTEGER NOT NULL DEFAULT 0,
    resource_size_bytes   INTEGER NOT NULL DEFAULT 0,
    resource_depth        INTEGER NOT NULL DEFAULT 0,
    estimated_item_count  INTEGER NOT NULL DEFAULT 0,
    diagnostic_data       TEXT NOT NULL DEFAULT '{}',

    user_excluded         INTEGER NOT NULL DEFAULT 0,
    user_notes            TEXT NOT NULL DEFAULT '',

    retry_strategy        TEXT NOT NULL DEFAULT 'exponential',
    max_retries           INTEGER NOT NULL DEFAULT 5,
    retry_delay_seconds   INTEGER NOT NULL DEFAULT 300,

    resolved              INTEGER NOT NULL DEFAULT 0,
    resolved_at           INTEGER NOT NULL DEFAULT 0,
    resolution_method     TEXT NOT NULL DEFAULT '',
    resolution_notes      TEXT NOT NULL DEFAULT '',

    created_at            INTEGER NOT NULL,
    updated_at            INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_scan_failures_resource
    ON source_scan_failures(user_id, source_type, source_id, resource_path);
CREATE INDEX IF NOT EXISTS idx_scan_failures_retry
    ON source_scan_failures(user_id, resolved, user_excluded, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_scan_failures_severity
    ON source_scan_failures(user_id, error_severity);

CREATE TABLE IF NOT EXISTS source_directory_tokens (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id          TEXT NOT NULL,
    directory_path   TEXT NOT NULL,
    token            TEXT NOT NULL,
    file_count       INTEGER NOT NULL DEFAULT 0,
    total_size_bytes INTEGER NOT NULL DEFAULT 0,
    last_scanned_at  INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_directory_tokens_path
    ON source_directory_tokens(user_id, directory_path);
`

// Store represents the SQLite sync bookkeeping store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Run schema migration
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Ping verifies the database connection is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
