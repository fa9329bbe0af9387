// Package sqlite provides the SQLite implementation of the queue
// repository. The store is device-local: one file, one writer process.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "modernc.org/sqlite"

	"github.com/pzverkov/kioskops-relay/internal/queue"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS queue_events (
  id                TEXT PRIMARY KEY,
  idempotency_key   TEXT NOT NULL,
  event_type        TEXT NOT NULL,
  payload           BLOB NOT NULL,
  encoding          TEXT NOT NULL,
  payload_bytes     INTEGER NOT NULL,
  created_at        INTEGER NOT NULL,
  state             TEXT NOT NULL,
  attempts          INTEGER NOT NULL DEFAULT 0,
  next_attempt_at   INTEGER NOT NULL DEFAULT 0,
  permanent_failure INTEGER NOT NULL DEFAULT 0,
  last_error        TEXT NOT NULL DEFAULT '',
  quarantine_reason TEXT NOT NULL DEFAULT '',
  updated_at        INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_queue_events_idempotency_key
  ON queue_events(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_queue_events_eligible
  ON queue_events(state, next_attempt_at, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_events_state_created
  ON queue_events(state, created_at);
`

// Open opens (creating if needed) the queue database at path and applies
// the schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// Single local writer; concurrent readers via WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var version int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_meta LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_meta (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_meta: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := version + 1; v <= schemaVersion; v++ {
		stmts, ok := migrations[v]
		if !ok {
			return fmt.Errorf("missing migration for schema version %d", v)
		}
		if _, err := db.ExecContext(ctx, stmts); err != nil {
			return fmt.Errorf("apply schema v%d: %w", v, err)
		}
		if _, err := db.ExecContext(ctx, `UPDATE schema_meta SET version = ?`, v); err != nil {
			return fmt.Errorf("record schema v%d: %w", v, err)
		}
	}

	return nil
}

var migrations = map[int]string{
	1: schemaV1,
}

// mapInsertError converts a unique-constraint violation into the
// repository's sentinel error.
func mapInsertError(err error) error {
	if err == nil {
		return nil
	}
	if isConstraintError(err) {
		return queue.ErrDuplicateIdempotencyKey
	}
	return err
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended result codes keep the base code in the lower byte.
	const sqliteConstraint = 19
	return sqliteErr.Code()&0xff == sqliteConstraint
}
