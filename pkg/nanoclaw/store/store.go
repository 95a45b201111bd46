// Package store is the transactional local database: registered chats,
// sessions, scheduled tasks, and their run logs. Backed by SQLite via
// mattn/go-sqlite3, matching the teacher's local-first persistence choice.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a SQLite connection and exposes the per-table accessors used
// by the chat registry, session table, and scheduled task engine.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver: serialize writers through one connection.

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS registered_chats (
	jid              TEXT PRIMARY KEY,
	display_name     TEXT NOT NULL,
	folder           TEXT NOT NULL UNIQUE,
	trigger_pattern  TEXT NOT NULL DEFAULT '',
	requires_trigger INTEGER NOT NULL DEFAULT 0,
	is_main          INTEGER NOT NULL DEFAULT 0,
	added_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	folder     TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	folder         TEXT NOT NULL,
	jid            TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	schedule_type  TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	context_mode   TEXT NOT NULL,
	status         TEXT NOT NULL,
	next_run       INTEGER,
	last_run       INTEGER,
	last_result    TEXT,
	last_error     TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run);

CREATE TABLE IF NOT EXISTS task_runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	run_at      INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	status      TEXT NOT NULL,
	result      TEXT,
	error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id, run_at DESC);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}
