package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up row does not exist
var ErrNotFound = errors.New("not found")

// timeLayout is fixed-width so lexical order in SQLite matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists runs, interactions, feed items and idempotency records in SQLite.
// Status changes are single conditional UPDATE statements so concurrent
// callers observe at most one successful transition.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database location
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	pragmas := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;
	`

	runTables := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		tool_session_id TEXT NOT NULL,
		collab_session_id TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		command TEXT NOT NULL,
		args_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		ended_at TEXT,
		owner_pid INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS run_outputs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		data TEXT NOT NULL,
		received_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_outputs_run ON run_outputs(run_id, seq);

	CREATE TABLE IF NOT EXISTS run_writes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		stdin_text TEXT NOT NULL,
		written_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_writes_run ON run_writes(run_id, id);
	`

	interactionTables := `
	CREATE TABLE IF NOT EXISTS interaction_requests (
		interaction_request_id TEXT PRIMARY KEY,
		collab_session_id TEXT NOT NULL,
		tool_session_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL,
		options_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		resolved_at TEXT,
		answer_type TEXT,
		answer_value TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_interaction_requests_status
		ON interaction_requests(status, created_at);

	CREATE TABLE IF NOT EXISTS interaction_idempotency_keys (
		key TEXT PRIMARY KEY,
		interaction_request_id TEXT NOT NULL DEFAULT '',
		consumed_at TEXT NOT NULL
	);
	`

	feedTables := `
	CREATE TABLE IF NOT EXISTS collab_feed_items (
		item_id TEXT PRIMARY KEY,
		collab_session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		role TEXT,
		content TEXT,
		card_id TEXT,
		card_type TEXT,
		card_status TEXT,
		card_json TEXT,
		source_event_key TEXT,
		ts TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_collab_feed_items_session_ts
		ON collab_feed_items(collab_session_id, ts);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_collab_feed_items_card_id_unique
		ON collab_feed_items(card_id) WHERE card_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_collab_feed_items_source_event_key_unique
		ON collab_feed_items(source_event_key) WHERE source_event_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS collab_card_action_idempotency (
		idempotency_key TEXT PRIMARY KEY,
		card_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		request_hash TEXT NOT NULL DEFAULT '',
		response_json TEXT NOT NULL,
		processed_at TEXT NOT NULL
	);
	`

	sessionTables := `
	CREATE TABLE IF NOT EXISTS collab_sessions (
		collab_session_id TEXT PRIMARY KEY,
		active_tool TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tool_session_links (
		link_id TEXT PRIMARY KEY,
		collab_session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		tool_session_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		last_summary_150 TEXT NOT NULL DEFAULT '',
		last_active_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_session_links_collab
		ON tool_session_links(collab_session_id, last_active_at);

	CREATE TABLE IF NOT EXISTS tool_session_peek_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_session_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_session_peek_entries_session
		ON tool_session_peek_entries(tool_session_id, id);
	`

	for _, stmt := range []string{pragmas, runTables, interactionTables, feedTables, sessionTables} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return s.addRunOwnerColumn()
}

// addRunOwnerColumn upgrades databases created before runs recorded their owning process
func (s *Store) addRunOwnerColumn() error {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('runs') WHERE name = 'owner_pid'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to inspect runs schema: %w", err)
	}
	if count > 0 {
		return nil
	}
	if _, err := s.db.Exec(`ALTER TABLE runs ADD COLUMN owner_pid INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("failed to add runs.owner_pid: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}
