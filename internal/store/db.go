// Package store provides the SQLite store of record for loom. It holds
// projects, work items, dependency edges, milestones, sessions,
// iterations, checkpoints, breakpoints, and retry records, and is the
// single source of truth every other component reads and writes through.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomctl/loom/internal/errkind"
)

// DB wraps an SQLite database connection with loom-specific operations.
// All reads and writes go through transactions; see Update and View.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// ProjectDBPath returns the path to the project-local database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".loom", "state.db")
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// Serialize writers at the pool level; SQLite allows one writer.
	conn.SetMaxOpenConns(1)

	return &DB{conn: conn, path: path}, nil
}

// OpenInMemory opens a private in-memory database (for tests).
func OpenInMemory() (*DB, error) {
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	conn.SetMaxOpenConns(1)
	return &DB{conn: conn, path: ":memory:"}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Tx is a transaction handle. Every CRUD operation in this package is a
// method on Tx so that callers group related writes atomically; a
// transaction either commits entirely or leaves the store unchanged.
type Tx struct {
	tx *sql.Tx
}

// Update runs fn inside a read-write transaction. If fn returns an
// error the transaction rolls back and the error is returned.
func (db *DB) Update(fn func(tx *Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return errkind.Wrap(err, errkind.Unavailable, "store", "begin transaction")
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return errkind.Wrap(err, errkind.Unavailable, "store", "commit transaction")
	}
	return nil
}

// View runs fn inside a transaction that is rolled back afterwards,
// giving fn a snapshot-consistent read view.
func (db *DB) View(fn func(tx *Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return errkind.Wrap(err, errkind.Unavailable, "store", "begin transaction")
	}
	defer tx.Rollback()

	return fn(&Tx{tx: tx})
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Work},
		{2, migrationV2Milestones},
		{3, migrationV3Sessions},
		{4, migrationV4Breakpoints},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements

const migrationV1Work = `
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT,
	work_dir TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS work_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id),
	type TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	parent_id INTEGER REFERENCES work_items(id),
	priority INTEGER NOT NULL DEFAULT 5,
	status TEXT NOT NULL DEFAULT 'pending',
	task_type TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	metadata TEXT,
	idempotency_key TEXT,
	requires_adr INTEGER NOT NULL DEFAULT 0,
	has_architectural_changes INTEGER NOT NULL DEFAULT 0,
	changes_summary TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_work_items_project ON work_items(project_id);
CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status);
CREATE INDEX IF NOT EXISTS idx_work_items_queue ON work_items(project_id, status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_work_items_parent ON work_items(parent_id);
CREATE INDEX IF NOT EXISTS idx_work_items_task_type ON work_items(task_type);
CREATE UNIQUE INDEX IF NOT EXISTS idx_work_items_idem ON work_items(project_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS work_item_deps (
	dependent_id INTEGER NOT NULL REFERENCES work_items(id),
	depends_on_id INTEGER NOT NULL REFERENCES work_items(id),
	PRIMARY KEY (dependent_id, depends_on_id)
);

CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON work_item_deps(depends_on_id);
`

const migrationV2Milestones = `
CREATE TABLE IF NOT EXISTS milestones (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id),
	name TEXT NOT NULL,
	required_epics TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'pending',
	version_label TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_milestones_project ON milestones(project_id);
`

const migrationV3Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id),
	milestone_id INTEGER REFERENCES milestones(id),
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	status TEXT NOT NULL DEFAULT 'active',
	tok_input INTEGER NOT NULL DEFAULT 0,
	tok_cache_read INTEGER NOT NULL DEFAULT 0,
	tok_cache_creation INTEGER NOT NULL DEFAULT 0,
	tok_output INTEGER NOT NULL DEFAULT 0,
	summary TEXT,
	window_limit INTEGER NOT NULL DEFAULT 0,
	successor_id TEXT,
	version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS iterations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES work_items(id),
	session_id TEXT NOT NULL REFERENCES sessions(id),
	idx INTEGER NOT NULL,
	prompt_digest TEXT,
	response_digest TEXT,
	tok_input INTEGER NOT NULL DEFAULT 0,
	tok_cache_read INTEGER NOT NULL DEFAULT 0,
	tok_cache_creation INTEGER NOT NULL DEFAULT 0,
	tok_output INTEGER NOT NULL DEFAULT 0,
	validation_ok INTEGER NOT NULL DEFAULT 0,
	quality REAL NOT NULL DEFAULT 0,
	confidence REAL NOT NULL DEFAULT 0,
	decision TEXT,
	started_at DATETIME NOT NULL,
	ended_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_iterations_task ON iterations(task_id);
CREATE INDEX IF NOT EXISTS idx_iterations_session ON iterations(session_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	idx INTEGER NOT NULL,
	snapshot TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (session_id, idx)
);
`

const migrationV4Breakpoints = `
CREATE TABLE IF NOT EXISTS breakpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES work_items(id),
	reason TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	resolved_at DATETIME,
	note TEXT
);

CREATE INDEX IF NOT EXISTS idx_breakpoints_task ON breakpoints(task_id);

CREATE TABLE IF NOT EXISTS retries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES work_items(id),
	attempt INTEGER NOT NULL,
	scheduled_at DATETIME NOT NULL,
	delay_ms INTEGER NOT NULL,
	outcome TEXT
);

CREATE INDEX IF NOT EXISTS idx_retries_task ON retries(task_id);
CREATE INDEX IF NOT EXISTS idx_retries_scheduled ON retries(scheduled_at);
`

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// formatNullableTime formats an optional time for SQLite storage.
func formatNullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// mapWriteErr classifies a write error into the store's failure kinds.
func mapWriteErr(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint"):
		return errkind.Wrap(err, errkind.Conflict, "store", "%s", op)
	case strings.Contains(msg, "constraint"):
		return errkind.Wrap(err, errkind.Validation, "store", "%s", op)
	case strings.Contains(msg, "locked"), strings.Contains(msg, "busy"):
		return errkind.Wrap(err, errkind.Unavailable, "store", "%s", op)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
