// Package state persists runs, their tasks and their trace records in SQLite.
// The project database lives at .hive/state.db.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run is not in the database.
var ErrNotFound = errors.New("not found")

// DB wraps an SQLite database connection with hive-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// GlobalDBPath returns the path to the per-user database.
func GlobalDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "hive", "hive.db")
}

// ProjectDBPath returns the path to the project-local database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".hive", "state.db")
}

// pragmas are applied to every connection Open returns. busy_timeout lets a
// second process (hive cancel, hive status) share the file with a live run.
var pragmas = []string{
	"journal_mode=WAL",
	"busy_timeout=5000",
	"foreign_keys=ON",
}

// Open opens the SQLite database at path, creating missing parent
// directories, and applies pragmas.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := conn.Exec("PRAGMA " + p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("pragma %s: %w", p, err)
		}
	}
	return &DB{conn: conn, path: path}, nil
}

// OpenProject opens and migrates the project-local database.
func OpenProject(projectRoot string) (*DB, error) {
	db, err := Open(ProjectDBPath(projectRoot))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
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

// SchemaVersion returns the highest applied migration.
func (db *DB) SchemaVersion() (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var v int
	err := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

// migrations are applied in order. Each runs in its own transaction
// together with its schema_version row.
var migrations = []string{
	migrationV1Runs,
	migrationV2Tasks,
	migrationV3TraceRecords,
}

// Migrate brings the schema up to date. It is safe to call on every open.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	const versions = `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.conn.Exec(versions); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var applied int
	if err := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := applied; i < len(migrations); i++ {
		if err := db.apply(i+1, migrations[i]); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) apply(version int, ddl string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("migration v%d: %w", version, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(ddl); err != nil {
		return fmt.Errorf("migration v%d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("migration v%d: record version: %w", version, err)
	}
	return tx.Commit()
}

const migrationV1Runs = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL,
	phase TEXT NOT NULL,
	error TEXT,
	aggregation TEXT,
	pid INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_phase ON runs(phase);
`

const migrationV2Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	position INTEGER NOT NULL,
	title TEXT NOT NULL,
	goal_fragment TEXT NOT NULL,
	depends_on TEXT,
	status TEXT NOT NULL,
	assigned_worker TEXT,
	output TEXT,
	error TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(run_id, status);
`

const migrationV3TraceRecords = `
CREATE TABLE IF NOT EXISTS trace_records (
	run_id TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (run_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_trace_records_kind ON trace_records(run_id, kind);
`
