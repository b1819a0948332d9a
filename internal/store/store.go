// Package store persists lineage data in SQLite: sessions, nodes,
// executions, node values and artifacts. One store maps to one
// database file; tests use ":memory:".
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"linea/internal/logging"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrArtifactExists is returned when saving an artifact whose
	// name+version is already taken.
	ErrArtifactExists = errors.New("artifact version already exists")
)

// LineaStore is the SQLite-backed lineage database.
type LineaStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New initializes the SQLite database at the given path.
func New(path string) (*LineaStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	logging.Store("Initializing LineaStore at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	s := &LineaStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("LineaStore initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *LineaStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		session_type TEXT NOT NULL,
		file_name TEXT NOT NULL,
		code TEXT NOT NULL,
		creation_time TEXT NOT NULL,
		libraries TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_file ON sessions(file_name);

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		node_type TEXT NOT NULL,
		lineno INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_session ON nodes(session_id);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS node_values (
		execution_id TEXT NOT NULL REFERENCES executions(id),
		node_id TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (execution_id, node_id)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		node_id TEXT NOT NULL,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		execution_id TEXT NOT NULL DEFAULT '',
		date_created TEXT NOT NULL,
		UNIQUE (name, version)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_name ON artifacts(name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *LineaStore) Path() string { return s.dbPath }

// Close closes the underlying database.
func (s *LineaStore) Close() error {
	logging.StoreDebug("Closing LineaStore at %s", s.dbPath)
	return s.db.Close()
}
