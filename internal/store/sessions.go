package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"linea/internal/logging"
	"linea/internal/types"
)

// timeLayout is fixed-width so the string ORDER BY on stored
// timestamps matches chronological order. RFC3339Nano trims trailing
// zeros, which sorts whole seconds after fractional ones.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// WriteSession persists a session context.
func (s *LineaStore) WriteSession(sc types.SessionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Writing session %s (%s) file=%s", sc.ID, sc.SessionType, sc.FileName)

	libs, err := json.Marshal(sc.Libraries)
	if err != nil {
		return fmt.Errorf("failed to marshal libraries: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (id, session_type, file_name, code, creation_time, libraries)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(sc.ID), string(sc.SessionType), sc.FileName, sc.Code,
		sc.CreationTime.UTC().Format(timeLayout), string(libs),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to write session %s: %v", sc.ID, err)
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// GetSession loads a session context by id.
func (s *LineaStore) GetSession(id types.LineaID) (types.SessionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, session_type, file_name, code, creation_time, libraries
		 FROM sessions WHERE id = ?`, string(id),
	)
	return scanSession(row)
}

// LatestSessionForFile returns the most recent session traced from the
// given file name.
func (s *LineaStore) LatestSessionForFile(fileName string) (types.SessionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, session_type, file_name, code, creation_time, libraries
		 FROM sessions WHERE file_name = ?
		 ORDER BY creation_time DESC LIMIT 1`, fileName,
	)
	return scanSession(row)
}

func scanSession(row *sql.Row) (types.SessionContext, error) {
	var sc types.SessionContext
	var id, sessionType, created, libs string
	err := row.Scan(&id, &sessionType, &sc.FileName, &sc.Code, &created, &libs)
	if errors.Is(err, sql.ErrNoRows) {
		return sc, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return sc, fmt.Errorf("failed to scan session: %w", err)
	}

	sc.ID = types.LineaID(id)
	sc.SessionType = types.SessionType(sessionType)
	if sc.CreationTime, err = time.Parse(timeLayout, created); err != nil {
		return sc, fmt.Errorf("bad creation_time for session %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(libs), &sc.Libraries); err != nil {
		return sc, fmt.Errorf("bad libraries for session %s: %w", id, err)
	}
	return sc, nil
}

// WriteExecution persists an execution record.
func (s *LineaStore) WriteExecution(e types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Writing execution %s session=%s", e.ID, e.SessionID)

	_, err := s.db.Exec(
		`INSERT INTO executions (id, session_id, started_at, ended_at)
		 VALUES (?, ?, ?, ?)`,
		string(e.ID), string(e.SessionID),
		e.StartedAt.UTC().Format(timeLayout), e.EndedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to write execution: %w", err)
	}
	return nil
}

// WriteNodeValue records the serialized value a node produced during an
// execution. INSERT OR REPLACE so re-recording a node is idempotent.
func (s *LineaStore) WriteNodeValue(executionID, nodeID types.LineaID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO node_values (execution_id, node_id, value)
		 VALUES (?, ?, ?)`,
		string(executionID), string(nodeID), value,
	)
	if err != nil {
		return fmt.Errorf("failed to write node value: %w", err)
	}
	return nil
}

// NodeValue returns the serialized value a node produced during an
// execution.
func (s *LineaStore) NodeValue(executionID, nodeID types.LineaID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(
		`SELECT value FROM node_values WHERE execution_id = ? AND node_id = ?`,
		string(executionID), string(nodeID),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("node value: %w", ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read node value: %w", err)
	}
	return value, nil
}
