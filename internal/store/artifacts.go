package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"linea/internal/logging"
	"linea/internal/types"
)

// SaveArtifact persists an artifact. The name+version pair must be
// unique; saving an existing pair returns ErrArtifactExists.
func (s *LineaStore) SaveArtifact(a types.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Artifact("Saving artifact %s version=%s node=%s", a.Name, a.Version, a.NodeID)

	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, name, version, node_id, session_id, execution_id, date_created)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID), a.Name, a.Version, string(a.NodeID), string(a.SessionID),
		string(a.ExecutionID), a.DateCreated.UTC().Format(timeLayout),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("artifact %s@%s: %w", a.Name, a.Version, ErrArtifactExists)
		}
		return fmt.Errorf("failed to save artifact: %w", err)
	}
	return nil
}

// GetArtifact returns the named artifact. With an empty version the
// most recently created one wins.
func (s *LineaStore) GetArtifact(name, version string) (types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row *sql.Row
	if version == "" {
		row = s.db.QueryRow(
			`SELECT id, name, version, node_id, session_id, execution_id, date_created
			 FROM artifacts WHERE name = ?
			 ORDER BY date_created DESC, version DESC LIMIT 1`, name,
		)
	} else {
		row = s.db.QueryRow(
			`SELECT id, name, version, node_id, session_id, execution_id, date_created
			 FROM artifacts WHERE name = ? AND version = ?`, name, version,
		)
	}
	return scanArtifact(row)
}

// ListArtifacts returns every stored artifact, newest first.
func (s *LineaStore) ListArtifacts() ([]types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, name, version, node_id, session_id, execution_id, date_created
		 FROM artifacts ORDER BY date_created DESC, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var out []types.Artifact
	for rows.Next() {
		var a types.Artifact
		var id, nodeID, sessionID, executionID, created string
		if err := rows.Scan(&id, &a.Name, &a.Version, &nodeID, &sessionID, &executionID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.ID = types.LineaID(id)
		a.NodeID = types.LineaID(nodeID)
		a.SessionID = types.LineaID(sessionID)
		a.ExecutionID = types.LineaID(executionID)
		if a.DateCreated, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("bad date_created for artifact %s: %w", a.Name, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteArtifact removes one version of an artifact, or every version
// when version is empty.
func (s *LineaStore) DeleteArtifact(name, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if version == "" {
		res, err = s.db.Exec(`DELETE FROM artifacts WHERE name = ?`, name)
	} else {
		res, err = s.db.Exec(`DELETE FROM artifacts WHERE name = ? AND version = ?`, name, version)
	}
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s: %w", name, ErrNotFound)
	}
	logging.Artifact("Deleted artifact %s version=%q", name, version)
	return nil
}

func scanArtifact(row *sql.Row) (types.Artifact, error) {
	var a types.Artifact
	var id, nodeID, sessionID, executionID, created string
	err := row.Scan(&id, &a.Name, &a.Version, &nodeID, &sessionID, &executionID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("artifact: %w", ErrNotFound)
	}
	if err != nil {
		return a, fmt.Errorf("failed to scan artifact: %w", err)
	}
	a.ID = types.LineaID(id)
	a.NodeID = types.LineaID(nodeID)
	a.SessionID = types.LineaID(sessionID)
	a.ExecutionID = types.LineaID(executionID)
	if a.DateCreated, err = time.Parse(timeLayout, created); err != nil {
		return a, fmt.Errorf("bad date_created for artifact %s: %w", a.Name, err)
	}
	return a, nil
}
