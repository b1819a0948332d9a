package store

import (
	"encoding/json"
	"fmt"

	"linea/internal/logging"
	"linea/internal/types"
)

// WriteNodes persists a batch of lineage nodes in one transaction.
func (s *LineaStore) WriteNodes(nodes []types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "WriteNodes")
	defer timer.Stop()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO nodes (id, session_id, node_type, lineno, payload)
		 VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare node insert: %w", err)
	}
	defer stmt.Close()

	for _, n := range nodes {
		payload, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal node %s: %w", n.NodeID(), err)
		}
		sessionID := sessionOf(n)
		if _, err := stmt.Exec(
			string(n.NodeID()), string(sessionID), string(n.NodeType()),
			n.Line(), string(payload),
		); err != nil {
			return fmt.Errorf("failed to insert node %s: %w", n.NodeID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit nodes: %w", err)
	}
	logging.StoreDebug("Wrote %d nodes", len(nodes))
	return nil
}

// sessionOf extracts the session id from any node variant.
func sessionOf(n types.Node) types.LineaID {
	switch node := n.(type) {
	case types.LiteralNode:
		return node.SessionID
	case types.VariableNode:
		return node.SessionID
	case types.CallNode:
		return node.SessionID
	case types.ArgumentNode:
		return node.SessionID
	case types.ImportNode:
		return node.SessionID
	case types.DataSourceNode:
		return node.SessionID
	case types.MutateNode:
		return node.SessionID
	default:
		return ""
	}
}

// NodesForSession loads every node recorded for a session.
func (s *LineaStore) NodesForSession(sessionID types.LineaID) ([]types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT node_type, payload FROM nodes WHERE session_id = ? ORDER BY lineno, id`,
		string(sessionID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []types.Node
	for rows.Next() {
		var nodeType, payload string
		if err := rows.Scan(&nodeType, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n, err := unmarshalNode(types.NodeType(nodeType), []byte(payload))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// NodesByFileName loads the nodes of the most recent session traced
// from the given file.
func (s *LineaStore) NodesByFileName(fileName string) ([]types.Node, error) {
	sc, err := s.LatestSessionForFile(fileName)
	if err != nil {
		return nil, err
	}
	return s.NodesForSession(sc.ID)
}

// unmarshalNode decodes a payload back into its concrete node variant.
func unmarshalNode(t types.NodeType, payload []byte) (types.Node, error) {
	var (
		n   types.Node
		err error
	)
	switch t {
	case types.NodeTypeLiteral:
		var v types.LiteralNode
		err = json.Unmarshal(payload, &v)
		n = v
	case types.NodeTypeVariable:
		var v types.VariableNode
		err = json.Unmarshal(payload, &v)
		n = v
	case types.NodeTypeCall:
		var v types.CallNode
		err = json.Unmarshal(payload, &v)
		n = v
	case types.NodeTypeArgument:
		var v types.ArgumentNode
		err = json.Unmarshal(payload, &v)
		n = v
	case types.NodeTypeImport:
		var v types.ImportNode
		err = json.Unmarshal(payload, &v)
		n = v
	case types.NodeTypeDataSource:
		var v types.DataSourceNode
		err = json.Unmarshal(payload, &v)
		n = v
	case types.NodeTypeMutate:
		var v types.MutateNode
		err = json.Unmarshal(payload, &v)
		n = v
	default:
		return nil, fmt.Errorf("unknown node type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s node: %w", t, err)
	}
	return n, nil
}
