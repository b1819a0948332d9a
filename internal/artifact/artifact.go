// Package artifact is the public face of the lineage store: named,
// versioned handles over node values, with access to the value itself,
// the minimal code slice that produces it and the catalog.
package artifact

import (
	"fmt"
	"time"

	"linea/internal/graph"
	"linea/internal/logging"
	"linea/internal/slicer"
	"linea/internal/store"
	"linea/internal/types"
)

// LineaArtifact is a handle on one saved artifact.
type LineaArtifact struct {
	db *store.LineaStore

	Name        string
	Version     string
	NodeID      types.LineaID
	SessionID   types.LineaID
	ExecutionID types.LineaID
	DateCreated time.Time
}

// New builds a handle. An empty version defaults to the creation
// timestamp, so every save is versioned even when the caller does not
// care.
func New(db *store.LineaStore, name, version string, nodeID, sessionID, executionID types.LineaID) *LineaArtifact {
	created := time.Now().UTC()
	if version == "" {
		version = created.Format(types.VersionTimeFormat)
	}
	return &LineaArtifact{
		db:          db,
		Name:        name,
		Version:     version,
		NodeID:      nodeID,
		SessionID:   sessionID,
		ExecutionID: executionID,
		DateCreated: created,
	}
}

// Save persists the artifact.
func (a *LineaArtifact) Save() error {
	logging.Artifact("save %s@%s (node %s)", a.Name, a.Version, a.NodeID)
	return a.db.SaveArtifact(types.Artifact{
		ID:          types.NewLineaID(),
		Name:        a.Name,
		Version:     a.Version,
		NodeID:      a.NodeID,
		SessionID:   a.SessionID,
		ExecutionID: a.ExecutionID,
		DateCreated: a.DateCreated,
	})
}

// Get loads a handle for a stored artifact. Empty version means the
// latest.
func Get(db *store.LineaStore, name, version string) (*LineaArtifact, error) {
	stored, err := db.GetArtifact(name, version)
	if err != nil {
		return nil, err
	}
	return &LineaArtifact{
		db:          db,
		Name:        stored.Name,
		Version:     stored.Version,
		NodeID:      stored.NodeID,
		SessionID:   stored.SessionID,
		ExecutionID: stored.ExecutionID,
		DateCreated: stored.DateCreated,
	}, nil
}

// Catalog lists every stored artifact, newest first.
func Catalog(db *store.LineaStore) ([]types.Artifact, error) {
	return db.ListArtifacts()
}

// Value returns the serialized value the artifact's node produced.
// Artifacts from static sessions have no value.
func (a *LineaArtifact) Value() (string, error) {
	if a.ExecutionID == "" {
		return "", fmt.Errorf("artifact %s was saved from a static session and has no value", a.Name)
	}
	return a.db.NodeValue(a.ExecutionID, a.NodeID)
}

// Graph rebuilds the lineage graph of the artifact's session.
func (a *LineaArtifact) Graph() (*graph.Graph, error) {
	session, err := a.db.GetSession(a.SessionID)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", a.Name, err)
	}
	nodes, err := a.db.NodesForSession(a.SessionID)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", a.Name, err)
	}
	return graph.New(nodes, session)
}

// Code returns the minimal source slice producing the artifact.
func (a *LineaArtifact) Code() (string, error) {
	g, err := a.Graph()
	if err != nil {
		return "", err
	}
	return slicer.Slice(g, []types.LineaID{a.NodeID})
}
