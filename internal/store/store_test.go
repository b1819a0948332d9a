package store

import (
	"errors"
	"testing"
	"time"

	"linea/internal/types"
)

func newTestStore(t *testing.T) *LineaStore {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(id types.LineaID, file string) types.SessionContext {
	return types.SessionContext{
		ID:           id,
		SessionType:  types.SessionScript,
		FileName:     file,
		Code:         "a := abs(-11)\n",
		CreationTime: time.Now().UTC(),
		Libraries:    []types.Library{{Name: "math"}},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sc := testSession("sess-1", "simple.go")
	if err := s.WriteSession(sc); err != nil {
		t.Fatalf("WriteSession failed: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.FileName != "simple.go" || got.SessionType != types.SessionScript {
		t.Errorf("session mismatch: %+v", got)
	}
	if len(got.Libraries) != 1 || got.Libraries[0].Name != "math" {
		t.Errorf("libraries mismatch: %v", got.Libraries)
	}

	_, err = s.GetSession("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNodesRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sc := testSession("sess-1", "simple.go")
	if err := s.WriteSession(sc); err != nil {
		t.Fatalf("WriteSession failed: %v", err)
	}

	nodes := []types.Node{
		types.LiteralNode{BaseNode: types.BaseNode{ID: "lit", SessionID: "sess-1", Lineno: 1}, Value: "-11", Kind: "int_literal"},
		types.ArgumentNode{BaseNode: types.BaseNode{ID: "arg", SessionID: "sess-1", Lineno: 1}, ValueNodeID: "lit"},
		types.CallNode{BaseNode: types.BaseNode{ID: "call", SessionID: "sess-1", Lineno: 1}, FunctionName: "abs", Arguments: []types.LineaID{"arg"}, AssignedTo: "a"},
	}
	if err := s.WriteNodes(nodes); err != nil {
		t.Fatalf("WriteNodes failed: %v", err)
	}

	got, err := s.NodesForSession("sess-1")
	if err != nil {
		t.Fatalf("NodesForSession failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d nodes, want 3", len(got))
	}

	var call types.CallNode
	found := false
	for _, n := range got {
		if c, ok := n.(types.CallNode); ok {
			call = c
			found = true
		}
	}
	if !found {
		t.Fatal("call node missing after round trip")
	}
	if call.FunctionName != "abs" || call.AssignedTo != "a" || len(call.Arguments) != 1 {
		t.Errorf("call node corrupted: %+v", call)
	}
}

func TestNodesByFileNamePicksLatestSession(t *testing.T) {
	s := newTestStore(t)

	old := testSession("sess-old", "script.go")
	old.CreationTime = time.Now().UTC().Add(-time.Hour)
	if err := s.WriteSession(old); err != nil {
		t.Fatal(err)
	}
	recent := testSession("sess-new", "script.go")
	if err := s.WriteSession(recent); err != nil {
		t.Fatal(err)
	}

	if err := s.WriteNodes([]types.Node{
		types.LiteralNode{BaseNode: types.BaseNode{ID: "l-old", SessionID: "sess-old", Lineno: 1}, Value: "1"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteNodes([]types.Node{
		types.LiteralNode{BaseNode: types.BaseNode{ID: "l-new", SessionID: "sess-new", Lineno: 1}, Value: "2"},
		types.LiteralNode{BaseNode: types.BaseNode{ID: "l-new2", SessionID: "sess-new", Lineno: 2}, Value: "3"},
	}); err != nil {
		t.Fatal(err)
	}

	nodes, err := s.NodesByFileName("script.go")
	if err != nil {
		t.Fatalf("NodesByFileName failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("got %d nodes, want 2 from latest session", len(nodes))
	}
}

func TestNodeValues(t *testing.T) {
	s := newTestStore(t)

	sc := testSession("sess-1", "simple.go")
	if err := s.WriteSession(sc); err != nil {
		t.Fatal(err)
	}
	exec := types.Execution{ID: "exec-1", SessionID: "sess-1", StartedAt: time.Now(), EndedAt: time.Now()}
	if err := s.WriteExecution(exec); err != nil {
		t.Fatalf("WriteExecution failed: %v", err)
	}

	if err := s.WriteNodeValue("exec-1", "call", "11"); err != nil {
		t.Fatalf("WriteNodeValue failed: %v", err)
	}
	// Overwrite is idempotent
	if err := s.WriteNodeValue("exec-1", "call", "11"); err != nil {
		t.Fatalf("WriteNodeValue overwrite failed: %v", err)
	}

	v, err := s.NodeValue("exec-1", "call")
	if err != nil {
		t.Fatalf("NodeValue failed: %v", err)
	}
	if v != "11" {
		t.Errorf("value = %q, want 11", v)
	}

	_, err = s.NodeValue("exec-1", "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestArtifactLatestSubsecondOrdering(t *testing.T) {
	s := newTestStore(t)

	sc := testSession("sess-1", "simple.go")
	if err := s.WriteSession(sc); err != nil {
		t.Fatal(err)
	}

	// v1 lands on a whole second, v2 half a second later. A layout that
	// trims trailing zeros would sort v1's string after v2's.
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	v1 := types.Artifact{
		ID: "art-1", Name: "report", Version: "v1",
		NodeID: "n1", SessionID: "sess-1", ExecutionID: "exec-1",
		DateCreated: base,
	}
	v2 := types.Artifact{
		ID: "art-2", Name: "report", Version: "v2",
		NodeID: "n2", SessionID: "sess-1", ExecutionID: "exec-2",
		DateCreated: base.Add(500 * time.Millisecond),
	}
	if err := s.SaveArtifact(v1); err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}
	if err := s.SaveArtifact(v2); err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}

	got, err := s.GetArtifact("report", "")
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if got.Version != "v2" {
		t.Errorf("latest version = %s, want v2", got.Version)
	}
}

func TestArtifactLifecycle(t *testing.T) {
	s := newTestStore(t)

	sc := testSession("sess-1", "simple.go")
	if err := s.WriteSession(sc); err != nil {
		t.Fatal(err)
	}

	first := types.Artifact{
		ID: "art-1", Name: "cleaned data", Version: "v1",
		NodeID: "call", SessionID: "sess-1", ExecutionID: "exec-1",
		DateCreated: time.Now().UTC().Add(-time.Minute),
	}
	second := types.Artifact{
		ID: "art-2", Name: "cleaned data", Version: "v2",
		NodeID: "call2", SessionID: "sess-1", ExecutionID: "exec-2",
		DateCreated: time.Now().UTC(),
	}
	if err := s.SaveArtifact(first); err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}
	if err := s.SaveArtifact(second); err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}

	// Duplicate name+version rejected
	dup := first
	dup.ID = "art-3"
	if err := s.SaveArtifact(dup); !errors.Is(err, ErrArtifactExists) {
		t.Errorf("expected ErrArtifactExists, got %v", err)
	}

	// Empty version resolves to the latest
	got, err := s.GetArtifact("cleaned data", "")
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if got.Version != "v2" {
		t.Errorf("latest version = %s, want v2", got.Version)
	}

	// Explicit version
	got, err = s.GetArtifact("cleaned data", "v1")
	if err != nil {
		t.Fatalf("GetArtifact v1 failed: %v", err)
	}
	if got.NodeID != "call" {
		t.Errorf("v1 node = %s, want call", got.NodeID)
	}

	all, err := s.ListArtifacts()
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d artifacts, want 2", len(all))
	}

	if err := s.DeleteArtifact("cleaned data", "v1"); err != nil {
		t.Fatalf("DeleteArtifact failed: %v", err)
	}
	if _, err := s.GetArtifact("cleaned data", "v1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteArtifact("ghost", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for ghost, got %v", err)
	}
}
