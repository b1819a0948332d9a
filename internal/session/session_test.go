package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"linea/internal/config"
	"linea/internal/graph"
	"linea/internal/store"
	"linea/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const absScript = `package main

import "math"

func main() {
	a := math.Abs(-11)
	b := a
}
`

func newRunner(t *testing.T) (*Runner, *store.LineaStore) {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRunner(db, config.DefaultConfig()), db
}

func TestRunSourceStatic(t *testing.T) {
	r, db := newRunner(t)

	res, err := r.RunSource(context.Background(), "abs.go", []byte(absScript), types.SessionStatic)
	if err != nil {
		t.Fatalf("RunSource failed: %v", err)
	}
	if res.Execution != nil {
		t.Error("static session should not execute")
	}

	nodes, err := db.NodesForSession(res.Session.ID)
	if err != nil {
		t.Fatalf("NodesForSession failed: %v", err)
	}
	if len(nodes) != res.Graph.Len() {
		t.Errorf("persisted %d nodes, graph has %d", len(nodes), res.Graph.Len())
	}
}

func TestRunSourceExecutes(t *testing.T) {
	r, db := newRunner(t)

	res, err := r.RunSource(context.Background(), "abs.go", []byte(absScript), types.SessionScript)
	if err != nil {
		t.Fatalf("RunSource failed: %v", err)
	}
	if res.Execution == nil {
		t.Fatal("script session should execute")
	}

	id, err := ResolveVariable(res.Graph, "b")
	if err != nil {
		t.Fatalf("ResolveVariable failed: %v", err)
	}
	if res.Values[id] != "11" {
		t.Errorf("b = %q, want 11", res.Values[id])
	}

	stored, err := db.NodeValue(res.Execution.ID, id)
	if err != nil {
		t.Fatalf("NodeValue failed: %v", err)
	}
	if stored != "11" {
		t.Errorf("stored b = %q, want 11", stored)
	}
}

func TestRunFile(t *testing.T) {
	r, _ := newRunner(t)

	path := filepath.Join(t.TempDir(), "abs.go")
	if err := os.WriteFile(path, []byte(absScript), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	res, err := r.RunFile(context.Background(), path, true)
	if err != nil {
		t.Fatalf("RunFile failed: %v", err)
	}
	if res.Session.FileName != "abs.go" {
		t.Errorf("file name = %s, want abs.go", res.Session.FileName)
	}
}

func TestDynamicMutationRecorded(t *testing.T) {
	r, db := newRunner(t)

	// sort.Ints mutates xs in place. The call is a plain package
	// selector, so only the executor can see the mutation.
	res, err := r.RunSource(context.Background(), "sorted.go", []byte(`package main

import "sort"

func main() {
	xs := []int{3, 1, 2}
	sort.Ints(xs)
}
`), types.SessionScript)
	if err != nil {
		t.Fatalf("RunSource failed: %v", err)
	}

	var sortCall types.LineaID
	for _, n := range res.Graph.Nodes() {
		if c, ok := n.(types.CallNode); ok && c.FunctionName == "sort.Ints" {
			sortCall = c.ID
		}
	}
	if sortCall == "" {
		t.Fatal("sort.Ints call missing from graph")
	}

	nodes, err := db.NodesForSession(res.Session.ID)
	if err != nil {
		t.Fatalf("NodesForSession failed: %v", err)
	}
	reloaded, err := graph.New(nodes, res.Session)
	if err != nil {
		t.Fatalf("graph.New on reloaded nodes failed: %v", err)
	}

	var mut types.MutateNode
	for _, n := range reloaded.Nodes() {
		if m, ok := n.(types.MutateNode); ok && m.CallID == sortCall {
			mut = m
		}
	}
	if mut.ID == "" {
		t.Fatal("mutation observed at runtime was not persisted")
	}

	id, err := ResolveVariable(reloaded, "xs")
	if err != nil {
		t.Fatalf("ResolveVariable failed: %v", err)
	}
	if id != mut.ID {
		t.Errorf("xs resolves to %s, want mutate node %s", id, mut.ID)
	}
}

func TestResolveVariableMutation(t *testing.T) {
	r, _ := newRunner(t)

	res, err := r.RunSource(context.Background(), "mut.go", []byte(`package main

func main() {
	xs := []int{1, 2}
	xs = append(xs, 3)
	ys := xs
}
`), types.SessionStatic)
	if err != nil {
		t.Fatalf("RunSource failed: %v", err)
	}

	id, err := ResolveVariable(res.Graph, "xs")
	if err != nil {
		t.Fatalf("ResolveVariable failed: %v", err)
	}
	n, ok := res.Graph.Get(id)
	if !ok {
		t.Fatal("resolved node missing from graph")
	}
	if n.NodeType() != types.NodeTypeMutate {
		t.Errorf("xs resolves to %s, want the mutate node", n.NodeType())
	}
}

func TestResolveVariableUnknown(t *testing.T) {
	r, _ := newRunner(t)

	res, err := r.RunSource(context.Background(), "abs.go", []byte(absScript), types.SessionStatic)
	if err != nil {
		t.Fatalf("RunSource failed: %v", err)
	}
	if _, err := ResolveVariable(res.Graph, "ghost"); !errors.Is(err, graph.ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}
}
