package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"linea/internal/artifact"
	"linea/internal/graph"
	"linea/internal/store"
	"linea/internal/tracer"
	"linea/internal/types"
)

const pipelineScript = `package main

import "math"

func main() {
	a := math.Abs(-11)
	unrelated := math.Sqrt(4)
	b := a
	_ = unrelated
}
`

// seedArtifacts traces the script and saves two artifacts, one on b
// and one on unrelated's producing call.
func seedArtifacts(t *testing.T, db *store.LineaStore) {
	t.Helper()

	tr := tracer.New()
	defer tr.Close()

	session, nodes, err := tr.Trace(context.Background(), "script.go", []byte(pipelineScript), types.SessionScript)
	if err != nil {
		t.Fatalf("Trace failed: %v", err)
	}
	if err := db.WriteSession(session); err != nil {
		t.Fatalf("WriteSession failed: %v", err)
	}
	if err := db.WriteNodes(nodes); err != nil {
		t.Fatalf("WriteNodes failed: %v", err)
	}

	g, err := graph.New(nodes, session)
	if err != nil {
		t.Fatalf("graph.New failed: %v", err)
	}
	saved := 0
	for _, n := range g.Nodes() {
		if v, ok := n.(types.VariableNode); ok && v.Name == "b" {
			a := artifact.New(db, "result", "v1", v.ID, session.ID, "")
			if err := a.Save(); err != nil {
				t.Fatalf("Save result failed: %v", err)
			}
			saved++
		}
		if c, ok := n.(types.CallNode); ok && c.AssignedTo == "unrelated" {
			a := artifact.New(db, "side-metric", "v1", c.ID, session.ID, "")
			if err := a.Save(); err != nil {
				t.Fatalf("Save side-metric failed: %v", err)
			}
			saved++
		}
	}
	if saved != 2 {
		t.Fatalf("seeded %d artifacts, want 2", saved)
	}
}

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	seedArtifacts(t, db)

	dir := t.TempDir()
	return New(db, dir), dir
}

func TestExportScript(t *testing.T) {
	w, dir := newTestWriter(t)

	paths, err := w.Export(context.Background(), "demo", []string{"result"}, FormatScript)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("got %d paths, want 1", len(paths))
	}

	raw, err := os.ReadFile(filepath.Join(dir, "result.go"))
	if err != nil {
		t.Fatalf("exported script missing: %v", err)
	}
	src := string(raw)

	for _, want := range []string{"package main", `"math"`, "a := math.Abs(-11)", "b := a"} {
		if !strings.Contains(src, want) {
			t.Errorf("script missing %q:\n%s", want, src)
		}
	}
	if strings.Contains(src, "unrelated") {
		t.Errorf("script contains unrelated lineage:\n%s", src)
	}
}

func TestExportScriptDeterministic(t *testing.T) {
	w, dir := newTestWriter(t)
	ctx := context.Background()

	if _, err := w.Export(ctx, "demo", []string{"result"}, FormatScript); err != nil {
		t.Fatalf("first export failed: %v", err)
	}
	first, _ := os.ReadFile(filepath.Join(dir, "result.go"))
	if _, err := w.Export(ctx, "demo", []string{"result"}, FormatScript); err != nil {
		t.Fatalf("second export failed: %v", err)
	}
	second, _ := os.ReadFile(filepath.Join(dir, "result.go"))

	if string(first) != string(second) {
		t.Error("exports of the same artifact differ")
	}
}

func TestExportAirflow(t *testing.T) {
	w, dir := newTestWriter(t)

	paths, err := w.Export(context.Background(), "demo", []string{"result", "side-metric"}, FormatAirflow)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("got %d paths, want 2 scripts and a DAG", len(paths))
	}

	raw, err := os.ReadFile(filepath.Join(dir, "demo_dag.py"))
	if err != nil {
		t.Fatalf("DAG file missing: %v", err)
	}
	dag := string(raw)

	for _, want := range []string{
		`dag_id="demo_dag"`,
		`task_id="result"`,
		`task_id="side_metric"`,
		"result >> side_metric",
		"go run result.go",
	} {
		if !strings.Contains(dag, want) {
			t.Errorf("DAG missing %q:\n%s", want, dag)
		}
	}
}

func TestExportUnknownFormat(t *testing.T) {
	w, _ := newTestWriter(t)
	if _, err := w.Export(context.Background(), "demo", []string{"result"}, Format("notebook")); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestExportUnknownArtifact(t *testing.T) {
	w, _ := newTestWriter(t)
	_, err := w.Export(context.Background(), "demo", []string{"ghost"}, FormatScript)
	if err == nil {
		t.Fatal("unknown artifact should fail")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error should name the artifact: %v", err)
	}
}
