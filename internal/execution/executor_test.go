package execution

import (
	"context"
	"strings"
	"testing"
	"time"

	"linea/internal/graph"
	"linea/internal/types"
)

// absGraph builds the lineage graph for:
//
//	import "math"
//	a := math.Abs(-11)
//	b := a
func absGraph(t *testing.T) *graph.Graph {
	t.Helper()
	session := types.SessionContext{ID: "sess", SessionType: types.SessionScript, FileName: "abs.go"}

	imp := types.ImportNode{BaseNode: types.BaseNode{ID: "imp", SessionID: "sess", Lineno: 1, Source: `import "math"`}, Module: "math"}
	lit := types.LiteralNode{BaseNode: types.BaseNode{ID: "lit", SessionID: "sess", Lineno: 2}, Value: "-11", Kind: "int_literal"}
	arg := types.ArgumentNode{BaseNode: types.BaseNode{ID: "arg", SessionID: "sess", Lineno: 2}, ValueNodeID: "lit"}
	call := types.CallNode{
		BaseNode:       types.BaseNode{ID: "call", SessionID: "sess", Lineno: 2, Source: "a := math.Abs(-11)"},
		FunctionName:   "math.Abs",
		FunctionModule: "imp",
		Arguments:      []types.LineaID{"arg"},
		AssignedTo:     "a",
	}
	varA := types.VariableNode{BaseNode: types.BaseNode{ID: "varA", SessionID: "sess", Lineno: 2}, Name: "a", SourceID: "call"}
	varB := types.VariableNode{BaseNode: types.BaseNode{ID: "varB", SessionID: "sess", Lineno: 3}, Name: "b", SourceID: "varA"}

	g, err := graph.New([]types.Node{imp, lit, arg, call, varA, varB}, session)
	if err != nil {
		t.Fatalf("graph.New failed: %v", err)
	}
	return g
}

func TestExecuteSimpleGraph(t *testing.T) {
	e, err := NewExecutor(5 * time.Second)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	result, err := e.Execute(context.Background(), absGraph(t))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.ExecutionID == "" {
		t.Error("missing execution id")
	}
	if got := result.Values["call"]; got != "11" {
		t.Errorf("call value = %q, want 11", got)
	}
	// Variable aliases carry the same value
	if got := result.Values["varB"]; got != "11" {
		t.Errorf("varB value = %q, want 11", got)
	}
	if result.EndedAt.Before(result.StartedAt) {
		t.Error("EndedAt before StartedAt")
	}
}

func TestExecuteDetectsMutation(t *testing.T) {
	session := types.SessionContext{ID: "sess", SessionType: types.SessionScript, FileName: "mut.go"}

	mk := types.CallNode{
		BaseNode:     types.BaseNode{ID: "mk", SessionID: "sess", Lineno: 1, Source: "xs := []int{1, 2}"},
		FunctionName: "slice",
		AssignedTo:   "xs",
	}
	argRef := types.ArgumentNode{BaseNode: types.BaseNode{ID: "argRef", SessionID: "sess", Lineno: 2}, ValueNodeID: "mk"}
	app := types.CallNode{
		BaseNode:     types.BaseNode{ID: "app", SessionID: "sess", Lineno: 2, Source: "xs = append(xs, 3)"},
		FunctionName: "append",
		Arguments:    []types.LineaID{"argRef"},
		AssignedTo:   "xs",
		GlobalReads:  map[string]types.LineaID{"xs": "mk"},
	}

	g, err := graph.New([]types.Node{mk, argRef, app}, session)
	if err != nil {
		t.Fatalf("graph.New failed: %v", err)
	}

	e, err := NewExecutor(5 * time.Second)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	result, err := e.Execute(context.Background(), g)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := result.Values["app"]; got != "[1,2,3]" {
		t.Errorf("append value = %q, want [1,2,3]", got)
	}

	effects := result.SideEffects["app"]
	if len(effects) == 0 {
		t.Fatal("expected side effects on append call")
	}
	foundMutation := false
	for _, se := range effects {
		if se.Kind == SideEffectMutated && se.NodeID == "mk" {
			foundMutation = true
		}
	}
	if !foundMutation {
		t.Errorf("expected mutation of mk, effects: %+v", effects)
	}
}

func TestOpaqueArgumentNotEvaluated(t *testing.T) {
	session := types.SessionContext{ID: "sess", SessionType: types.SessionScript, FileName: "opaque.go"}

	// bump() is undefined: if the argument text were evaluated on its
	// own, execution would fail before the statement runs.
	arg := types.ArgumentNode{BaseNode: types.BaseNode{ID: "arg", SessionID: "sess", Lineno: 1}, ValueLiteral: "bump()"}
	call := types.CallNode{
		BaseNode:     types.BaseNode{ID: "call", SessionID: "sess", Lineno: 1, Source: `n := len("ab")`},
		FunctionName: "len",
		Arguments:    []types.LineaID{"arg"},
		AssignedTo:   "n",
	}

	g, err := graph.New([]types.Node{arg, call}, session)
	if err != nil {
		t.Fatalf("graph.New failed: %v", err)
	}

	e, err := NewExecutor(5 * time.Second)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	result, err := e.Execute(context.Background(), g)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := result.Values["call"]; got != "2" {
		t.Errorf("call value = %q, want 2", got)
	}
	if got := result.Values["arg"]; got != `"bump()"` {
		t.Errorf("argument should record its text, got %q", got)
	}
}

func TestForbiddenImportRejected(t *testing.T) {
	session := types.SessionContext{ID: "sess", SessionType: types.SessionScript, FileName: "bad.go"}
	imp := types.ImportNode{BaseNode: types.BaseNode{ID: "imp", SessionID: "sess", Lineno: 1}, Module: "os/exec"}

	g, err := graph.New([]types.Node{imp}, session)
	if err != nil {
		t.Fatalf("graph.New failed: %v", err)
	}

	e, err := NewExecutor(5 * time.Second)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	_, err = e.Execute(context.Background(), g)
	if err == nil || !strings.Contains(err.Error(), "forbidden import") {
		t.Errorf("expected forbidden import error, got %v", err)
	}
}

func TestEvalTimeout(t *testing.T) {
	session := types.SessionContext{ID: "sess", SessionType: types.SessionScript, FileName: "slow.go"}
	imp := types.ImportNode{BaseNode: types.BaseNode{ID: "imp", SessionID: "sess", Lineno: 1}, Module: "time"}
	call := types.CallNode{
		BaseNode:       types.BaseNode{ID: "call", SessionID: "sess", Lineno: 2, Source: "time.Sleep(300 * time.Millisecond)"},
		FunctionName:   "time.Sleep",
		FunctionModule: "imp",
	}

	g, err := graph.New([]types.Node{imp, call}, session)
	if err != nil {
		t.Fatalf("graph.New failed: %v", err)
	}

	e, err := NewExecutor(30 * time.Millisecond)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	_, err = e.Execute(context.Background(), g)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout error, got %v", err)
	}

	// The node id is part of the error, per the session failure contract
	if err != nil && !strings.Contains(err.Error(), "call") {
		t.Errorf("error should name the failing node: %v", err)
	}
}

func TestErrorNamesFailingNode(t *testing.T) {
	session := types.SessionContext{ID: "sess", SessionType: types.SessionScript, FileName: "broken.go"}
	call := types.CallNode{
		BaseNode:     types.BaseNode{ID: "broken-call", SessionID: "sess", Lineno: 1, Source: "undefinedFn(1)"},
		FunctionName: "undefinedFn",
	}

	g, err := graph.New([]types.Node{call}, session)
	if err != nil {
		t.Fatalf("graph.New failed: %v", err)
	}

	e, err := NewExecutor(5 * time.Second)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	_, err = e.Execute(context.Background(), g)
	if err == nil || !strings.Contains(err.Error(), "broken-call") {
		t.Errorf("expected error naming broken-call, got %v", err)
	}
}
