// Package session orchestrates one tracing run end to end: parse the
// source into lineage nodes, assemble the graph, optionally execute
// it, and persist everything.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"linea/internal/config"
	"linea/internal/execution"
	"linea/internal/graph"
	"linea/internal/logging"
	"linea/internal/store"
	"linea/internal/tracer"
	"linea/internal/types"
)

// RunResult is everything one run produced. Execution is nil for
// static sessions.
type RunResult struct {
	Session   types.SessionContext
	Graph     *graph.Graph
	Execution *types.Execution
	Values    map[types.LineaID]string
}

// Runner traces files and persists the results.
type Runner struct {
	db  *store.LineaStore
	cfg *config.Config
}

func NewRunner(db *store.LineaStore, cfg *config.Config) *Runner {
	return &Runner{db: db, cfg: cfg}
}

// RunFile traces the file at path. With static set the graph is built
// and stored without executing anything.
func (r *Runner) RunFile(ctx context.Context, path string, static bool) (*RunResult, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	mode := types.SessionScript
	if static {
		mode = types.SessionStatic
	}
	return r.RunSource(ctx, filepath.Base(path), src, mode)
}

// RunSource traces source text, persists the session and nodes, and
// executes the graph unless the session is static.
func (r *Runner) RunSource(ctx context.Context, fileName string, src []byte, mode types.SessionType) (*RunResult, error) {
	timer := logging.StartTimer(logging.CategorySession, "RunSource")
	defer timer.Stop()

	tr := tracer.New()
	defer tr.Close()

	sc, nodes, err := tr.Trace(ctx, fileName, src, mode)
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", fileName, err)
	}
	g, err := graph.New(nodes, sc)
	if err != nil {
		return nil, fmt.Errorf("graph for %s: %w", fileName, err)
	}

	if err := r.db.WriteSession(sc); err != nil {
		return nil, err
	}
	logging.Session("session %s: traced %s into %d nodes (mode=%s)", sc.ID, fileName, len(nodes), mode)

	result := &RunResult{Session: sc, Graph: g}
	if mode == types.SessionStatic {
		if err := r.db.WriteNodes(nodes); err != nil {
			return nil, err
		}
		return result, nil
	}

	exec, err := execution.NewExecutor(r.cfg.NodeTimeout())
	if err != nil {
		return nil, err
	}
	run, err := exec.Execute(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", fileName, err)
	}

	// Mutations only the executor could observe, like sort.Ints changing
	// its argument in place, become mutate nodes before persisting.
	if extra := dynamicMutations(sc, g, run.SideEffects); len(extra) > 0 {
		nodes = append(nodes, extra...)
		if g, err = graph.New(nodes, sc); err != nil {
			return nil, fmt.Errorf("graph for %s after execution: %w", fileName, err)
		}
		result.Graph = g
		logging.Session("session %s: recorded %d mutations observed at runtime", sc.ID, len(extra))
	}
	if err := r.db.WriteNodes(nodes); err != nil {
		return nil, err
	}

	record := types.Execution{
		ID:        run.ExecutionID,
		SessionID: sc.ID,
		StartedAt: run.StartedAt,
		EndedAt:   run.EndedAt,
	}
	if err := r.db.WriteExecution(record); err != nil {
		return nil, err
	}
	for id, value := range run.Values {
		if err := r.db.WriteNodeValue(run.ExecutionID, id, value); err != nil {
			return nil, err
		}
	}
	logging.Session("session %s: executed %d nodes", sc.ID, len(run.Values))

	result.Execution = &record
	result.Values = run.Values
	return result, nil
}

// dynamicMutations converts executor-observed mutations into mutate
// nodes, skipping pairs the tracer already recorded. Output order is
// deterministic so repeated runs of the same script persist the same
// shape.
func dynamicMutations(sc types.SessionContext, g *graph.Graph, effects map[types.LineaID][]execution.SideEffect) []types.Node {
	seen := make(map[[2]types.LineaID]bool)
	for _, n := range g.Nodes() {
		if m, ok := n.(types.MutateNode); ok {
			seen[[2]types.LineaID{m.TargetID, m.CallID}] = true
		}
	}

	callIDs := make([]types.LineaID, 0, len(effects))
	for id := range effects {
		callIDs = append(callIDs, id)
	}
	sort.Slice(callIDs, func(i, j int) bool { return callIDs[i] < callIDs[j] })

	var out []types.Node
	for _, callID := range callIDs {
		for _, se := range effects[callID] {
			if se.Kind != execution.SideEffectMutated {
				continue
			}
			key := [2]types.LineaID{se.NodeID, callID}
			if seen[key] {
				continue
			}
			seen[key] = true
			line := 0
			if call, ok := g.Get(callID); ok {
				line = call.Line()
			}
			out = append(out, types.MutateNode{
				BaseNode: types.BaseNode{ID: types.NewLineaID(), SessionID: sc.ID, Lineno: line},
				TargetID: se.NodeID,
				CallID:   callID,
			})
		}
	}
	return out
}

// ResolveVariable returns the node a variable name is bound to after
// the whole script has run. Later bindings shadow earlier ones, and a
// mutation rebinds the mutated variable to the mutate node.
func ResolveVariable(g *graph.Graph, name string) (types.LineaID, error) {
	assigned := make(map[types.LineaID]string)
	var (
		found    types.LineaID
		foundAt  int
		foundAny bool
	)
	bind := func(varName string, id types.LineaID, line int) {
		if varName != name {
			return
		}
		if !foundAny || line >= foundAt {
			found, foundAt, foundAny = id, line, true
		}
	}

	for _, n := range g.Nodes() {
		switch node := n.(type) {
		case types.VariableNode:
			assigned[node.ID] = node.Name
			bind(node.Name, node.ID, node.Lineno)
		case types.CallNode:
			if node.AssignedTo != "" {
				assigned[node.ID] = node.AssignedTo
				bind(node.AssignedTo, node.ID, node.Lineno)
			}
		}
	}
	// A mutate node rebinds the name its call assigned to. When the
	// call assigned nothing (sort.Ints, method calls) the name comes
	// from the mutated target instead.
	for _, n := range g.Nodes() {
		if m, ok := n.(types.MutateNode); ok {
			varName, ok := assigned[m.CallID]
			if !ok {
				varName, ok = assigned[m.TargetID]
			}
			if ok {
				assigned[m.ID] = varName
				bind(varName, m.ID, m.Lineno)
			}
		}
	}

	if !foundAny {
		return "", fmt.Errorf("variable %q: %w", name, graph.ErrNodeNotFound)
	}
	return found, nil
}
