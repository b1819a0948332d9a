package execution

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"linea/internal/graph"
	"linea/internal/logging"
	"linea/internal/types"
)

// Executor evaluates a lineage graph in the yaegi interpreter. One
// executor maps to one interpreter instance, so variables defined by
// earlier nodes stay visible to later ones.
//
// Safety restrictions follow the interpreter sandbox rules: only a
// whitelist of stdlib packages may be imported, and every node
// evaluation is bounded by a timeout. Filesystem, network and exec
// access are blocked; scripts that need them can still be traced in a
// static session.
type Executor struct {
	interp      *interp.Interpreter
	nodeTimeout time.Duration
	allowed     map[string]bool
	values      map[types.LineaID]reflect.Value
}

// Result is the outcome of executing a graph.
type Result struct {
	ExecutionID types.LineaID
	StartedAt   time.Time
	EndedAt     time.Time
	// Values maps each node to its serialized value.
	Values map[types.LineaID]string
	// SideEffects maps call nodes to the effects observed while they
	// ran.
	SideEffects map[types.LineaID][]SideEffect
}

// defaultAllowedPackages is the stdlib import whitelist. os, net,
// os/exec, syscall and unsafe stay blocked.
func defaultAllowedPackages() map[string]bool {
	return map[string]bool{
		"strings":         true,
		"strconv":         true,
		"fmt":             true,
		"math":            true,
		"regexp":          true,
		"encoding/json":   true,
		"encoding/base64": true,
		"encoding/csv":    true,
		"time":            true,
		"sort":            true,
		"bytes":           true,
		"unicode":         true,
		"path":            true,
		"path/filepath":   true,
	}
}

// NewExecutor creates an executor with a fresh interpreter.
func NewExecutor(nodeTimeout time.Duration) (*Executor, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}
	if nodeTimeout <= 0 {
		nodeTimeout = 10 * time.Second
	}
	return &Executor{
		interp:      i,
		nodeTimeout: nodeTimeout,
		allowed:     defaultAllowedPackages(),
		values:      make(map[types.LineaID]reflect.Value),
	}, nil
}

// Execute evaluates the graph's nodes in visit order, recording a
// serialized value per node and side effects per call node. The first
// failing node aborts the execution with its id in the error.
func (e *Executor) Execute(ctx context.Context, g *graph.Graph) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryExecutor, "Execute")
	defer timer.Stop()

	result := &Result{
		ExecutionID: types.NewLineaID(),
		StartedAt:   time.Now().UTC(),
		Values:      make(map[types.LineaID]string),
		SideEffects: make(map[types.LineaID][]SideEffect),
	}

	logging.Executor("Executing session %s: %d nodes", g.Session().ID, g.Len())

	for _, id := range g.VisitOrder() {
		node, err := g.MustGet(id)
		if err != nil {
			return nil, err
		}
		v, err := e.executeNode(ctx, g, node, result)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		e.values[id] = v
		result.Values[id] = Serialize(v)
	}

	result.EndedAt = time.Now().UTC()
	logging.Executor("Execution %s finished in %v", result.ExecutionID, result.EndedAt.Sub(result.StartedAt))
	return result, nil
}

func (e *Executor) executeNode(ctx context.Context, g *graph.Graph, node types.Node, result *Result) (reflect.Value, error) {
	logging.ExecutorDebug("executing %s node %s (line %d)", node.NodeType(), node.NodeID(), node.Line())

	switch n := node.(type) {
	case types.ImportNode:
		if !e.allowed[n.Module] {
			return reflect.Value{}, fmt.Errorf("forbidden import %q (allowed: stdlib whitelist)", n.Module)
		}
		stmt := fmt.Sprintf("import %q", n.Module)
		if n.Alias != "" {
			stmt = fmt.Sprintf("import %s %q", n.Alias, n.Module)
		}
		if _, err := e.eval(ctx, stmt); err != nil {
			return reflect.Value{}, fmt.Errorf("import failed: %w", err)
		}
		return reflect.ValueOf(n.Module), nil

	case types.LiteralNode:
		v, err := e.eval(ctx, n.Value)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("literal eval failed: %w", err)
		}
		return v, nil

	case types.ArgumentNode:
		if n.ValueNodeID != "" {
			return e.values[n.ValueNodeID], nil
		}
		// Opaque argument text is a snapshot only. The enclosing call
		// statement is the single point of evaluation; evaluating the
		// text here would run nested calls twice.
		return reflect.ValueOf(n.ValueLiteral), nil

	case types.VariableNode:
		return e.values[n.SourceID], nil

	case types.DataSourceNode:
		return reflect.ValueOf(n.AccessPath), nil

	case types.MutateNode:
		// The mutated value is whatever the mutating call left behind.
		return e.values[n.CallID], nil

	case types.CallNode:
		return e.executeCall(ctx, n, result)

	default:
		return reflect.Value{}, fmt.Errorf("unsupported node type %s", node.NodeType())
	}
}

func (e *Executor) executeCall(ctx context.Context, n types.CallNode, result *Result) (reflect.Value, error) {
	if n.Source == "" {
		return reflect.Value{}, fmt.Errorf("call node has no source to evaluate")
	}

	inputs := make(map[string]Input, len(n.GlobalReads))
	for name, nodeID := range n.GlobalReads {
		inputs[name] = Input{NodeID: nodeID, Value: e.values[nodeID]}
	}
	if err := SetContext(n, inputs); err != nil {
		return reflect.Value{}, err
	}

	evaluated, evalErr := e.eval(ctx, n.Source)
	if evalErr != nil {
		// Clear the context so the next call can run.
		_, _ = Teardown(nil, nil)
		return reflect.Value{}, fmt.Errorf("call %s failed: %w", n.FunctionName, evalErr)
	}

	callValue := evaluated
	added := make(map[string]reflect.Value)
	if n.AssignedTo != "" {
		v, err := e.eval(ctx, n.AssignedTo)
		if err != nil {
			_, _ = Teardown(nil, nil)
			return reflect.Value{}, fmt.Errorf("failed to read assigned variable %s: %w", n.AssignedTo, err)
		}
		added[n.AssignedTo] = v
		callValue = v
	}

	// Re-read the inputs so mutation detection sees post-call state.
	inputValues := make(map[string]reflect.Value, len(inputs))
	for name := range inputs {
		if v, err := e.eval(ctx, name); err == nil {
			inputValues[name] = v
		}
	}

	res, err := Teardown(added, inputValues)
	if err != nil {
		return reflect.Value{}, err
	}
	if len(res.SideEffects) > 0 {
		result.SideEffects[n.ID] = res.SideEffects
	}
	return callValue, nil
}

// eval evaluates a snippet with the per-node timeout. The interpreter
// cannot be interrupted, so on timeout the goroutine is abandoned and
// the node reported as failed.
func (e *Executor) eval(ctx context.Context, code string) (reflect.Value, error) {
	evalCtx, cancel := context.WithTimeout(ctx, e.nodeTimeout)
	defer cancel()

	type evalResult struct {
		value reflect.Value
		err   error
	}
	ch := make(chan evalResult, 1)

	go func() {
		v, err := e.interp.Eval(code)
		ch <- evalResult{value: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return reflect.Value{}, r.err
		}
		return r.value, nil
	case <-evalCtx.Done():
		logging.Get(logging.CategoryExecutor).Error("eval timed out: %q", code)
		return reflect.Value{}, fmt.Errorf("evaluation timed out after %v: %w", e.nodeTimeout, evalCtx.Err())
	}
}
