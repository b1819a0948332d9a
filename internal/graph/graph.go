// Package graph assembles lineage nodes into a directed acyclic graph
// and answers the dependency queries the rest of linea is built on:
// topological order for execution, ancestor closure for slicing and
// static value resolution through variable alias chains.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"linea/internal/logging"
	"linea/internal/types"
)

var (
	// ErrCyclicGraph is returned when node parent references form a cycle.
	ErrCyclicGraph = errors.New("lineage graph must be acyclic")
	// ErrNodeNotFound is returned by MustGet for unknown ids.
	ErrNodeNotFound = errors.New("node not found")
)

// edge is a directed dependency: Source must be available before Sink.
type edge struct {
	Source types.LineaID
	Sink   types.LineaID
}

// Graph is an immutable DAG over a session's lineage nodes.
type Graph struct {
	nodes    []types.Node
	byID     map[types.LineaID]types.Node
	parents  map[types.LineaID][]types.LineaID
	children map[types.LineaID][]types.LineaID
	session  types.SessionContext
}

// New builds a graph from nodes and the session they were traced in.
// Edges are derived from each node's parent references, plus ordering
// edges between calls that read the same data source (line-number
// ordered, so re-reads observe earlier writes). Construction fails if
// the result is cyclic.
func New(nodes []types.Node, session types.SessionContext) (*Graph, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "graph.New")
	defer timer.Stop()

	g := &Graph{
		nodes:    nodes,
		byID:     make(map[types.LineaID]types.Node, len(nodes)),
		parents:  make(map[types.LineaID][]types.LineaID),
		children: make(map[types.LineaID][]types.LineaID),
		session:  session,
	}

	for _, n := range nodes {
		id := n.NodeID()
		if _, dup := g.byID[id]; dup {
			return nil, fmt.Errorf("duplicate node id %s", id)
		}
		g.byID[id] = n
	}

	for _, e := range edgesFromNodes(nodes) {
		if _, ok := g.byID[e.Source]; !ok {
			return nil, fmt.Errorf("node %s references unknown parent %s: %w",
				e.Sink, e.Source, ErrNodeNotFound)
		}
		g.addEdge(e)
	}

	for _, e := range g.dataSourceOrderingEdges() {
		g.addEdge(e)
	}

	if _, err := g.topoSort(); err != nil {
		return nil, err
	}

	logging.GraphDebug("graph built: %d nodes, session=%s", len(nodes), session.ID)
	return g, nil
}

func (g *Graph) addEdge(e edge) {
	g.parents[e.Sink] = append(g.parents[e.Sink], e.Source)
	g.children[e.Source] = append(g.children[e.Source], e.Sink)
}

func (g *Graph) hasEdge(from, to types.LineaID) bool {
	for _, c := range g.children[from] {
		if c == to {
			return true
		}
	}
	return false
}

// edgesFromNodes derives one edge per parent reference.
func edgesFromNodes(nodes []types.Node) []edge {
	var edges []edge
	for _, n := range nodes {
		for _, p := range n.Parents() {
			edges = append(edges, edge{Source: p, Sink: n.NodeID()})
		}
	}
	return edges
}

// dataSourceOrderingEdges chains the call-node descendants of each data
// source in line order. An edge is skipped when one already exists in
// either direction, so the ordering never introduces a cycle.
func (g *Graph) dataSourceOrderingEdges() []edge {
	var edges []edge
	for _, n := range g.nodes {
		if n.NodeType() != types.NodeTypeDataSource {
			continue
		}
		var calls []types.Node
		for _, id := range g.Descendants(n.NodeID()) {
			d := g.byID[id]
			if d.NodeType() == types.NodeTypeCall {
				calls = append(calls, d)
			}
		}
		sort.Slice(calls, func(i, j int) bool {
			if calls[i].Line() != calls[j].Line() {
				return calls[i].Line() < calls[j].Line()
			}
			return calls[i].NodeID() < calls[j].NodeID()
		})
		for i := 0; i+1 < len(calls); i++ {
			a, b := calls[i].NodeID(), calls[i+1].NodeID()
			if g.hasEdge(a, b) || g.hasEdge(b, a) {
				continue
			}
			edges = append(edges, edge{Source: a, Sink: b})
		}
	}
	return edges
}

// Session returns the session context the graph was traced in.
func (g *Graph) Session() types.SessionContext { return g.session }

// SourceCode is the original source the graph was traced from.
func (g *Graph) SourceCode() string { return g.session.Code }

// Nodes returns the graph's nodes in insertion order.
func (g *Graph) Nodes() []types.Node { return g.nodes }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Get looks up a node by id.
func (g *Graph) Get(id types.LineaID) (types.Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// MustGet looks up a node by id, returning ErrNodeNotFound when absent.
func (g *Graph) MustGet(id types.LineaID) (types.Node, error) {
	n, ok := g.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n, nil
}

// ParentsOf returns the direct dependencies of a node, sorted by id.
func (g *Graph) ParentsOf(id types.LineaID) []types.LineaID {
	return sortedCopy(g.parents[id])
}

// ChildrenOf returns the direct dependents of a node, sorted by id.
func (g *Graph) ChildrenOf(id types.LineaID) []types.LineaID {
	return sortedCopy(g.children[id])
}

// Ancestors returns every transitive dependency of a node, sorted by id.
func (g *Graph) Ancestors(id types.LineaID) []types.LineaID {
	return g.closure(id, g.parents)
}

// Descendants returns every transitive dependent of a node, sorted by id.
func (g *Graph) Descendants(id types.LineaID) []types.LineaID {
	return g.closure(id, g.children)
}

func (g *Graph) closure(id types.LineaID, adj map[types.LineaID][]types.LineaID) []types.LineaID {
	seen := make(map[types.LineaID]bool)
	stack := append([]types.LineaID(nil), adj[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, adj[cur]...)
	}
	out := make([]types.LineaID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Leaves returns the nodes nothing depends on, sorted by id.
func (g *Graph) Leaves() []types.LineaID {
	var out []types.LineaID
	for _, n := range g.nodes {
		if len(g.children[n.NodeID()]) == 0 {
			out = append(out, n.NodeID())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VisitOrder returns a deterministic topological order: among ready
// nodes the one with the lowest source line (then id) goes first, so
// execution follows the script top to bottom.
func (g *Graph) VisitOrder() []types.LineaID {
	order, err := g.topoSort()
	if err != nil {
		// Construction already rejected cycles.
		panic(err)
	}
	return order
}

func (g *Graph) topoSort() ([]types.LineaID, error) {
	indeg := make(map[types.LineaID]int, len(g.nodes))
	for _, n := range g.nodes {
		indeg[n.NodeID()] = len(g.parents[n.NodeID()])
	}

	var ready []types.LineaID
	for _, n := range g.nodes {
		if indeg[n.NodeID()] == 0 {
			ready = append(ready, n.NodeID())
		}
	}

	less := func(a, b types.LineaID) bool {
		na, nb := g.byID[a], g.byID[b]
		if na.Line() != nb.Line() {
			return na.Line() < nb.Line()
		}
		return a < b
	}

	order := make([]types.LineaID, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, c := range g.children[cur] {
			indeg[c]--
			if indeg[c] == 0 {
				ready = append(ready, c)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, ErrCyclicGraph
	}
	return order, nil
}

// Subgraph builds a new graph restricted to the given nodes, keeping
// the same session context.
func (g *Graph) Subgraph(ids []types.LineaID) (*Graph, error) {
	keep := make(map[types.LineaID]bool, len(ids))
	for _, id := range ids {
		if _, ok := g.byID[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		keep[id] = true
	}
	var nodes []types.Node
	for _, n := range g.nodes {
		if keep[n.NodeID()] {
			nodes = append(nodes, n)
		}
	}
	return New(nodes, g.session)
}

// StaticValue resolves the statically-known value of a node: literals
// resolve to their text, variable chains to their source value, data
// sources to the access path and imports to the module name. Returns
// false for nodes whose value only exists at runtime.
func (g *Graph) StaticValue(id types.LineaID) (string, bool) {
	n, ok := g.byID[id]
	if !ok {
		return "", false
	}

	switch node := n.(type) {
	case types.LiteralNode:
		return node.Value, true
	case types.VariableNode:
		// Walk the alias chain to the original source node.
		cur := node
		for {
			src, ok := g.byID[cur.SourceID]
			if !ok {
				logging.Get(logging.CategoryGraph).Warn("variable %s references missing source %s", cur.Name, cur.SourceID)
				return "", false
			}
			next, isVar := src.(types.VariableNode)
			if !isVar {
				return g.StaticValue(src.NodeID())
			}
			cur = next
		}
	case types.ArgumentNode:
		if node.ValueLiteral != "" {
			return node.ValueLiteral, true
		}
		if node.ValueNodeID != "" {
			return g.StaticValue(node.ValueNodeID)
		}
		return "", false
	case types.DataSourceNode:
		return node.AccessPath, true
	case types.ImportNode:
		return node.Module, true
	default:
		return "", false
	}
}

// CallArguments collects a call's arguments: positional values in
// position order and keyword values by name, resolved via StaticValue.
func (g *Graph) CallArguments(call types.CallNode) ([]string, map[string]string, error) {
	var positional []types.ArgumentNode
	keyword := make(map[string]string)

	for _, id := range call.Arguments {
		n, err := g.MustGet(id)
		if err != nil {
			return nil, nil, err
		}
		arg, ok := n.(types.ArgumentNode)
		if !ok {
			return nil, nil, fmt.Errorf("call %s argument %s is a %s, not an argument node",
				call.ID, id, n.NodeType())
		}
		if arg.Keyword != "" {
			v, _ := g.StaticValue(arg.NodeID())
			keyword[arg.Keyword] = v
			continue
		}
		positional = append(positional, arg)
	}

	sort.Slice(positional, func(i, j int) bool {
		return positional[i].Position < positional[j].Position
	})

	values := make([]string, len(positional))
	for i, arg := range positional {
		values[i], _ = g.StaticValue(arg.NodeID())
	}
	return values, keyword, nil
}

func sortedCopy(ids []types.LineaID) []types.LineaID {
	out := append([]types.LineaID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
