package graph

import (
	"fmt"
	"strings"

	"linea/internal/types"
)

// Print renders the graph as a human-readable listing in visit order.
// Repeated calls on the same graph return identical output, which makes
// it usable in golden tests and CLI inspection. The header embeds the
// session id, so graphs from different sessions never compare equal.
func (g *Graph) Print() string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s (%s) file=%s nodes=%d\n",
		g.session.ID, g.session.SessionType, g.session.FileName, len(g.nodes))

	for _, id := range g.VisitOrder() {
		n := g.byID[id]
		fmt.Fprintf(&b, "  [%s] L%d %s", n.NodeType(), n.Line(), describe(n))
		if parents := g.ParentsOf(id); len(parents) > 0 {
			fmt.Fprintf(&b, " <- %d dep(s)", len(parents))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func describe(n types.Node) string {
	switch node := n.(type) {
	case types.LiteralNode:
		return fmt.Sprintf("literal %q", node.Value)
	case types.VariableNode:
		return fmt.Sprintf("var %s", node.Name)
	case types.CallNode:
		if node.AssignedTo != "" {
			return fmt.Sprintf("%s = %s(...)", node.AssignedTo, node.FunctionName)
		}
		return fmt.Sprintf("%s(...)", node.FunctionName)
	case types.ArgumentNode:
		if node.Keyword != "" {
			return fmt.Sprintf("arg %s=", node.Keyword)
		}
		return fmt.Sprintf("arg #%d", node.Position)
	case types.ImportNode:
		return fmt.Sprintf("import %s", node.Module)
	case types.DataSourceNode:
		return fmt.Sprintf("source %s", node.AccessPath)
	case types.MutateNode:
		return "mutate"
	default:
		return string(n.NodeType())
	}
}
