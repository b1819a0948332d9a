// Package tracer builds lineage nodes from a Go script using
// tree-sitter. The script is a plain Go file; the tracer records the
// imports and walks the statements of func main, producing one node
// per import, literal, call, argument, variable binding and in-place
// mutation it can attribute.
//
// Statements the tracer cannot attribute (multi-assignments, control
// flow) are skipped with a debug log entry; tracing is best effort by
// design, execution still goes through the recorded call sources.
package tracer

import (
	"context"
	"fmt"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"linea/internal/logging"
	"linea/internal/types"
)

// dataSourceFuncs are the call targets treated as external data reads.
// Their first string argument becomes a DataSourceNode.
var dataSourceFuncs = map[string]bool{
	"os.Open":         true,
	"os.ReadFile":     true,
	"os.Create":       true,
	"ioutil.ReadFile": true,
}

// Tracer parses Go scripts into lineage nodes.
type Tracer struct {
	parser *sitter.Parser
}

// New creates a tracer with a Go parser.
func New() *Tracer {
	p := sitter.NewParser()
	p.SetLanguage(golang.GetLanguage())
	return &Tracer{parser: p}
}

// Close releases the parser.
func (t *Tracer) Close() {
	t.parser.Close()
}

// Trace parses src and returns the session context plus the lineage
// nodes in source order.
func (t *Tracer) Trace(ctx context.Context, fileName string, src []byte, mode types.SessionType) (types.SessionContext, []types.Node, error) {
	timer := logging.StartTimer(logging.CategoryTracer, "Trace")
	defer timer.Stop()

	session := types.SessionContext{
		ID:           types.NewLineaID(),
		SessionType:  mode,
		FileName:     fileName,
		Code:         string(src),
		CreationTime: time.Now().UTC(),
	}

	tree, err := t.parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return session, nil, fmt.Errorf("failed to parse %s: %w", fileName, err)
	}
	defer tree.Close()

	b := &builder{
		session: session,
		src:     src,
		env:     make(map[string]types.LineaID),
		imports: make(map[string]types.LineaID),
		sources: make(map[string]types.LineaID),
	}
	b.walkFile(tree.RootNode())

	session.Libraries = b.libraries
	logging.Tracer("Traced %s: %d nodes, %d imports", fileName, len(b.nodes), len(b.libraries))
	return session, b.nodes, nil
}

// builder accumulates nodes while walking the parse tree.
type builder struct {
	session   types.SessionContext
	src       []byte
	nodes     []types.Node
	libraries []types.Library

	// env maps a variable name to the node currently holding its value.
	env map[string]types.LineaID
	// imports maps a package name to its import node.
	imports map[string]types.LineaID
	// sources maps an access path to its data source node, so repeated
	// reads share one node.
	sources map[string]types.LineaID
}

func (b *builder) text(n *sitter.Node) string {
	return n.Content(b.src)
}

func (b *builder) line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

func (b *builder) base(n *sitter.Node) types.BaseNode {
	return types.BaseNode{
		ID:        types.NewLineaID(),
		SessionID: b.session.ID,
		Lineno:    b.line(n),
		Source:    b.text(n),
	}
}

func (b *builder) add(n types.Node) types.LineaID {
	b.nodes = append(b.nodes, n)
	return n.NodeID()
}

// walkFile handles the top level: imports and func main's body.
func (b *builder) walkFile(root *sitter.Node) {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "import_declaration":
			b.walkImports(child)
		case "function_declaration":
			name := child.ChildByFieldName("name")
			if name != nil && b.text(name) == "main" {
				if body := child.ChildByFieldName("body"); body != nil {
					b.walkBlock(body)
				}
			}
		}
	}
}

func (b *builder) walkImports(decl *sitter.Node) {
	var specs []*sitter.Node
	for i := 0; i < int(decl.NamedChildCount()); i++ {
		child := decl.NamedChild(i)
		switch child.Type() {
		case "import_spec":
			specs = append(specs, child)
		case "import_spec_list":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				if spec := child.NamedChild(j); spec.Type() == "import_spec" {
					specs = append(specs, spec)
				}
			}
		}
	}

	for _, spec := range specs {
		pathNode := spec.ChildByFieldName("path")
		if pathNode == nil {
			continue
		}
		module := strings.Trim(b.text(pathNode), "`\"")
		alias := ""
		if nameNode := spec.ChildByFieldName("name"); nameNode != nil {
			alias = b.text(nameNode)
		}

		imp := types.ImportNode{BaseNode: b.base(spec), Module: module, Alias: alias}
		imp.Source = fmt.Sprintf("import %q", module)
		if alias != "" {
			imp.Source = fmt.Sprintf("import %s %q", alias, module)
		}
		id := b.add(imp)

		ref := module
		if alias != "" {
			ref = alias
		} else if idx := strings.LastIndex(module, "/"); idx >= 0 {
			ref = module[idx+1:]
		}
		b.imports[ref] = id
		b.libraries = append(b.libraries, types.Library{Name: module, Alias: alias})
	}
}

func (b *builder) walkBlock(block *sitter.Node) {
	for i := 0; i < int(block.NamedChildCount()); i++ {
		b.walkStatement(block.NamedChild(i))
	}
}

func (b *builder) walkStatement(stmt *sitter.Node) {
	switch stmt.Type() {
	case "short_var_declaration":
		b.walkAssign(stmt, true)
	case "assignment_statement":
		b.walkAssign(stmt, false)
	case "expression_statement":
		if stmt.NamedChildCount() > 0 {
			expr := stmt.NamedChild(0)
			if expr.Type() == "call_expression" {
				if callID := b.buildCall(expr, "", stmt); callID != "" {
					b.recordReceiverMutation(expr, callID, stmt)
				}
			} else {
				logging.TracerDebug("skipping expression at line %d: %s", b.line(stmt), expr.Type())
			}
		}
	default:
		logging.TracerDebug("skipping %s at line %d", stmt.Type(), b.line(stmt))
	}
}

// walkAssign handles `name := expr` and `name = expr`.
func (b *builder) walkAssign(stmt *sitter.Node, declares bool) {
	left := stmt.ChildByFieldName("left")
	right := stmt.ChildByFieldName("right")
	if left == nil || right == nil {
		return
	}
	if left.NamedChildCount() != 1 || right.NamedChildCount() != 1 {
		logging.TracerDebug("skipping multi-assignment at line %d", b.line(stmt))
		return
	}
	target := left.NamedChild(0)
	expr := right.NamedChild(0)
	if target.Type() == "index_expression" {
		b.walkIndexAssign(stmt, target)
		return
	}
	if target.Type() != "identifier" {
		logging.TracerDebug("skipping non-identifier assignment at line %d", b.line(stmt))
		return
	}
	name := b.text(target)
	if name == "_" {
		return
	}

	switch expr.Type() {
	case "call_expression":
		prev, existed := b.env[name]
		callID := b.buildCall(expr, name, stmt)
		if callID == "" {
			return
		}
		// Reassigning a variable that also feeds the call is an
		// in-place update (the append pattern): record a mutate node
		// so later readers depend on the post-call value.
		if !declares && existed && b.callReads(expr, name) {
			mut := types.MutateNode{BaseNode: b.base(stmt), TargetID: prev, CallID: callID}
			b.env[name] = b.add(mut)
			return
		}
		b.env[name] = callID

	case "identifier":
		srcName := b.text(expr)
		srcID, ok := b.env[srcName]
		if !ok {
			logging.TracerDebug("alias of unknown variable %s at line %d", srcName, b.line(stmt))
			return
		}
		v := types.VariableNode{BaseNode: b.base(stmt), Name: name, SourceID: srcID}
		b.env[name] = b.add(v)

	default:
		if isLiteral(expr.Type()) {
			lit := types.LiteralNode{BaseNode: b.base(expr), Value: b.text(expr), Kind: expr.Type()}
			litID := b.add(lit)
			v := types.VariableNode{BaseNode: b.base(stmt), Name: name, SourceID: litID}
			b.env[name] = b.add(v)
			return
		}
		// Composite literals and other expressions become opaque calls
		// so the statement still executes and the binding is tracked.
		call := types.CallNode{
			BaseNode:     b.base(stmt),
			FunctionName: expr.Type(),
			AssignedTo:   name,
			GlobalReads:  b.identifierReads(expr),
		}
		b.env[name] = b.add(call)
	}
}

// recordReceiverMutation handles method calls on a traced variable:
// `b.WriteString("x")` updates b in place, so later readers must
// depend on the call, not on the variable's previous value.
func (b *builder) recordReceiverMutation(expr *sitter.Node, callID types.LineaID, stmt *sitter.Node) {
	fn := expr.ChildByFieldName("function")
	if fn == nil || fn.Type() != "selector_expression" {
		return
	}
	operand := fn.ChildByFieldName("operand")
	if operand == nil || operand.Type() != "identifier" {
		return
	}
	name := b.text(operand)
	prev, ok := b.env[name]
	if !ok {
		// Package selectors (fmt.Println) have no traced receiver.
		return
	}
	mut := types.MutateNode{BaseNode: b.base(stmt), TargetID: prev, CallID: callID}
	b.env[name] = b.add(mut)
	logging.TracerDebug("method call mutates %s at line %d", name, b.line(stmt))
}

// walkIndexAssign handles `xs[i] = v`, an in-place update of the
// container variable.
func (b *builder) walkIndexAssign(stmt, target *sitter.Node) {
	operand := target.ChildByFieldName("operand")
	if operand == nil || operand.Type() != "identifier" {
		logging.TracerDebug("skipping index assignment at line %d", b.line(stmt))
		return
	}
	name := b.text(operand)
	prev, ok := b.env[name]
	if !ok {
		logging.TracerDebug("index assignment to unknown variable %s at line %d", name, b.line(stmt))
		return
	}

	call := types.CallNode{
		BaseNode:     b.base(stmt),
		FunctionName: "index_assignment",
		GlobalReads:  b.identifierReads(stmt),
	}
	callID := b.add(call)
	mut := types.MutateNode{BaseNode: b.base(stmt), TargetID: prev, CallID: callID}
	b.env[name] = b.add(mut)
}

// buildCall creates the call node plus its argument nodes, returning
// the call id. assignedTo may be empty. stmt is the enclosing
// statement whose text the executor evaluates.
func (b *builder) buildCall(expr *sitter.Node, assignedTo string, stmt *sitter.Node) types.LineaID {
	fnNode := expr.ChildByFieldName("function")
	if fnNode == nil {
		return ""
	}
	fnName := b.text(fnNode)

	call := types.CallNode{
		BaseNode:     b.base(stmt),
		FunctionName: fnName,
		AssignedTo:   assignedTo,
		GlobalReads:  b.identifierReads(expr),
	}

	// Resolve the package part of selector calls to an import node.
	if fnNode.Type() == "selector_expression" {
		if operand := fnNode.ChildByFieldName("operand"); operand != nil {
			if impID, ok := b.imports[b.text(operand)]; ok {
				call.FunctionModule = impID
			}
		}
	}

	if args := expr.ChildByFieldName("arguments"); args != nil {
		pos := 0
		for i := 0; i < int(args.NamedChildCount()); i++ {
			argExpr := args.NamedChild(i)
			argNode := types.ArgumentNode{BaseNode: b.base(argExpr), Position: pos}

			switch {
			case argExpr.Type() == "identifier":
				name := b.text(argExpr)
				if srcID, ok := b.env[name]; ok {
					argNode.ValueNodeID = srcID
				} else {
					argNode.ValueLiteral = name
				}
			case isLiteral(argExpr.Type()):
				if dataSourceFuncs[fnName] && isStringLiteral(argExpr.Type()) {
					argNode.ValueNodeID = b.dataSource(argExpr)
				} else {
					lit := types.LiteralNode{BaseNode: b.base(argExpr), Value: b.text(argExpr), Kind: argExpr.Type()}
					argNode.ValueNodeID = b.add(lit)
				}
			default:
				// Nested expressions stay opaque; the statement source
				// carries them into execution.
				argNode.ValueLiteral = b.text(argExpr)
			}

			call.Arguments = append(call.Arguments, argNode.ID)
			b.add(argNode)
			pos++
		}
	}

	return b.add(call)
}

// dataSource returns the shared data source node for a path literal.
func (b *builder) dataSource(pathLit *sitter.Node) types.LineaID {
	path := strings.Trim(b.text(pathLit), "`\"")
	if id, ok := b.sources[path]; ok {
		return id
	}
	ds := types.DataSourceNode{BaseNode: b.base(pathLit), AccessPath: path}
	id := b.add(ds)
	b.sources[path] = id
	logging.TracerDebug("data source %s at line %d", path, b.line(pathLit))
	return id
}

// identifierReads collects the known variables an expression reads,
// mapped to the nodes holding their values.
func (b *builder) identifierReads(expr *sitter.Node) map[string]types.LineaID {
	reads := make(map[string]types.LineaID)
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "identifier" {
			name := b.text(n)
			if id, ok := b.env[name]; ok {
				reads[name] = id
			}
		}
		// Selector fields (math.Abs) are not variable reads.
		if n.Type() == "selector_expression" {
			if operand := n.ChildByFieldName("operand"); operand != nil {
				walk(operand)
			}
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(expr)
	if len(reads) == 0 {
		return nil
	}
	return reads
}

// callReads reports whether the call expression reads the given
// variable name.
func (b *builder) callReads(expr *sitter.Node, name string) bool {
	reads := b.identifierReads(expr)
	_, ok := reads[name]
	return ok
}

func isLiteral(t string) bool {
	switch t {
	case "int_literal", "float_literal", "interpreted_string_literal",
		"raw_string_literal", "rune_literal", "true", "false", "nil":
		return true
	}
	return false
}

func isStringLiteral(t string) bool {
	return t == "interpreted_string_literal" || t == "raw_string_literal"
}
