// Package types holds the core data model for linea: lineage node
// variants, session contexts, executions and artifacts. Every other
// package depends on these types; this package depends on nothing
// internal.
package types

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// LineaID uniquely identifies a node, session, execution or artifact.
type LineaID string

// NewLineaID returns a fresh random id.
func NewLineaID() LineaID {
	return LineaID(uuid.NewString())
}

// NodeType discriminates the lineage node variants.
type NodeType string

const (
	NodeTypeLiteral    NodeType = "literal"
	NodeTypeVariable   NodeType = "variable"
	NodeTypeCall       NodeType = "call"
	NodeTypeArgument   NodeType = "argument"
	NodeTypeImport     NodeType = "import"
	NodeTypeDataSource NodeType = "data_source"
	NodeTypeMutate     NodeType = "mutate"
)

// SessionType distinguishes traced-and-executed sessions from
// parse-only ones.
type SessionType string

const (
	// SessionScript runs the script under the interpreter and records
	// node values alongside the graph.
	SessionScript SessionType = "SCRIPT"
	// SessionStatic records the lineage graph without executing.
	SessionStatic SessionType = "STATIC"
)

// Node is implemented by every lineage node variant.
type Node interface {
	NodeID() LineaID
	NodeType() NodeType
	// Parents returns the ids this node directly depends on. Order is
	// not significant; the graph derives its edges from this.
	Parents() []LineaID
	// Line is the 1-based source line the node was traced from, 0 when
	// synthetic.
	Line() int
}

// BaseNode carries the fields shared by all node variants.
type BaseNode struct {
	ID        LineaID `json:"id"`
	SessionID LineaID `json:"session_id"`
	Lineno    int     `json:"lineno"`
	// Source is the exact source text the node was traced from, empty
	// for synthetic nodes.
	Source string `json:"source,omitempty"`
}

func (b BaseNode) NodeID() LineaID { return b.ID }
func (b BaseNode) Line() int       { return b.Lineno }

// LiteralNode is a constant appearing in the source.
type LiteralNode struct {
	BaseNode
	Value string `json:"value"`
	// Kind is the literal kind as reported by the parser, e.g.
	// "int_literal" or "interpreted_string_literal".
	Kind string `json:"kind"`
}

func (n LiteralNode) NodeType() NodeType { return NodeTypeLiteral }
func (n LiteralNode) Parents() []LineaID { return nil }

// VariableNode aliases another node under a variable name. Chains of
// variable nodes resolve transitively to the source value.
type VariableNode struct {
	BaseNode
	Name     string  `json:"name"`
	SourceID LineaID `json:"source_id"`
}

func (n VariableNode) NodeType() NodeType { return NodeTypeVariable }
func (n VariableNode) Parents() []LineaID { return []LineaID{n.SourceID} }

// ArgumentNode binds a value to a call, either positionally or by
// keyword. Exactly one of ValueLiteral and ValueNodeID is set.
type ArgumentNode struct {
	BaseNode
	Position     int     `json:"position"`
	Keyword      string  `json:"keyword,omitempty"`
	ValueLiteral string  `json:"value_literal,omitempty"`
	ValueNodeID  LineaID `json:"value_node_id,omitempty"`
}

func (n ArgumentNode) NodeType() NodeType { return NodeTypeArgument }

func (n ArgumentNode) Parents() []LineaID {
	if n.ValueNodeID != "" {
		return []LineaID{n.ValueNodeID}
	}
	return nil
}

// CallNode records one function invocation.
type CallNode struct {
	BaseNode
	FunctionName string `json:"function_name"`
	// FunctionModule is the import node the function was resolved
	// from, empty for builtins and locally defined functions.
	FunctionModule LineaID   `json:"function_module,omitempty"`
	Arguments      []LineaID `json:"arguments"`
	// AssignedTo is the variable name the result was bound to, empty
	// for expression statements.
	AssignedTo string `json:"assigned_to,omitempty"`
	// GlobalReads maps each global variable name the call reads to the
	// node currently holding its value.
	GlobalReads map[string]LineaID `json:"global_reads,omitempty"`
}

func (n CallNode) NodeType() NodeType { return NodeTypeCall }

func (n CallNode) Parents() []LineaID {
	parents := make([]LineaID, 0, len(n.Arguments)+len(n.GlobalReads)+1)
	parents = append(parents, n.Arguments...)
	if n.FunctionModule != "" {
		parents = append(parents, n.FunctionModule)
	}
	// Global reads are parents too: an expression that never routes a
	// value through an argument node still depends on it. Sorted for a
	// stable order.
	if len(n.GlobalReads) > 0 {
		names := make([]string, 0, len(n.GlobalReads))
		for name := range n.GlobalReads {
			names = append(names, name)
		}
		sort.Strings(names)
		seen := make(map[LineaID]bool, len(parents))
		for _, p := range parents {
			seen[p] = true
		}
		for _, name := range names {
			if id := n.GlobalReads[name]; !seen[id] {
				seen[id] = true
				parents = append(parents, id)
			}
		}
	}
	return parents
}

// ImportNode records an imported package.
type ImportNode struct {
	BaseNode
	Module string `json:"module"`
	Alias  string `json:"alias,omitempty"`
}

func (n ImportNode) NodeType() NodeType { return NodeTypeImport }
func (n ImportNode) Parents() []LineaID { return nil }

// DataSourceNode records an external input the script reads, such as a
// file path. Calls that touch the same data source are ordered by line
// number when the graph is assembled.
type DataSourceNode struct {
	BaseNode
	AccessPath string `json:"access_path"`
}

func (n DataSourceNode) NodeType() NodeType { return NodeTypeDataSource }
func (n DataSourceNode) Parents() []LineaID { return nil }

// MutateNode records an in-place modification of an existing value.
// TargetID is the node holding the value before the mutation, CallID
// the call that performed it. Readers after the mutation should depend
// on the mutate node, not the original.
type MutateNode struct {
	BaseNode
	TargetID LineaID `json:"target_id"`
	CallID   LineaID `json:"call_id"`
}

func (n MutateNode) NodeType() NodeType { return NodeTypeMutate }

func (n MutateNode) Parents() []LineaID {
	return []LineaID{n.TargetID, n.CallID}
}

// Library is a package a session imports.
type Library struct {
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
}

// SessionContext describes one tracing run over one source file.
type SessionContext struct {
	ID           LineaID     `json:"id"`
	SessionType  SessionType `json:"session_type"`
	FileName     string      `json:"file_name"`
	Code         string      `json:"code"`
	CreationTime time.Time   `json:"creation_time"`
	Libraries    []Library   `json:"libraries,omitempty"`
}

// Execution records one evaluation of a session's graph.
type Execution struct {
	ID        LineaID   `json:"id"`
	SessionID LineaID   `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// VersionTimeFormat is the layout used for default artifact versions.
const VersionTimeFormat = "2006-01-02T15:04:05"

// Artifact names a node value so it can be retrieved, sliced and
// exported later.
type Artifact struct {
	ID          LineaID   `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	NodeID      LineaID   `json:"node_id"`
	SessionID   LineaID   `json:"session_id"`
	ExecutionID LineaID   `json:"execution_id"`
	DateCreated time.Time `json:"date_created"`
}
