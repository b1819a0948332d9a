// Package execution evaluates a lineage graph node by node in the
// yaegi interpreter, tracking the side effects each call has on the
// script's global variables.
package execution

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"linea/internal/types"
)

// SideEffectKind discriminates the side effects a call can have.
type SideEffectKind string

const (
	// SideEffectAccessedGlobals records which globals a call read and
	// which it added or overwrote.
	SideEffectAccessedGlobals SideEffectKind = "accessed_globals"
	// SideEffectMutated records an in-place mutation of an input value.
	SideEffectMutated SideEffectKind = "mutated"
	// SideEffectViews records values that share underlying storage
	// after the call, so mutating one is visible through the others.
	SideEffectViews SideEffectKind = "views"
)

// SideEffect is one observed side effect of a call node.
type SideEffect struct {
	Kind SideEffectKind

	// Retrieved/Added are set for SideEffectAccessedGlobals.
	Retrieved []string
	Added     []string

	// NodeID is set for SideEffectMutated.
	NodeID types.LineaID

	// Members is set for SideEffectViews: the nodes and new variable
	// names viewing shared storage.
	Members []string
}

// Input is one global variable available to a call.
type Input struct {
	NodeID types.LineaID
	Value  reflect.Value
}

// Context is the state visible to a single call node while it runs:
// its input globals, their mutability and pre-call snapshots.
type Context struct {
	Node types.CallNode

	inputIDs       map[string]types.LineaID
	inputMutable   map[string]bool
	inputSnapshots map[string]string
	sideEffects    []SideEffect
}

// ContextResult is what Teardown hands back to the executor.
type ContextResult struct {
	// AddedOrModified maps new or reassigned global names to their
	// values.
	AddedOrModified map[string]reflect.Value
	SideEffects     []SideEffect
}

var (
	currentMu sync.Mutex
	current   *Context
)

// SetContext installs the context for the call about to run. The
// executor calls this before evaluating every call node; nesting is a
// programming error.
func SetContext(node types.CallNode, inputs map[string]Input) error {
	currentMu.Lock()
	defer currentMu.Unlock()

	if current != nil {
		return fmt.Errorf("execution context already set for node %s", current.Node.ID)
	}

	ctx := &Context{
		Node:           node,
		inputIDs:       make(map[string]types.LineaID, len(inputs)),
		inputMutable:   make(map[string]bool, len(inputs)),
		inputSnapshots: make(map[string]string, len(inputs)),
	}
	for name, in := range inputs {
		ctx.inputIDs[name] = in.NodeID
		ctx.inputMutable[name] = IsMutable(in.Value)
		ctx.inputSnapshots[name] = Serialize(in.Value)
	}
	current = ctx
	return nil
}

// Current returns the context of the call being executed.
func Current() (*Context, error) {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current == nil {
		return nil, fmt.Errorf("no execution context set")
	}
	return current, nil
}

// Teardown clears the context and computes the call's side effects.
// added holds the globals the call created or reassigned, with their
// post-call values; inputValues holds the (possibly mutated) input
// values after the call.
func Teardown(added map[string]reflect.Value, inputValues map[string]reflect.Value) (ContextResult, error) {
	currentMu.Lock()
	defer currentMu.Unlock()

	if current == nil {
		return ContextResult{}, fmt.Errorf("no execution context set")
	}
	ctx := current
	current = nil

	effects := ctx.sideEffects
	effects = append(effects, computeSideEffects(ctx, added, inputValues)...)

	return ContextResult{AddedOrModified: added, SideEffects: effects}, nil
}

// computeSideEffects derives the call's effects: every mutable input
// whose serialized form changed is mutated; mutable inputs and mutable
// outputs are views of one another.
func computeSideEffects(ctx *Context, added map[string]reflect.Value, inputValues map[string]reflect.Value) []SideEffect {
	var effects []SideEffect

	retrieved := sortedKeys(ctx.inputIDs)
	addedNames := make([]string, 0, len(added))
	for name := range added {
		addedNames = append(addedNames, name)
	}
	sort.Strings(addedNames)

	if len(retrieved) > 0 || len(addedNames) > 0 {
		effects = append(effects, SideEffect{
			Kind:      SideEffectAccessedGlobals,
			Retrieved: retrieved,
			Added:     addedNames,
		})
	}

	var viewMembers []string
	for _, name := range retrieved {
		if !ctx.inputMutable[name] {
			continue
		}
		viewMembers = append(viewMembers, string(ctx.inputIDs[name]))
		after, ok := inputValues[name]
		if !ok {
			continue
		}
		if Serialize(after) != ctx.inputSnapshots[name] {
			effects = append(effects, SideEffect{
				Kind:   SideEffectMutated,
				NodeID: ctx.inputIDs[name],
			})
		}
	}

	for _, name := range addedNames {
		if IsMutable(added[name]) {
			viewMembers = append(viewMembers, name)
		}
	}

	if len(viewMembers) > 1 {
		effects = append(effects, SideEffect{
			Kind:    SideEffectViews,
			Members: viewMembers,
		})
	}

	return effects
}

func sortedKeys(m map[string]types.LineaID) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
