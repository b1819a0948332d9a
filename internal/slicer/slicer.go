// Package slicer extracts the minimal program that produces a set of
// sink nodes: the sinks' ancestor closure mapped back onto source
// lines, emitted in original order.
package slicer

import (
	"fmt"
	"sort"
	"strings"

	"linea/internal/graph"
	"linea/internal/logging"
	"linea/internal/types"
)

// Slice returns the source lines the sink nodes transitively depend
// on, in original line order. Unknown sinks are an error.
func Slice(g *graph.Graph, sinks []types.LineaID) (string, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Slice")
	defer timer.Stop()

	keep := make(map[types.LineaID]bool)
	for _, sink := range sinks {
		if _, err := g.MustGet(sink); err != nil {
			return "", fmt.Errorf("slice sink: %w", err)
		}
		keep[sink] = true
		for _, id := range g.Ancestors(sink) {
			keep[id] = true
		}
	}

	lines := make(map[int]bool)
	for id := range keep {
		n, _ := g.Get(id)
		if n.Line() > 0 {
			lines[n.Line()] = true
		}
	}

	src := strings.Split(g.SourceCode(), "\n")
	var ordered []int
	for line := range lines {
		if line >= 1 && line <= len(src) {
			ordered = append(ordered, line)
		}
	}
	sort.Ints(ordered)

	var b strings.Builder
	for _, line := range ordered {
		b.WriteString(strings.TrimRight(src[line-1], " \t"))
		b.WriteByte('\n')
	}

	logging.GraphDebug("sliced %d of %d source lines for %d sink(s)",
		len(ordered), len(src), len(sinks))
	return b.String(), nil
}

// SliceNodes returns the subgraph the sinks depend on, for callers
// that need the graph rather than the text.
func SliceNodes(g *graph.Graph, sinks []types.LineaID) (*graph.Graph, error) {
	keep := make([]types.LineaID, 0)
	seen := make(map[types.LineaID]bool)
	for _, sink := range sinks {
		if _, err := g.MustGet(sink); err != nil {
			return nil, fmt.Errorf("slice sink: %w", err)
		}
		for _, id := range append(g.Ancestors(sink), sink) {
			if !seen[id] {
				seen[id] = true
				keep = append(keep, id)
			}
		}
	}
	return g.Subgraph(keep)
}
