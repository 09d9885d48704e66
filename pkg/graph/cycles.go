// Package graph holds the dependency graph algorithms shared by the plugin
// validator and the topology engine.
package graph

import (
	"slices"
	"strings"
)

// Cycle is an ordered list of node ids where each node depends on the next and
// the last one depends on the first.
type Cycle []string

// String renders the cycle as "A -> B -> A".
func (c Cycle) String() string {
	if len(c) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c)+1)
	parts = append(parts, c...)
	parts = append(parts, c[0])
	return strings.Join(parts, " -> ")
}

// Contains reports whether id is part of the cycle.
func (c Cycle) Contains(id string) bool {
	return slices.Contains(c, id)
}

// FindCycles walks adj depth first and returns every distinct cycle reached
// through a back edge into the current recursion stack. Edges pointing at
// nodes absent from adj are ignored. Nodes are visited in sorted order so
// the result is deterministic.
func FindCycles(adj map[string][]string) []Cycle {
	const (
		unvisited = iota
		visiting
		visited
	)

	nodes := make([]string, 0, len(adj))
	for node := range adj {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)

	state := make(map[string]int, len(adj))
	seen := make(map[string]struct{})
	var (
		path   []string
		cycles []Cycle
	)

	var visit func(node string)
	visit = func(node string) {
		state[node] = visiting
		path = append(path, node)

		for _, next := range adj[node] {
			if _, ok := adj[next]; !ok {
				continue
			}
			switch state[next] {
			case unvisited:
				visit(next)
			case visiting:
				start := slices.Index(path, next)
				if start < 0 {
					continue
				}
				cycle := canonical(path[start:])
				key := strings.Join(cycle, "\x00")
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				cycles = append(cycles, cycle)
			}
		}

		path = path[:len(path)-1]
		state[node] = visited
	}

	for _, node := range nodes {
		if state[node] == unvisited {
			visit(node)
		}
	}
	return cycles
}

// canonical rotates the cycle so that its smallest id comes first.
func canonical(path []string) Cycle {
	cycle := make(Cycle, len(path))
	minIdx := 0
	for i := range path {
		if path[i] < path[minIdx] {
			minIdx = i
		}
	}
	for i := range path {
		cycle[i] = path[(minIdx+i)%len(path)]
	}
	return cycle
}
