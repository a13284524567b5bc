// SPDX-License-Identifier: MPL-2.0

// Package dag orders packages so that every package comes after the packages
// it depends on, and reports dependency cycles.
package dag

import (
	"fmt"
	"slices"
	"strings"
)

type (
	// CycleError reports a dependency loop. Cycle starts and ends with the same
	// node, e.g. [a b a].
	CycleError struct {
		Cycle []string
	}

	// Graph is a directed graph keyed by name. An edge from A to B means A must
	// be installed before B.
	Graph struct {
		out   map[string][]string
		in    map[string][]string
		nodes []string
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		out: make(map[string][]string),
		in:  make(map[string][]string),
	}
}

// AddNode adds a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(name string) {
	if g.Has(name) {
		return
	}
	g.out[name] = nil
	g.in[name] = nil
	g.nodes = append(g.nodes, name)
}

// AddEdge records that from must come before to. Both nodes are added if
// missing; a repeated edge is ignored.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	if slices.Contains(g.out[from], to) {
		return
	}
	g.out[from] = append(g.out[from], to)
	g.in[to] = append(g.in[to], from)
}

// Has reports whether name is a node.
func (g *Graph) Has(name string) bool {
	_, ok := g.out[name]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Prerequisites returns the nodes with an edge into name, in the order the
// edges were added.
func (g *Graph) Prerequisites(name string) []string {
	return slices.Clone(g.in[name])
}

// TopologicalSort returns every node ordered so that each edge points forward,
// using Kahn's algorithm. Ties keep insertion order. A cycle yields a *CycleError.
func (g *Graph) TopologicalSort() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.nodes))
	var queue []string
	for _, node := range g.nodes {
		inDegree[node] = len(g.in[node])
		if inDegree[node] == 0 {
			queue = append(queue, node)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		for _, next := range g.out[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, &CycleError{Cycle: g.findCycle(inDegree)}
	}
	return result, nil
}

// findCycle walks the nodes Kahn's algorithm could not place and returns the
// first loop it closes.
func (g *Graph) findCycle(inDegree map[string]int) []string {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int)
	var path []string

	var visit func(string) []string
	visit = func(node string) []string {
		state[node] = onPath
		path = append(path, node)
		for _, next := range g.out[node] {
			if inDegree[next] == 0 {
				continue
			}
			switch state[next] {
			case onPath:
				start := slices.Index(path, next)
				return append(slices.Clone(path[start:]), next)
			case unvisited:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		state[node] = done
		return nil
	}

	for _, node := range g.nodes {
		if inDegree[node] > 0 && state[node] == unvisited {
			if c := visit(node); c != nil {
				return c
			}
		}
	}
	return nil
}
