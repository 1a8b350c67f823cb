// Package graph implements dependency analysis over work items: cycle
// detection for deadlock reporting and deterministic topological
// ordering for plan validation.
package graph

import (
	"sort"

	"github.com/loomctl/loom/internal/errkind"
)

// Graph is a directed dependency graph over work-item ids. An edge
// A -> B means A depends on B and cannot start until B completes.
type Graph struct {
	nodes map[int64]struct{}
	// deps maps a dependent to the ids it waits on.
	deps map[int64][]int64
	// dependents is the reverse relation.
	dependents map[int64][]int64
}

// New creates a graph containing the given node ids and no edges.
func New(ids []int64) *Graph {
	g := &Graph{
		nodes:      make(map[int64]struct{}, len(ids)),
		deps:       make(map[int64][]int64),
		dependents: make(map[int64][]int64),
	}
	for _, id := range ids {
		g.nodes[id] = struct{}{}
	}
	return g
}

// AddNode adds a node if it is not already present.
func (g *Graph) AddNode(id int64) {
	g.nodes[id] = struct{}{}
}

// AddEdge records that dependent waits on dependsOn. Both endpoints are
// added to the node set if missing.
func (g *Graph) AddEdge(dependent, dependsOn int64) {
	g.nodes[dependent] = struct{}{}
	g.nodes[dependsOn] = struct{}{}
	g.deps[dependent] = append(g.deps[dependent], dependsOn)
	g.dependents[dependsOn] = append(g.dependents[dependsOn], dependent)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Dependencies returns the ids the given node waits on, ascending.
func (g *Graph) Dependencies(id int64) []int64 {
	out := append([]int64(nil), g.deps[id]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dependents returns the ids waiting on the given node, ascending.
func (g *Graph) Dependents(id int64) []int64 {
	out := append([]int64(nil), g.dependents[id]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TopoSort returns a dependency-respecting order: every node appears
// after all of its dependencies. Ties break on the lower id, so the
// order is deterministic for a given edge set. If the graph contains a
// cycle a Deadlock error carrying the cycle's ids is returned.
func (g *Graph) TopoSort() ([]int64, error) {
	indegree := make(map[int64]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.deps[id])
	}

	var frontier []int64
	for id, n := range indegree {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })

	order := make([]int64, 0, len(g.nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		released := false
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
				released = true
			}
		}
		if released {
			sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })
		}
	}

	if len(order) != len(g.nodes) {
		return nil, errkind.NewDeadlock("graph", g.FindCycle())
	}
	return order, nil
}

// FindCycle returns the ids of one dependency cycle, or nil if the
// graph is acyclic. The cycle is reported in traversal order starting
// from its lowest-id member so reports are stable across runs.
func (g *Graph) FindCycle() []int64 {
	const (
		white = iota // unvisited
		gray         // on the current path
		black        // fully explored
	)
	color := make(map[int64]int, len(g.nodes))
	parent := make(map[int64]int64)

	ids := make([]int64, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var cycleStart, cycleEnd int64
	found := false

	var visit func(id int64) bool
	visit = func(id int64) bool {
		color[id] = gray
		deps := append([]int64(nil), g.deps[id]...)
		sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
		for _, dep := range deps {
			switch color[dep] {
			case white:
				parent[dep] = id
				if visit(dep) {
					return true
				}
			case gray:
				cycleStart, cycleEnd = dep, id
				return true
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	cycle := []int64{cycleStart}
	for at := cycleEnd; at != cycleStart; at = parent[at] {
		cycle = append(cycle, at)
	}
	// parent walk built the cycle backwards
	for i, j := 1, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return rotateToMin(cycle)
}

func rotateToMin(cycle []int64) []int64 {
	if len(cycle) == 0 {
		return cycle
	}
	minIdx := 0
	for i, id := range cycle {
		if id < cycle[minIdx] {
			minIdx = i
		}
	}
	out := make([]int64, 0, len(cycle))
	out = append(out, cycle[minIdx:]...)
	out = append(out, cycle[:minIdx]...)
	return out
}
