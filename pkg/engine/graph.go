package engine

import (
	"sort"

	"github.com/keelcm/keel/pkg/resource"
)

// Graph is the causality DAG over actionable changes. Nodes are stored in
// one slice and referenced by index; the graph is built once per run and
// discarded.
type Graph struct {
	// Nodes holds the actionable changes, sorted by identity.
	Nodes []resource.Change

	index map[resource.Identity]int

	// out[i] lists successors of node i: i must happen no later than them.
	out [][]int

	// in tracks the number of incoming edges per node.
	in []int

	edges map[[2]int]bool
}

// BuildGraph derives the causality DAG from a change set. Hints on or to
// non-actionable changes (noop or unknown) are elided since a noop has
// already "happened" and an unknown is never executed. Cycles are fatal.
func BuildGraph(cs *ChangeSet) (*Graph, error) {
	g := &Graph{
		index: make(map[resource.Identity]int),
		edges: make(map[[2]int]bool),
	}

	for _, ch := range cs.Changes {
		if !ch.Kind.Actionable() {
			continue
		}
		g.index[ch.Identity] = len(g.Nodes)
		g.Nodes = append(g.Nodes, ch)
	}
	g.out = make([][]int, len(g.Nodes))
	g.in = make([]int, len(g.Nodes))

	for _, ch := range g.Nodes {
		node := g.index[ch.Identity]
		// after: X means X must happen no later than this change.
		for _, dep := range cs.After[ch.Identity] {
			if from, ok := g.index[dep]; ok {
				g.addEdge(from, node)
			}
		}
		// before: X means this change must happen no later than X.
		for _, dep := range cs.Before[ch.Identity] {
			if to, ok := g.index[dep]; ok {
				g.addEdge(node, to)
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CyclicGraphError{Cycle: cycle}
	}
	return g, nil
}

func (g *Graph) addEdge(from, to int) {
	if from == to || g.edges[[2]int{from, to}] {
		return
	}
	g.edges[[2]int{from, to}] = true
	g.out[from] = append(g.out[from], to)
	g.in[to]++
}

// findCycle runs a depth-first search and returns the first cycle found as
// a sequence of identities, first repeated at the end, or nil.
func (g *Graph) findCycle() []resource.Identity {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make([]int, len(g.Nodes))
	var path []int

	var visit func(n int) []resource.Identity
	visit = func(n int) []resource.Identity {
		state[n] = inStack
		path = append(path, n)

		for _, succ := range g.out[n] {
			switch state[succ] {
			case unvisited:
				if cycle := visit(succ); cycle != nil {
					return cycle
				}
			case inStack:
				start := 0
				for i, p := range path {
					if p == succ {
						start = i
						break
					}
				}
				cycle := make([]resource.Identity, 0, len(path)-start+1)
				for _, p := range path[start:] {
					cycle = append(cycle, g.Nodes[p].Identity)
				}
				return append(cycle, g.Nodes[succ].Identity)
			}
		}

		path = path[:len(path)-1]
		state[n] = done
		return nil
	}

	for n := range g.Nodes {
		if state[n] == unvisited {
			if cycle := visit(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Epochs partitions the graph into the coarsest ordered sequence of
// independent sets: each round takes every node with no unscheduled
// predecessor, so no change runs later than its dependencies force. Within
// an epoch changes are ordered by identity for stable logs; execution order
// inside an epoch carries no semantic weight.
func (g *Graph) Epochs() [][]resource.Change {
	remaining := make([]int, len(g.in))
	copy(remaining, g.in)

	var current []int
	for n, deg := range remaining {
		if deg == 0 {
			current = append(current, n)
		}
	}

	var epochs [][]resource.Change
	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool {
			return g.Nodes[current[i]].Identity.String() < g.Nodes[current[j]].Identity.String()
		})

		epoch := make([]resource.Change, len(current))
		for i, n := range current {
			epoch[i] = g.Nodes[n]
		}
		epochs = append(epochs, epoch)

		var next []int
		for _, n := range current {
			for _, succ := range g.out[n] {
				remaining[succ]--
				if remaining[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		current = next
	}
	return epochs
}

// EdgeCount returns the number of edges in the graph.
func (g *Graph) EdgeCount() int { return len(g.edges) }
