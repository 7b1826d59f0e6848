package plan

import (
	"fmt"
	"sort"

	"github.com/keelcm/keel/pkg/resource"
)

// Node is one invocation in an expanded plan tree. A node is either a branch
// (a nested plan with children) or a leaf (a concrete resource declaration).
type Node struct {
	// ID is the scope-qualified invocation id, empty for anonymous nodes.
	ID string

	// ModulePath names the invoked module for error reporting.
	ModulePath string

	// Before and After hold scope-qualified ordering hints.
	Before []string
	After  []string

	// Children is set on branch nodes.
	Children []*Node

	// Resource is set on leaf nodes.
	Resource *resource.Resource
}

// IsLeaf reports whether the node declares a resource.
func (n *Node) IsLeaf() bool { return n.Resource != nil }

// Tree is the fully expanded invocation tree of one root plan.
type Tree struct {
	Root *Node
}

// FlatLeaf is one resource declaration with its ordering hints resolved to
// concrete resource identities. Hints placed on a branch are inherited by
// every leaf beneath it, and a hint naming a branch id addresses every leaf
// beneath that branch.
type FlatLeaf struct {
	Resource *resource.Resource
	Before   []resource.Identity
	After    []resource.Identity
}

// UnknownRefError reports an ordering hint naming an id no tree node claims.
type UnknownRefError struct {
	// Hint is "before" or "after".
	Hint string
	Ref  string

	// ModulePath locates the node carrying the hint.
	ModulePath string
}

func (e *UnknownRefError) Error() string {
	return fmt.Sprintf("%s: %s hint references unknown id %q", e.ModulePath, e.Hint, e.Ref)
}

// Flatten walks the tree and returns every leaf with its effective ordering
// hints. It fails on duplicate invocation ids and on hints referencing
// unknown ids.
func (t *Tree) Flatten() ([]FlatLeaf, error) {
	idToLeaves := make(map[string][]*Node)
	seen := make(map[string]bool)
	if err := indexIDs(t.Root, idToLeaves, seen); err != nil {
		return nil, err
	}

	var leaves []FlatLeaf
	err := collect(t.Root, nil, nil, idToLeaves, &leaves)
	if err != nil {
		return nil, err
	}
	return leaves, nil
}

// indexIDs records, for every named node, the set of leaves beneath it, and
// rejects ids claimed twice.
func indexIDs(n *Node, idToLeaves map[string][]*Node, seen map[string]bool) error {
	if n.ID != "" {
		if seen[n.ID] {
			return &DuplicateIDError{ID: n.ID}
		}
		seen[n.ID] = true
		idToLeaves[n.ID] = leavesUnder(n)
	}
	for _, c := range n.Children {
		if err := indexIDs(c, idToLeaves, seen); err != nil {
			return err
		}
	}
	return nil
}

func leavesUnder(n *Node) []*Node {
	if n.IsLeaf() {
		return []*Node{n}
	}
	var out []*Node
	for _, c := range n.Children {
		out = append(out, leavesUnder(c)...)
	}
	return out
}

func collect(n *Node, before, after []string, idToLeaves map[string][]*Node, out *[]FlatLeaf) error {
	before = append(append([]string(nil), before...), n.Before...)
	after = append(append([]string(nil), after...), n.After...)

	if n.IsLeaf() {
		leaf := FlatLeaf{Resource: n.Resource}
		var err error
		if leaf.Before, err = resolveRefs("before", before, n, idToLeaves); err != nil {
			return err
		}
		if leaf.After, err = resolveRefs("after", after, n, idToLeaves); err != nil {
			return err
		}
		*out = append(*out, leaf)
		return nil
	}

	for _, c := range n.Children {
		if err := collect(c, before, after, idToLeaves, out); err != nil {
			return err
		}
	}
	return nil
}

// resolveRefs maps hint ids to the identities of the leaves they address,
// skipping the leaf's own identity so a branch hint never orders a leaf
// against itself.
func resolveRefs(hint string, refs []string, leaf *Node, idToLeaves map[string][]*Node) ([]resource.Identity, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	set := make(map[resource.Identity]bool)
	for _, ref := range refs {
		targets, ok := idToLeaves[ref]
		if !ok {
			return nil, &UnknownRefError{Hint: hint, Ref: ref, ModulePath: leaf.ModulePath}
		}
		for _, t := range targets {
			if t.Resource.Identity == leaf.Resource.Identity {
				continue
			}
			set[t.Resource.Identity] = true
		}
	}
	ids := make([]resource.Identity, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}
