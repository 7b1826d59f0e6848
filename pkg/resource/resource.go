// Package resource defines the typed model of an atomic piece of machine
// state: resources, the changes that bring them to their desired state, the
// operations that apply those changes, and the handler contract each
// resource kind implements.
package resource

import (
	"fmt"
	"sort"
)

// Kind identifies a core resource type (e.g. "pkg", "file", "service").
type Kind string

// Identity is the stable address of a resource: the same (kind, key) pair
// always refers to the same piece of machine state. Identities are how
// duplicate declarations across plan branches are detected and merged.
type Identity struct {
	Kind Kind
	Key  string
}

// String renders the identity as "kind/key".
func (id Identity) String() string {
	return string(id.Kind) + "/" + id.Key
}

// Attrs holds the desired-state attributes of a resource. Only declared
// fields are owned by the plan; fields a plan never sets are left alone on
// the machine (partial ownership).
type Attrs map[string]any

// Clone returns a shallow copy.
func (a Attrs) Clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// SortedKeys returns the attribute names in lexicographic order.
func (a Attrs) SortedKeys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resource is a single desired-state declaration produced by plan
// evaluation. Several Resources may share an Identity; the differ merges
// them into one authoritative desired state or rejects the conflict.
type Resource struct {
	Identity Identity

	// Attrs is the desired state declared by the plan.
	Attrs Attrs

	// ModulePath locates the declaring invocation for diagnostics,
	// e.g. "./base.star#editor".
	ModulePath string
}

func (r *Resource) String() string {
	return fmt.Sprintf("%s (%s)", r.Identity, r.ModulePath)
}
