package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/keelcm/keel/pkg/target"
)

// Operation is one executable unit of work: either a single change or a
// merge of several same-kind changes within one epoch.
type Operation struct {
	// ID uniquely identifies the operation within a run.
	ID string

	// Kind is the resource kind every covered change belongs to.
	Kind Kind

	// ChangeKind is the change kind every covered change shares.
	ChangeKind ChangeKind

	// Changes are the resource changes this operation covers. A merged
	// operation covers more than one.
	Changes []Change
}

// Identities returns the identity of every covered change.
func (o *Operation) Identities() []Identity {
	ids := make([]Identity, len(o.Changes))
	for i, ch := range o.Changes {
		ids[i] = ch.Identity
	}
	return ids
}

// Merged reports whether this operation batches multiple changes.
func (o *Operation) Merged() bool {
	return len(o.Changes) > 1
}

// Handler implements one core resource kind. The engine is polymorphic over
// handlers: it never inspects attributes itself beyond field comparison.
//
// Merge obligation: a handler that answers true to SupportsMerge must
// produce an operation whose applied effect is independent of the input
// order of the changes (commutativity). The engine cannot verify this
// generically; it relies on the handler upholding it.
type Handler interface {
	// Kind returns the kind this handler implements.
	Kind() Kind

	// Key derives the identity key from desired attributes, validating
	// that the attributes required for addressing are present.
	Key(attrs Attrs) (string, error)

	// Probe returns the observed state of the identified resource, or
	// (nil, nil) if it is absent.
	Probe(ctx context.Context, tgt target.Target, id Identity) (ObservedState, error)

	// Diff classifies the change needed to move observed to desired.
	// Most handlers delegate to DiffAttrs.
	Diff(observed ObservedState, desired Attrs) ChangeKind

	// SupportsMerge reports whether same-epoch changes of the given kind
	// may be batched into one operation.
	SupportsMerge(kind ChangeKind) bool

	// Apply executes an operation against the target.
	Apply(ctx context.Context, tgt target.Target, op *Operation) error
}

// Registry maps resource kinds to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]Handler)}
}

// Register adds a handler. Registering the same kind twice is a programmer
// error and fails.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := h.Kind()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("resource kind %q already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Get returns the handler for a kind.
func (r *Registry) Get(kind Kind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown resource kind %q", kind)
	}
	return h, nil
}

// Has reports whether a kind is registered.
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Kinds lists all registered kinds in lexicographic order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
