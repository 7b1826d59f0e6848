package resource

import "reflect"

// ChangeKind classifies what must happen to a resource.
type ChangeKind string

const (
	// ChangeCreate means the resource is absent and must be created.
	ChangeCreate ChangeKind = "create"

	// ChangeUpdate means the resource exists but differs from desired state.
	ChangeUpdate ChangeKind = "update"

	// ChangeDelete means the resource exists but is no longer desired
	// (only produced when pruning is enabled).
	ChangeDelete ChangeKind = "delete"

	// ChangeNoop means observed state already matches desired state.
	// Noop changes participate in graph topology but never become
	// operations.
	ChangeNoop ChangeKind = "noop"

	// ChangeUnknown means the resource could not be probed. Unknown
	// changes are conservatively excluded from operations and surfaced
	// in the run report.
	ChangeUnknown ChangeKind = "unknown"
)

// Actionable reports whether the change produces an operation.
func (k ChangeKind) Actionable() bool {
	return k == ChangeCreate || k == ChangeUpdate || k == ChangeDelete
}

// ObservedState is a snapshot of a resource's current state as reported by
// its handler's probe. A nil ObservedState means the resource is absent.
type ObservedState map[string]any

// Change is the diff result for one resource identity.
type Change struct {
	Identity Identity
	Kind     ChangeKind

	// Observed is the probed state snapshot; nil if the resource was
	// absent or could not be probed.
	Observed ObservedState

	// Desired is the merged desired state; nil for pruned (Delete)
	// changes, which have no declaring invocation.
	Desired Attrs

	// ModulePaths lists every invocation that contributed to Desired.
	ModulePaths []string
}

// DiffAttrs compares an observed snapshot against desired attributes
// field by field. Only desired fields are compared; everything else on the
// machine is unmanaged. A nil observed state yields ChangeCreate.
func DiffAttrs(observed ObservedState, desired Attrs) ChangeKind {
	if observed == nil {
		return ChangeCreate
	}
	for field, want := range desired {
		got, ok := observed[field]
		if !ok || !ValuesEqual(got, want) {
			return ChangeUpdate
		}
	}
	return ChangeNoop
}

// ValuesEqual compares attribute values, treating all numeric types as
// float64 since plan evaluation and probing produce mixed int/float values
// for the same field.
func ValuesEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
