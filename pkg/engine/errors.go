// Package engine implements the reconciliation pipeline: diffing desired
// resources against observed machine state, ordering the resulting changes
// in a causality graph, partitioning them into epochs, merging batchable
// operations, and executing them with bounded concurrency.
package engine

import (
	"fmt"
	"strings"

	"github.com/keelcm/keel/pkg/resource"
)

// ConflictError reports two declarations setting the same field of one
// resource to different values. It is fatal and raised before any state is
// touched.
type ConflictError struct {
	Identity resource.Identity
	Field    string

	// PathA and PathB locate the two contributing declarations.
	PathA string
	PathB string

	ValueA any
	ValueB any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting values for %s.%s: %v (%s) vs %v (%s)",
		e.Identity, e.Field, e.ValueA, e.PathA, e.ValueB, e.PathB)
}

// CyclicGraphError reports ordering hints forming a cycle. Cycle holds the
// full loop, first identity repeated at the end.
type CyclicGraphError struct {
	Cycle []resource.Identity
}

func (e *CyclicGraphError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		parts[i] = id.String()
	}
	return fmt.Sprintf("dependency cycle: %s", strings.Join(parts, " -> "))
}

// ProbeError reports a resource whose observed state could not be read. The
// change is marked unknown and excluded from execution rather than risking a
// blind overwrite.
type ProbeError struct {
	Identity resource.Identity
	Err      error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probing %s: %v", e.Identity, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ApplyError reports a failed operation. Every identity the operation
// covered is recorded as failed.
type ApplyError struct {
	OperationID string
	Identities  []resource.Identity
	Err         error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("operation %s failed: %v", e.OperationID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
