package plan

import (
	"fmt"
	"strings"
)

// ConfigError reports an invalid plan or an invalid parameter payload. It is
// fatal and raised before any machine state is touched.
type ConfigError struct {
	// ModulePath locates the offending plan or invocation.
	ModulePath string

	// Issues lists each problem found (missing parameters, type
	// mismatches, malformed declarations).
	Issues []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("plan %s: %s", e.ModulePath, strings.Join(e.Issues, "; "))
}

// NewConfigError creates a ConfigError for one module path.
func NewConfigError(modulePath string, issues ...string) *ConfigError {
	return &ConfigError{ModulePath: modulePath, Issues: issues}
}

// CyclicPlanError reports a plan that, directly or transitively, invokes
// itself. The chain runs from the first plan to the repeated one.
type CyclicPlanError struct {
	Chain []string
}

func (e *CyclicPlanError) Error() string {
	return fmt.Sprintf("cyclic plan inclusion: %s", strings.Join(e.Chain, " -> "))
}

// DuplicateIDError reports two tree nodes claiming the same invocation id.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate invocation id %q", e.ID)
}
