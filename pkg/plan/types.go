// Package plan loads user-authored Starlark plans and expands them, with
// their parameters and the machine's grains, into a tree of concrete
// resource declarations.
package plan

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
)

// ParamType is the declared type of a plan parameter.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeNumber ParamType = "number"
	TypeBool   ParamType = "bool"
	TypeList   ParamType = "list"
	TypeObject ParamType = "object"
)

// Valid reports whether the type name is known.
func (t ParamType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBool, TypeList, TypeObject:
		return true
	}
	return false
}

// ParamField declares one parameter of a plan.
type ParamField struct {
	Type ParamType

	// Default, when non-nil, is used if the caller omits the parameter.
	Default any

	// Optional marks a parameter that may be absent without a default.
	Optional bool
}

// Schema maps parameter names to their declarations.
type Schema map[string]ParamField

// SortedNames returns parameter names in lexicographic order.
func (s Schema) SortedNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve validates a raw argument mapping against the schema and returns
// the resolved parameter values with defaults applied. Every problem is
// collected rather than failing on the first.
func (s Schema) Resolve(args map[string]any) (map[string]any, []string) {
	var issues []string
	resolved := make(map[string]any, len(s))

	for _, name := range s.SortedNames() {
		field := s[name]
		value, ok := args[name]
		if !ok {
			switch {
			case field.Default != nil:
				resolved[name] = field.Default
			case field.Optional:
				// Left unset; setup sees None.
			default:
				issues = append(issues, fmt.Sprintf("missing required parameter %q (%s)", name, field.Type))
			}
			continue
		}
		if !matchesType(field.Type, value) {
			issues = append(issues, fmt.Sprintf("parameter %q: expected %s, got %T", name, field.Type, value))
			continue
		}
		resolved[name] = value
	}

	extra := make([]string, 0)
	for name := range args {
		if _, ok := s[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		issues = append(issues, fmt.Sprintf("unknown parameter %q", name))
	}

	return resolved, issues
}

func matchesType(t ParamType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeList:
		_, ok := v.([]any)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// Invocation is a single module call returned by a plan's setup function:
// either a nested user plan (path reference) or a core resource kind
// ("@core/<kind>").
type Invocation struct {
	// ID optionally names the invocation so before/after hints can
	// reference it.
	ID string

	// Module is the module reference.
	Module string

	// Args is the argument mapping passed as the module's parameters
	// (for user plans) or desired-state attributes (for core kinds).
	Args map[string]any

	// Before lists invocation ids this one must complete before.
	Before []string

	// After lists invocation ids this one must run after.
	After []string
}

// Plan is a loaded, immutable plan document.
type Plan struct {
	// Name is the declared plan name.
	Name string

	// Version is the declared semantic version.
	Version string

	// Path is the source path the plan was loaded from.
	Path string

	// Params is the declared parameter schema.
	Params Schema

	// setup is the Starlark function producing the invocation sequence.
	setup *starlark.Function
}

// CoreModulePrefix marks module references that resolve to core resource
// kinds instead of nested plans.
const CoreModulePrefix = "@core/"
