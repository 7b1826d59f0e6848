package plan

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"

	"github.com/keelcm/keel/pkg/resource"
)

// maxNesting bounds plan inclusion depth as a backstop behind the cycle
// check.
const maxNesting = 32

// Evaluator expands a root plan, with its arguments and the machine's
// grains, into a concrete invocation tree.
type Evaluator struct {
	loader   *Loader
	registry *resource.Registry
}

// NewEvaluator creates an Evaluator resolving core kinds from reg.
func NewEvaluator(loader *Loader, reg *resource.Registry) *Evaluator {
	return &Evaluator{loader: loader, registry: reg}
}

// Evaluate loads the plan at rootPath and expands it. Nested plans are
// loaded relative to their including plan; core invocations become resource
// leaves keyed by their handler.
func (e *Evaluator) Evaluate(rootPath string, args, grains map[string]any) (*Tree, error) {
	p, err := e.loader.Load(rootPath)
	if err != nil {
		return nil, err
	}
	root, err := e.evalPlan(p, "", args, grains, map[string]bool{}, nil, 0)
	if err != nil {
		return nil, err
	}
	return &Tree{Root: root}, nil
}

func (e *Evaluator) evalPlan(p *Plan, scope string, args, grains map[string]any, expanding map[string]bool, chain []string, depth int) (*Node, error) {
	if expanding[p.Path] {
		return nil, &CyclicPlanError{Chain: append(append([]string(nil), chain...), p.Path)}
	}
	if depth > maxNesting {
		return nil, NewConfigError(p.Path, fmt.Sprintf("plan nesting exceeds %d levels", maxNesting))
	}
	expanding[p.Path] = true
	defer delete(expanding, p.Path)
	chain = append(chain, p.Path)

	params, issues := p.Params.Resolve(args)
	if len(issues) > 0 {
		return nil, NewConfigError(modulePath(p.Path, scope), issues...)
	}

	invocations, err := callSetup(p, params, grains)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("plan", p.Name).
		Str("scope", scope).
		Int("invocations", len(invocations)).
		Msg("expanded plan")

	node := &Node{ModulePath: p.Path}
	for idx, inv := range invocations {
		child, err := e.evalInvocation(p, scope, idx, inv, grains, expanding, chain, depth)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

func (e *Evaluator) evalInvocation(p *Plan, scope string, idx int, inv Invocation, grains map[string]any, expanding map[string]bool, chain []string, depth int) (*Node, error) {
	effectiveID := ""
	childScope := qualify(scope, strconv.Itoa(idx))
	if inv.ID != "" {
		effectiveID = qualify(scope, inv.ID)
		childScope = effectiveID
	}

	before := qualifyAll(scope, inv.Before)
	after := qualifyAll(scope, inv.After)

	if kind, ok := strings.CutPrefix(inv.Module, CoreModulePrefix); ok {
		handler, err := e.registry.Get(resource.Kind(kind))
		if err != nil {
			return nil, NewConfigError(modulePath(p.Path, childScope), err.Error())
		}
		key, err := handler.Key(inv.Args)
		if err != nil {
			return nil, NewConfigError(modulePath(p.Path, childScope), fmt.Sprintf("%s: %v", inv.Module, err))
		}
		return &Node{
			ID:         effectiveID,
			ModulePath: modulePath(p.Path, childScope),
			Before:     before,
			After:      after,
			Resource: &resource.Resource{
				Identity:   resource.Identity{Kind: resource.Kind(kind), Key: key},
				Attrs:      resource.Attrs(inv.Args).Clone(),
				ModulePath: modulePath(p.Path, childScope),
			},
		}, nil
	}

	if strings.HasPrefix(inv.Module, "@") {
		return nil, NewConfigError(modulePath(p.Path, childScope), fmt.Sprintf("unknown module namespace %q", inv.Module))
	}

	subPath := inv.Module
	if !filepath.IsAbs(subPath) {
		subPath = filepath.Join(filepath.Dir(p.Path), subPath)
	}
	sub, err := e.loader.Load(subPath)
	if err != nil {
		return nil, err
	}
	node, err := e.evalPlan(sub, childScope, inv.Args, grains, expanding, chain, depth+1)
	if err != nil {
		return nil, err
	}
	node.ID = effectiveID
	node.Before = before
	node.After = after
	return node, nil
}

// callSetup invokes the plan's setup function and decodes the returned
// invocation list.
func callSetup(p *Plan, params, grains map[string]any) ([]Invocation, error) {
	paramsVal, err := toStarlarkValue(params)
	if err != nil {
		return nil, NewConfigError(p.Path, fmt.Sprintf("params: %v", err))
	}
	grainsVal, err := toStarlarkValue(grains)
	if err != nil {
		return nil, NewConfigError(p.Path, fmt.Sprintf("grains: %v", err))
	}

	thread := &starlark.Thread{
		Name: p.Path,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("plan", p.Path).Msg(msg)
		},
	}
	result, err := starlark.Call(thread, p.setup, starlark.Tuple{paramsVal, grainsVal}, nil)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, NewConfigError(p.Path, evalErr.Backtrace())
		}
		return nil, NewConfigError(p.Path, fmt.Sprintf("setup: %v", err))
	}

	raw, err := fromStarlarkValue(result)
	if err != nil {
		return nil, NewConfigError(p.Path, fmt.Sprintf("setup result: %v", err))
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, NewConfigError(p.Path, fmt.Sprintf("setup must return a list of invocations, got %T", raw))
	}

	invocations := make([]Invocation, 0, len(items))
	var issues []string
	for i, item := range items {
		inv, invIssues := decodeInvocation(i, item)
		if len(invIssues) > 0 {
			issues = append(issues, invIssues...)
			continue
		}
		invocations = append(invocations, inv)
	}
	if len(issues) > 0 {
		return nil, NewConfigError(p.Path, issues...)
	}
	return invocations, nil
}

func decodeInvocation(idx int, item any) (Invocation, []string) {
	var inv Invocation
	var issues []string

	dict, ok := item.(map[string]any)
	if !ok {
		return inv, []string{fmt.Sprintf("invocation %d: expected dict, got %T", idx, item)}
	}

	moduleRaw, ok := dict["module"]
	if !ok {
		issues = append(issues, fmt.Sprintf("invocation %d: missing module", idx))
	} else if inv.Module, ok = moduleRaw.(string); !ok {
		issues = append(issues, fmt.Sprintf("invocation %d: module must be a string, got %T", idx, moduleRaw))
	}

	if idRaw, ok := dict["id"]; ok {
		if inv.ID, ok = idRaw.(string); !ok {
			issues = append(issues, fmt.Sprintf("invocation %d: id must be a string, got %T", idx, idRaw))
		}
	}
	if argsRaw, ok := dict["args"]; ok {
		if inv.Args, ok = argsRaw.(map[string]any); !ok {
			issues = append(issues, fmt.Sprintf("invocation %d: args must be a dict, got %T", idx, argsRaw))
		}
	}

	var err error
	if inv.Before, err = stringList(dict["before"]); err != nil {
		issues = append(issues, fmt.Sprintf("invocation %d: before: %v", idx, err))
	}
	if inv.After, err = stringList(dict["after"]); err != nil {
		issues = append(issues, fmt.Sprintf("invocation %d: after: %v", idx, err))
	}

	for key := range dict {
		switch key {
		case "module", "id", "args", "before", "after":
		default:
			issues = append(issues, fmt.Sprintf("invocation %d: unknown key %q", idx, key))
		}
	}

	return inv, issues
}

func qualify(scope, id string) string {
	if scope == "" {
		return id
	}
	return scope + "/" + id
}

func qualifyAll(scope string, refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = qualify(scope, r)
	}
	return out
}

func modulePath(path, scope string) string {
	if scope == "" {
		return path
	}
	return path + "#" + scope
}
