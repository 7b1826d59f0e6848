// Package policy evaluates Rego deny rules against a computed run plan
// before anything executes. Operators drop .rego files declaring
// `deny contains msg` rules under package keel.policy; any deny aborts the
// run.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog/log"

	"github.com/keelcm/keel/pkg/engine"
)

// DeniedError reports policy violations that block a run.
type DeniedError struct {
	Violations []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy denied run: %s", strings.Join(e.Violations, "; "))
}

// Gate holds compiled policy modules.
type Gate struct {
	query rego.PreparedEvalQuery
	empty bool
}

// Load reads every .rego file under dir and prepares the deny query. A
// missing or empty directory yields a gate that allows everything.
func Load(ctx context.Context, dir string) (*Gate, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return &Gate{empty: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading policy directory: %w", err)
	}

	opts := []func(*rego.Rego){rego.Query("data.keel.policy.deny")}
	modules := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading policy %s: %w", path, err)
		}
		opts = append(opts, rego.Module(entry.Name(), string(src)))
		modules++
	}
	if modules == 0 {
		return &Gate{empty: true}, nil
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compiling policies: %w", err)
	}
	log.Debug().Int("modules", modules).Str("dir", dir).Msg("loaded policies")
	return &Gate{query: query}, nil
}

// changeInput is the policy view of one planned change.
type changeInput struct {
	Kind    string         `json:"kind"`
	Key     string         `json:"key"`
	Change  string         `json:"change"`
	Desired map[string]any `json:"desired,omitempty"`
}

// Check evaluates the deny rules against the planned changes and returns a
// DeniedError when any rule fires.
func (g *Gate) Check(ctx context.Context, targetName string, rp *engine.RunPlan) error {
	if g.empty {
		return nil
	}

	changes := make([]changeInput, 0, len(rp.Changes.Changes))
	for _, ch := range rp.Changes.Changes {
		if !ch.Kind.Actionable() {
			continue
		}
		changes = append(changes, changeInput{
			Kind:    string(ch.Identity.Kind),
			Key:     ch.Identity.Key,
			Change:  string(ch.Kind),
			Desired: ch.Desired,
		})
	}

	input := map[string]any{
		"target":  targetName,
		"changes": changes,
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("evaluating policies: %w", err)
	}

	var violations []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			values, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, v := range values {
				violations = append(violations, fmt.Sprint(v))
			}
		}
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		return &DeniedError{Violations: violations}
	}
	return nil
}
