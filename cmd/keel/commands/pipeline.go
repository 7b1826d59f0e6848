package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/keelcm/keel/pkg/engine"
	"github.com/keelcm/keel/pkg/grains"
	"github.com/keelcm/keel/pkg/handlers"
	"github.com/keelcm/keel/pkg/harness"
	"github.com/keelcm/keel/pkg/plan"
	"github.com/keelcm/keel/pkg/policy"
	"github.com/keelcm/keel/pkg/resource"
	"github.com/keelcm/keel/pkg/stores"
	"github.com/keelcm/keel/pkg/target"
)

// newRegistry builds the handler registry with the core kinds.
func newRegistry() (*resource.Registry, error) {
	reg := resource.NewRegistry()
	if err := handlers.RegisterDefaults(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// resolveTarget returns the machine to reconcile. "local" is the machine
// keel runs on; anything else is looked up in the inventory.
func resolveTarget(ctx context.Context, name, inventoryPath string) (target.Target, func(), error) {
	if name == "" || name == "local" {
		return target.NewLocal(), func() {}, nil
	}
	if inventoryPath == "" {
		return nil, nil, fmt.Errorf("target %q requires --inventory", name)
	}
	inv, err := harness.LoadInventory(inventoryPath)
	if err != nil {
		return nil, nil, err
	}
	tgt, err := inv.Start(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return tgt, func() { _ = tgt.Close() }, nil
}

// loadParams reads a YAML parameter payload for the root plan.
func loadParams(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading params: %w", err)
	}
	params := map[string]any{}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parsing params %s: %w", path, err)
	}
	return params, nil
}

// computePlan runs the read-only half of a reconciliation: collect grains,
// evaluate the plan, flatten it, and diff against the target. The returned
// reconciler applies the run plan it computed.
func computePlan(ctx context.Context, planPath, paramsFile string, tgt target.Target, store *stores.SQLiteStore, opts engine.Options) (*plan.Plan, *engine.RunPlan, *engine.Reconciler, error) {
	reg, err := newRegistry()
	if err != nil {
		return nil, nil, nil, err
	}

	params, err := loadParams(paramsFile)
	if err != nil {
		return nil, nil, nil, err
	}

	facts, err := grains.Collect(ctx, tgt)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("collecting grains: %w", err)
	}

	loader := plan.NewLoader()
	root, err := loader.Load(planPath)
	if err != nil {
		return nil, nil, nil, err
	}

	tree, err := plan.NewEvaluator(loader, reg).Evaluate(planPath, params, facts)
	if err != nil {
		return nil, nil, nil, err
	}
	leaves, err := tree.Flatten()
	if err != nil {
		return nil, nil, nil, err
	}
	log.Debug().Int("leaves", len(leaves)).Str("plan", root.Name).Msg("plan flattened")

	var managed []resource.Identity
	if store != nil {
		managed, err = store.ManagedIdentities(ctx, tgt.Name())
		if err != nil {
			return nil, nil, nil, err
		}
	}

	rec := engine.NewReconciler(reg, opts)
	rp, err := rec.Plan(ctx, tgt, leaves, managed)
	if err != nil {
		return nil, nil, nil, err
	}
	return root, rp, rec, nil
}

// checkPolicy evaluates the Rego gate when a policy directory is configured.
func checkPolicy(ctx context.Context, dir, targetName string, rp *engine.RunPlan) error {
	if dir == "" {
		return nil
	}
	gate, err := policy.Load(ctx, dir)
	if err != nil {
		return err
	}
	return gate.Check(ctx, targetName, rp)
}

func printChanges(w io.Writer, rp *engine.RunPlan) {
	counts := map[resource.ChangeKind]int{}
	for _, ch := range rp.Changes.Changes {
		counts[ch.Kind]++
	}
	fmt.Fprintf(w, "Plan: %d create, %d update, %d delete, %d noop, %d unknown\n",
		counts[resource.ChangeCreate], counts[resource.ChangeUpdate],
		counts[resource.ChangeDelete], counts[resource.ChangeNoop],
		counts[resource.ChangeUnknown])

	for i, epoch := range rp.Epochs {
		fmt.Fprintf(w, "\nEpoch %d:\n", i)
		for _, ch := range epoch {
			fmt.Fprintf(w, "  %-6s %s\n", ch.Kind, ch.Identity)
		}
	}

	if len(rp.Changes.ProbeErrors) > 0 {
		fmt.Fprintf(w, "\nUnknown (probe failed):\n")
		ids := make([]resource.Identity, 0, len(rp.Changes.ProbeErrors))
		for id := range rp.Changes.ProbeErrors {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		for _, id := range ids {
			fmt.Fprintf(w, "  %s: %v\n", id, rp.Changes.ProbeErrors[id].Err)
		}
	}

	if len(rp.Changes.Unmanaged) > 0 {
		fmt.Fprintf(w, "\nUnmanaged (previously applied, use --prune to remove):\n")
		for _, id := range rp.Changes.Unmanaged {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}
}

func printReport(w io.Writer, report *engine.Report) {
	counts := report.Counts()
	fmt.Fprintf(w, "\nRun %s: %d applied, %d noop, %d failed, %d skipped, %d unknown\n",
		report.RunID,
		counts[engine.StatusApplied], counts[engine.StatusNoop],
		counts[engine.StatusFailed], counts[engine.StatusSkipped],
		counts[engine.StatusUnknown])
	for _, outcome := range report.Outcomes {
		if outcome.Status == engine.StatusFailed || outcome.Status == engine.StatusUnknown {
			fmt.Fprintf(w, "  %s %s: %s\n", outcome.Status, outcome.Identity, outcome.Error)
		}
	}
	if report.Partial {
		fmt.Fprintln(w, "Run stopped early; later epochs were skipped.")
	}
}
