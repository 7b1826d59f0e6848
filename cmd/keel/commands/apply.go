package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/keelcm/keel/pkg/engine"
	"github.com/keelcm/keel/pkg/stores"
)

func newApplyCommand() *cobra.Command {
	var (
		paramsFile    string
		targetName    string
		inventoryPath string
		policyDir     string
		workers       int
		probeWorkers  int
		dryRun        bool
		prune         bool
	)

	cmd := &cobra.Command{
		Use:   "apply <plan.star>",
		Short: "Reconcile a machine against a plan",
		Long: `Evaluate a plan, diff it against the target machine and apply the
resulting changes epoch by epoch.

Changes within an epoch run concurrently; an epoch only starts once every
earlier epoch finished cleanly. A failed epoch stops the run and reports it
as partial. The run is journaled to the database either way.`,
		Example: `  # Apply to the local machine
  keel apply site.star

  # Apply to an inventory machine with parameters
  keel apply site.star --target web-1 --inventory machines.yaml --params prod.yaml

  # Preview without touching the machine
  keel apply site.star --dry-run

  # Remove resources dropped from the plan
  keel apply site.star --prune`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planPath := args[0]
			if tracer != nil {
				var span trace.Span
				ctx, span = tracer.Start(ctx, "keel.apply")
				defer span.End()
			}

			tgt, release, err := resolveTarget(ctx, targetName, inventoryPath)
			if err != nil {
				return err
			}
			defer release()

			store, err := stores.Open(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			opts := engine.Options{
				Workers:      workers,
				ProbeWorkers: probeWorkers,
				DryRun:       dryRun,
				Prune:        prune,
				Metrics:      metrics,
			}
			root, rp, rec, err := computePlan(ctx, planPath, paramsFile, tgt, store, opts)
			if err != nil {
				return err
			}
			if err := checkPolicy(ctx, policyDir, tgt.Name(), rp); err != nil {
				return err
			}

			printChanges(cmd.OutOrStdout(), rp)
			if rp.OperationCount() == 0 && len(rp.Changes.ProbeErrors) == 0 {
				log.Info().Str("plan", root.Name).Msg("nothing to do")
			}

			report := rec.Apply(ctx, tgt, root.Name, rp)
			if err := store.SaveReport(ctx, planPath, report); err != nil {
				log.Error().Err(err).Msg("failed to journal run")
			}

			printReport(cmd.OutOrStdout(), report)
			if !report.Success() {
				return fmt.Errorf("run %s did not converge", report.RunID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&paramsFile, "params", "", "YAML file with root plan parameters")
	cmd.Flags().StringVarP(&targetName, "target", "t", "local", "target machine (local or an inventory name)")
	cmd.Flags().StringVar(&inventoryPath, "inventory", "", "YAML machine inventory")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "directory of Rego policies gating the run")
	cmd.Flags().IntVar(&workers, "workers", 4, "max concurrent operations per epoch")
	cmd.Flags().IntVar(&probeWorkers, "probe-workers", 4, "max concurrent state probes")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and report without applying")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete previously managed resources missing from the plan")

	return cmd
}
