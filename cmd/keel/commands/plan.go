package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/keelcm/keel/pkg/engine"
	"github.com/keelcm/keel/pkg/stores"
)

func newPlanCommand() *cobra.Command {
	var (
		paramsFile    string
		targetName    string
		inventoryPath string
		policyDir     string
		probeWorkers  int
		prune         bool
		dotFile       string
	)

	cmd := &cobra.Command{
		Use:   "plan <plan.star>",
		Short: "Show what apply would change",
		Long: `Evaluate a plan and diff it against the target without changing anything.

Prints the planned changes grouped into execution epochs. With --dot the
causality graph is written in Graphviz format for inspection.`,
		Example: `  # Preview changes on the local machine
  keel plan site.star

  # Dump the causality graph
  keel plan site.star --dot graph.dot && dot -Tsvg graph.dot -o graph.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if tracer != nil {
				var span trace.Span
				ctx, span = tracer.Start(ctx, "keel.plan")
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
				ProbeWorkers: probeWorkers,
				Prune:        prune,
				Metrics:      metrics,
			}
			_, rp, _, err := computePlan(ctx, args[0], paramsFile, tgt, store, opts)
			if err != nil {
				return err
			}
			if err := checkPolicy(ctx, policyDir, tgt.Name(), rp); err != nil {
				return err
			}

			printChanges(cmd.OutOrStdout(), rp)
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d operation(s) in %d epoch(s)\n",
				rp.OperationCount(), len(rp.Epochs))

			if dotFile != "" {
				dot := rp.Graph.ToDOT()
				if dotFile == "-" {
					fmt.Fprint(cmd.OutOrStdout(), dot)
				} else if err := os.WriteFile(dotFile, []byte(dot), 0o644); err != nil {
					return fmt.Errorf("writing dot file: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&paramsFile, "params", "", "YAML file with root plan parameters")
	cmd.Flags().StringVarP(&targetName, "target", "t", "local", "target machine (local or an inventory name)")
	cmd.Flags().StringVar(&inventoryPath, "inventory", "", "YAML machine inventory")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "directory of Rego policies gating the run")
	cmd.Flags().IntVar(&probeWorkers, "probe-workers", 4, "max concurrent state probes")
	cmd.Flags().BoolVar(&prune, "prune", false, "plan deletions for previously managed resources missing from the plan")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the causality graph in Graphviz format (- for stdout)")

	return cmd
}
