package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelcm/keel/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Inspect the run journal",
		Long: `List journaled reconciliation runs, newest first. With a run id,
print the per-resource outcomes of that run.`,
		Example: `  keel runs
  keel runs --limit 5
  keel runs 4f1c2d8a-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := stores.Open(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()

			if len(args) == 1 {
				outcomes, err := store.RunOutcomes(ctx, args[0])
				if err != nil {
					return err
				}
				if len(outcomes) == 0 {
					return fmt.Errorf("no run %q in the journal", args[0])
				}
				fmt.Fprintln(w, "RESOURCE\tCHANGE\tSTATUS\tERROR")
				for _, o := range outcomes {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.Identity, o.ChangeKind, o.Status, o.Error)
				}
				return nil
			}

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "ID\tPLAN\tTARGET\tSTARTED\tRESULT")
			for _, r := range runs {
				result := "ok"
				switch {
				case r.DryRun:
					result = "dry-run"
				case r.Partial:
					result = "partial"
				case !r.Success:
					result = "failed"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.PlanName, r.Target, r.StartedAt.Format(time.RFC3339), result)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")

	return cmd
}
