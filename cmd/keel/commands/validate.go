package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keelcm/keel/pkg/grains"
	"github.com/keelcm/keel/pkg/plan"
	"github.com/keelcm/keel/pkg/target"
)

func newValidateCommand() *cobra.Command {
	var paramsFile string

	cmd := &cobra.Command{
		Use:   "validate <plan.star>",
		Short: "Check a plan without contacting a target",
		Long: `Load and evaluate a plan, including all sub-plans, and verify the
resulting tree flattens cleanly. Grains come from the local machine; no
state is probed and nothing is applied.`,
		Example: `  keel validate site.star
  keel validate site.star --params prod.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			reg, err := newRegistry()
			if err != nil {
				return err
			}
			params, err := loadParams(paramsFile)
			if err != nil {
				return err
			}
			facts, err := grains.Collect(ctx, target.NewLocal())
			if err != nil {
				return fmt.Errorf("collecting grains: %w", err)
			}

			loader := plan.NewLoader()
			root, err := loader.Load(args[0])
			if err != nil {
				return err
			}
			tree, err := plan.NewEvaluator(loader, reg).Evaluate(args[0], params, facts)
			if err != nil {
				return err
			}
			leaves, err := tree.Flatten()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d resource(s), ok\n",
				root.Name, root.Version, len(leaves))
			return nil
		},
	}

	cmd.Flags().StringVar(&paramsFile, "params", "", "YAML file with root plan parameters")

	return cmd
}
