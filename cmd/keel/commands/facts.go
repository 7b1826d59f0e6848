package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keelcm/keel/pkg/grains"
)

func newFactsCommand() *cobra.Command {
	var inventoryPath string

	cmd := &cobra.Command{
		Use:   "facts [machine]",
		Short: "Print the grains collected from a machine",
		Long: `Probe a machine and print its grains (hostname, OS, package manager,
CPU and memory) as JSON. These are the values plans receive as their
second setup argument.`,
		Example: `  # Local machine
  keel facts

  # Inventory machine
  keel facts web-1 --inventory machines.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			name := "local"
			if len(args) == 1 {
				name = args[0]
			}
			tgt, release, err := resolveTarget(ctx, name, inventoryPath)
			if err != nil {
				return err
			}
			defer release()

			facts, err := grains.Collect(ctx, tgt)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(facts, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&inventoryPath, "inventory", "", "YAML machine inventory")

	return cmd
}
