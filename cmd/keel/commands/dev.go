package commands

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keelcm/keel/pkg/engine"
	"github.com/keelcm/keel/pkg/stores"
	"github.com/keelcm/keel/pkg/target"
)

func newDevCommand() *cobra.Command {
	var (
		machineName   string
		inventoryPath string
		paramsFile    string
		policyDir     string
		workers       int
		prune         bool
		watch         bool
	)

	cmd := &cobra.Command{
		Use:   "dev <plan.star>",
		Short: "Iterate on a plan against a scratch machine",
		Long: `Apply a plan to a dev machine from the inventory and, with --watch,
re-apply whenever a plan file changes.

Because reconciliation is idempotent, re-applying an unchanged plan is a
cheap no-op, so the loop converges to whatever you last saved.`,
		Example: `  # One-shot apply against a dev VM
  keel dev site.star --machine dev-1 --inventory machines.yaml

  # Re-apply on every save
  keel dev site.star --machine dev-1 --inventory machines.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planPath := args[0]

			tgt, release, err := resolveTarget(ctx, machineName, inventoryPath)
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
				Workers: workers,
				Prune:   prune,
				Metrics: metrics,
			}
			run := func() error {
				return devApply(ctx, cmd, planPath, paramsFile, policyDir, tgt, store, opts)
			}

			if err := run(); err != nil && !watch {
				return err
			} else if err != nil {
				log.Error().Err(err).Msg("apply failed, waiting for changes")
			}
			if !watch {
				return nil
			}
			return watchAndApply(ctx, planPath, run)
		},
	}

	cmd.Flags().StringVarP(&machineName, "machine", "m", "", "inventory machine to develop against")
	cmd.Flags().StringVar(&inventoryPath, "inventory", "", "YAML machine inventory")
	cmd.Flags().StringVar(&paramsFile, "params", "", "YAML file with root plan parameters")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "directory of Rego policies gating the run")
	cmd.Flags().IntVar(&workers, "workers", 4, "max concurrent operations per epoch")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete previously managed resources missing from the plan")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-apply when plan files change")
	_ = cmd.MarkFlagRequired("machine")
	_ = cmd.MarkFlagRequired("inventory")

	return cmd
}

func devApply(ctx context.Context, cmd *cobra.Command, planPath, paramsFile, policyDir string, tgt target.Target, store *stores.SQLiteStore, opts engine.Options) error {
	root, rp, rec, err := computePlan(ctx, planPath, paramsFile, tgt, store, opts)
	if err != nil {
		return err
	}
	if err := checkPolicy(ctx, policyDir, tgt.Name(), rp); err != nil {
		return err
	}

	report := rec.Apply(ctx, tgt, root.Name, rp)
	if err := store.SaveReport(ctx, planPath, report); err != nil {
		log.Error().Err(err).Msg("failed to journal run")
	}
	printReport(cmd.OutOrStdout(), report)
	if !report.Success() {
		return errors.New("run did not converge")
	}
	return nil
}

// watchAndApply re-runs the apply whenever a .star file under the plan's
// directory changes. Events are debounced so editors that write multiple
// times per save trigger a single run.
func watchAndApply(ctx context.Context, planPath string, run func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	root := filepath.Dir(planPath)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("dir", root).Msg("watching for plan changes")

	var debounce *time.Timer
	runs := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".star") {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("plan file changed")
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case runs <- struct{}{}:
				default:
				}
			})

		case <-runs:
			if err := run(); err != nil {
				log.Error().Err(err).Msg("apply failed, waiting for changes")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		}
	}
}
