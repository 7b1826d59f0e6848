// Package commands implements the keel CLI.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/keelcm/keel/pkg/telemetry"
)

var (
	// Global flags
	logLevel      string
	logFormat     string
	dbPath        string
	metricsAddr   string
	traceExporter string
	traceEndpoint string
	traceInsecure bool

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keel",
		Short: "Keel - Declarative Machine Configuration Engine",
		Long: `Keel reconciles a machine's actual state against a declarative plan.

Plans are Starlark files that expand into a tree of resource invocations.
Keel diffs desired state against the machine, orders the resulting changes
by their causal dependencies, batches compatible operations, and applies
them epoch by epoch with bounded concurrency.

Features:
  - Starlark plan language with parameterized sub-plans
  - Causality-ordered execution (before/after hints, epoch scheduling)
  - Operation merging (e.g. one package-manager transaction per epoch)
  - SQLite run journal and managed-resource tracking for pruning
  - Rego policy gate over planned changes
  - Local and SSH targets`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupTelemetry(cmd.Context(), version)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if tracer != nil {
				return tracer.Shutdown(cmd.Context())
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "path to the run journal database")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (otlp, stdout, none)")
	rootCmd.PersistentFlags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP collector endpoint")
	rootCmd.PersistentFlags().BoolVar(&traceInsecure, "trace-insecure", false, "disable TLS towards the OTLP collector")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newDevCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}

func setupTelemetry(ctx context.Context, version string) error {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	cfg.Metrics.Enabled = metricsAddr != ""
	cfg.Metrics.ListenAddr = metricsAddr
	cfg.Tracing.Enabled = traceExporter != "none"
	cfg.Tracing.Exporter = traceExporter
	cfg.Tracing.Endpoint = traceEndpoint
	cfg.Tracing.Insecure = traceInsecure
	if err := cfg.Validate(); err != nil {
		return err
	}

	telemetry.SetupLogging(cfg.Logging)

	metrics = telemetry.NewMetrics(cfg.Metrics)
	if metrics != nil {
		metrics.Serve(cfg.Metrics.ListenAddr)
	}

	t, err := telemetry.NewTracer(ctx, cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	tracer = t
	return nil
}

// defaultDBPath puts the journal under the user's home so repeated runs on
// the same controller share one managed set.
func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "keel.db"
	}
	return filepath.Join(home, ".keel", "keel.db")
}
