package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keelcm/keel/pkg/plan"
	"github.com/keelcm/keel/pkg/resource"
	"github.com/keelcm/keel/pkg/target"
	"github.com/keelcm/keel/pkg/telemetry"
)

// Options tunes one Reconciler.
type Options struct {
	// Workers bounds concurrent operations within an epoch.
	Workers int

	// ProbeWorkers bounds concurrent state probes. Zero means Workers.
	ProbeWorkers int

	// DryRun plans and reports without touching the machine.
	DryRun bool

	// Prune deletes resources managed by earlier runs that are no longer
	// desired.
	Prune bool

	// Metrics is optional.
	Metrics *telemetry.Metrics
}

// Reconciler drives the full pipeline: diff, graph, epochs, merge, execute.
type Reconciler struct {
	registry *resource.Registry
	opts     Options
}

// NewReconciler creates a Reconciler over the given handler registry.
func NewReconciler(reg *resource.Registry, opts Options) *Reconciler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ProbeWorkers <= 0 {
		opts.ProbeWorkers = opts.Workers
	}
	return &Reconciler{registry: reg, opts: opts}
}

// RunPlan is the computed execution plan for one run: the diffed changes,
// their causality graph, and the merged operations per epoch.
type RunPlan struct {
	Changes *ChangeSet
	Graph   *Graph
	Epochs  [][]resource.Change
	Ops     [][]resource.Operation
}

// OperationCount returns the total number of operations across epochs.
func (p *RunPlan) OperationCount() int {
	n := 0
	for _, ops := range p.Ops {
		n += len(ops)
	}
	return n
}

// Plan computes the execution plan without applying anything. managed lists
// identities recorded by earlier runs against the same target.
func (r *Reconciler) Plan(ctx context.Context, tgt target.Target, leaves []plan.FlatLeaf, managed []resource.Identity) (*RunPlan, error) {
	differ := NewDiffer(r.registry, r.opts.ProbeWorkers)
	differ.Prune = r.opts.Prune
	differ.Metrics = r.opts.Metrics

	cs, err := differ.Diff(ctx, tgt, leaves, managed)
	if err != nil {
		return nil, err
	}

	graph, err := BuildGraph(cs)
	if err != nil {
		return nil, err
	}
	epochs := graph.Epochs()

	ops := make([][]resource.Operation, len(epochs))
	for i, epoch := range epochs {
		if ops[i], err = MergeEpoch(r.registry, epoch); err != nil {
			return nil, err
		}
	}

	log.Debug().
		Int("changes", len(cs.Changes)).
		Int("edges", graph.EdgeCount()).
		Int("epochs", len(epochs)).
		Msg("computed run plan")

	return &RunPlan{Changes: cs, Graph: graph, Epochs: epochs, Ops: ops}, nil
}

// Apply executes a previously computed plan and returns the run report.
func (r *Reconciler) Apply(ctx context.Context, tgt target.Target, planName string, rp *RunPlan) *Report {
	report := &Report{
		RunID:     uuid.NewString(),
		Target:    tgt.Name(),
		PlanName:  planName,
		DryRun:    r.opts.DryRun,
		StartedAt: time.Now().UTC(),
		Unmanaged: rp.Changes.Unmanaged,
	}
	r.opts.Metrics.RecordRunStarted()

	executor := NewExecutor(r.registry, r.opts.Workers)
	executor.DryRun = r.opts.DryRun
	executor.Metrics = r.opts.Metrics

	outcomes, partial := executor.Execute(ctx, tgt, rp.Ops)
	report.Outcomes = outcomes
	report.Partial = partial

	// Non-actionable changes still appear in the report.
	for _, ch := range rp.Changes.Changes {
		switch ch.Kind {
		case resource.ChangeNoop:
			report.Outcomes = append(report.Outcomes, Outcome{Identity: ch.Identity, ChangeKind: ch.Kind, Status: StatusNoop})
		case resource.ChangeUnknown:
			o := Outcome{Identity: ch.Identity, ChangeKind: ch.Kind, Status: StatusUnknown}
			if pe, ok := rp.Changes.ProbeErrors[ch.Identity]; ok {
				o.Error = pe.Error()
			}
			report.Outcomes = append(report.Outcomes, o)
		}
	}
	report.sortOutcomes()
	report.FinishedAt = time.Now().UTC()

	r.opts.Metrics.RecordRunCompleted(report.Success(), report.FinishedAt.Sub(report.StartedAt))
	return report
}

// Reconcile runs Plan then Apply in one call.
func (r *Reconciler) Reconcile(ctx context.Context, tgt target.Target, planName string, leaves []plan.FlatLeaf, managed []resource.Identity) (*Report, error) {
	rp, err := r.Plan(ctx, tgt, leaves, managed)
	if err != nil {
		return nil, err
	}
	return r.Apply(ctx, tgt, planName, rp), nil
}
