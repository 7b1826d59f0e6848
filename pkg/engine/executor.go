package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keelcm/keel/pkg/resource"
	"github.com/keelcm/keel/pkg/target"
	"github.com/keelcm/keel/pkg/telemetry"
)

// Executor applies epochs strictly in sequence. Operations inside one epoch
// are independent by construction and run on a bounded worker pool; the
// executor waits for the whole epoch to drain before advancing.
//
// Failure policy: once any operation of an epoch fails, no later epoch
// starts, but already-dispatched operations of the same epoch finish so the
// report reflects what actually happened. There is no rollback.
type Executor struct {
	registry *resource.Registry
	workers  int

	// DryRun records what would be applied without calling handlers.
	DryRun bool

	// Metrics is optional; a nil metrics sink drops all samples.
	Metrics *telemetry.Metrics
}

// NewExecutor creates an Executor with at most workers concurrent
// operations per epoch.
func NewExecutor(reg *resource.Registry, workers int) *Executor {
	if workers <= 0 {
		workers = 4
	}
	return &Executor{registry: reg, workers: workers}
}

// opResult is the outcome of one operation.
type opResult struct {
	op      *resource.Operation
	status  OutcomeStatus
	err     error
}

// Execute runs the epochs in order and returns per-identity outcomes plus
// whether the run stopped early. Cancellation stops dispatch of new
// operations but lets in-flight ones finish.
func (e *Executor) Execute(ctx context.Context, tgt target.Target, epochs [][]resource.Operation) ([]Outcome, bool) {
	var outcomes []Outcome
	partial := false

	for i, ops := range epochs {
		if partial {
			outcomes = append(outcomes, skippedOutcomes(ops)...)
			continue
		}
		if ctx.Err() != nil {
			partial = true
			outcomes = append(outcomes, skippedOutcomes(ops)...)
			continue
		}

		log.Info().
			Int("epoch", i).
			Int("operations", len(ops)).
			Bool("dry_run", e.DryRun).
			Msg("executing epoch")

		results := e.executeEpoch(ctx, tgt, ops)

		failed := false
		for _, res := range results {
			outcomes = append(outcomes, operationOutcomes(res)...)
			if res.status == StatusFailed {
				failed = true
			}
		}
		if failed {
			log.Error().Int("epoch", i).Msg("epoch failed, skipping remaining epochs")
			partial = i < len(epochs)-1
		}
		if ctx.Err() != nil && i < len(epochs)-1 {
			partial = true
		}
	}

	return outcomes, partial
}

// executeEpoch drains one epoch through the worker pool.
func (e *Executor) executeEpoch(ctx context.Context, tgt target.Target, ops []resource.Operation) []opResult {
	queue := make(chan int, len(ops))
	for i := range ops {
		queue <- i
	}
	close(queue)

	workers := e.workers
	if len(ops) < workers {
		workers = len(ops)
	}

	results := make([]opResult, len(ops))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				op := &ops[i]
				if ctx.Err() != nil {
					results[i] = opResult{op: op, status: StatusSkipped}
					continue
				}
				results[i] = e.executeOperation(ctx, tgt, op)
			}
		}()
	}
	wg.Wait()

	return results
}

func (e *Executor) executeOperation(ctx context.Context, tgt target.Target, op *resource.Operation) opResult {
	logger := log.With().
		Str("operation", op.ID).
		Str("kind", string(op.Kind)).
		Str("change", string(op.ChangeKind)).
		Int("resources", len(op.Changes)).
		Logger()

	if e.DryRun {
		logger.Info().Msg("would apply")
		return opResult{op: op, status: StatusApplied}
	}

	handler, err := e.registry.Get(op.Kind)
	if err != nil {
		return opResult{op: op, status: StatusFailed, err: err}
	}

	start := time.Now()
	err = handler.Apply(ctx, tgt, op)
	duration := time.Since(start)
	e.Metrics.RecordOperation(string(op.Kind), string(op.ChangeKind), err == nil, duration)

	if err != nil {
		applyErr := &ApplyError{OperationID: op.ID, Identities: op.Identities(), Err: err}
		logger.Error().Err(err).Msg("operation failed")
		return opResult{op: op, status: StatusFailed, err: applyErr}
	}

	logger.Info().Dur("duration", duration).Msg("operation applied")
	return opResult{op: op, status: StatusApplied}
}

func operationOutcomes(res opResult) []Outcome {
	outcomes := make([]Outcome, 0, len(res.op.Changes))
	for _, ch := range res.op.Changes {
		o := Outcome{
			Identity:    ch.Identity,
			ChangeKind:  ch.Kind,
			Status:      res.status,
			OperationID: res.op.ID,
		}
		if res.err != nil {
			o.Error = res.err.Error()
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func skippedOutcomes(ops []resource.Operation) []Outcome {
	var outcomes []Outcome
	for i := range ops {
		for _, ch := range ops[i].Changes {
			outcomes = append(outcomes, Outcome{
				Identity:    ch.Identity,
				ChangeKind:  ch.Kind,
				Status:      StatusSkipped,
				OperationID: ops[i].ID,
			})
		}
	}
	return outcomes
}
