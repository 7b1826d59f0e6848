package engine

import (
	"sort"
	"time"

	"github.com/keelcm/keel/pkg/resource"
)

// OutcomeStatus classifies what happened to one resource identity.
type OutcomeStatus string

const (
	// StatusApplied means the change was executed successfully.
	StatusApplied OutcomeStatus = "applied"

	// StatusFailed means the operation covering the change failed.
	StatusFailed OutcomeStatus = "failed"

	// StatusSkipped means the change never ran because an earlier epoch
	// failed or the run was cancelled.
	StatusSkipped OutcomeStatus = "skipped"

	// StatusNoop means observed state already matched.
	StatusNoop OutcomeStatus = "noop"

	// StatusUnknown means the resource could not be probed.
	StatusUnknown OutcomeStatus = "unknown"
)

// Outcome is the per-identity result of a run.
type Outcome struct {
	Identity    resource.Identity   `json:"identity"`
	ChangeKind  resource.ChangeKind `json:"change_kind"`
	Status      OutcomeStatus       `json:"status"`
	OperationID string              `json:"operation_id,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Report is the result of one reconciliation run.
type Report struct {
	RunID      string    `json:"run_id"`
	Target     string    `json:"target"`
	PlanName   string    `json:"plan_name"`
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Partial marks a run stopped early by cancellation or fail-fast.
	Partial bool `json:"partial"`

	Outcomes []Outcome `json:"outcomes"`

	// Unmanaged lists identities from earlier runs no longer desired and
	// left alone because pruning was off.
	Unmanaged []resource.Identity `json:"unmanaged,omitempty"`
}

// Success reports whether every change applied cleanly (noop counts as
// success, unknown and skipped do not).
func (r *Report) Success() bool {
	if r.Partial {
		return false
	}
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusFailed, StatusSkipped, StatusUnknown:
			return false
		}
	}
	return true
}

// Counts returns the number of outcomes per status.
func (r *Report) Counts() map[OutcomeStatus]int {
	counts := make(map[OutcomeStatus]int)
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}

func (r *Report) sortOutcomes() {
	sort.Slice(r.Outcomes, func(i, j int) bool {
		return r.Outcomes[i].Identity.String() < r.Outcomes[j].Identity.String()
	})
}
