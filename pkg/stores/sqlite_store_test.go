package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/keelcm/keel/pkg/engine"
	"github.com/keelcm/keel/pkg/resource"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "keel.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testReport(runID string, outcomes ...engine.Outcome) *engine.Report {
	now := time.Now().UTC().Truncate(time.Second)
	return &engine.Report{
		RunID:      runID,
		Target:     "mem",
		PlanName:   "base",
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
		Outcomes:   outcomes,
	}
}

func TestSaveReportAndListRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	report := testReport("run-1",
		engine.Outcome{Identity: resource.Identity{Kind: "pkg", Key: "git"}, ChangeKind: resource.ChangeCreate, Status: engine.StatusApplied, OperationID: "op-1"},
		engine.Outcome{Identity: resource.Identity{Kind: "file", Key: "/etc/motd"}, ChangeKind: resource.ChangeNoop, Status: engine.StatusNoop},
	)
	if err := s.SaveReport(ctx, "/plans/base.star", report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].ID != "run-1" || !runs[0].Success || runs[0].PlanPath != "/plans/base.star" {
		t.Errorf("unexpected run summary: %+v", runs[0])
	}

	outcomes, err := s.RunOutcomes(ctx, "run-1")
	if err != nil {
		t.Fatalf("RunOutcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Identity.String() != "file//etc/motd" || outcomes[0].Status != engine.StatusNoop {
		t.Errorf("unexpected first outcome: %+v", outcomes[0])
	}
}

func TestManagedSetLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	git := resource.Identity{Kind: "pkg", Key: "git"}

	// Applied resources join the managed set.
	if err := s.SaveReport(ctx, "p", testReport("run-1",
		engine.Outcome{Identity: git, ChangeKind: resource.ChangeCreate, Status: engine.StatusApplied},
	)); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	ids, err := s.ManagedIdentities(ctx, "mem")
	if err != nil {
		t.Fatalf("ManagedIdentities: %v", err)
	}
	if len(ids) != 1 || ids[0] != git {
		t.Fatalf("expected managed git, got %v", ids)
	}

	// Failed and skipped resources do not.
	if err := s.SaveReport(ctx, "p", testReport("run-2",
		engine.Outcome{Identity: resource.Identity{Kind: "pkg", Key: "bad"}, ChangeKind: resource.ChangeCreate, Status: engine.StatusFailed},
	)); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if ids, _ = s.ManagedIdentities(ctx, "mem"); len(ids) != 1 {
		t.Errorf("expected failed resource excluded, got %v", ids)
	}

	// An applied delete leaves the managed set.
	if err := s.SaveReport(ctx, "p", testReport("run-3",
		engine.Outcome{Identity: git, ChangeKind: resource.ChangeDelete, Status: engine.StatusApplied},
	)); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if ids, _ = s.ManagedIdentities(ctx, "mem"); len(ids) != 0 {
		t.Errorf("expected empty managed set after delete, got %v", ids)
	}
}

func TestDryRunLeavesManagedSetAlone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	report := testReport("run-1",
		engine.Outcome{Identity: resource.Identity{Kind: "pkg", Key: "git"}, ChangeKind: resource.ChangeCreate, Status: engine.StatusApplied},
	)
	report.DryRun = true
	if err := s.SaveReport(ctx, "p", report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	ids, err := s.ManagedIdentities(ctx, "mem")
	if err != nil {
		t.Fatalf("ManagedIdentities: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected dry run to leave managed set empty, got %v", ids)
	}
}
