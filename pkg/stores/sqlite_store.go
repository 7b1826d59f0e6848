// Package stores persists the run journal: every reconciliation run, its
// per-resource results, and the set of identities keel manages on each
// target. The managed set is what makes pruning possible across runs.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/keelcm/keel/pkg/engine"
	"github.com/keelcm/keel/pkg/resource"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the sqlite-backed run journal.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open creates the store, opens the database in WAL mode and applies
// pending migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RunSummary is one journal entry.
type RunSummary struct {
	ID         string    `json:"id"`
	PlanName   string    `json:"plan_name"`
	PlanPath   string    `json:"plan_path"`
	Target     string    `json:"target"`
	DryRun     bool      `json:"dry_run"`
	Partial    bool      `json:"partial"`
	Success    bool      `json:"success"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// SaveReport journals a finished run and updates the managed set. Dry runs
// are journaled but never touch the managed set.
func (s *SQLiteStore) SaveReport(ctx context.Context, planPath string, report *engine.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, plan_name, plan_path, target, dry_run, partial, success, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID, report.PlanName, planPath, report.Target,
		report.DryRun, report.Partial, report.Success(),
		report.StartedAt, report.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	for _, o := range report.Outcomes {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_results (run_id, kind, key, change_kind, status, operation_id, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			report.RunID, string(o.Identity.Kind), o.Identity.Key,
			string(o.ChangeKind), string(o.Status), o.OperationID, o.Error,
		)
		if err != nil {
			return fmt.Errorf("inserting result for %s: %w", o.Identity, err)
		}

		if report.DryRun {
			continue
		}
		switch {
		case o.Status == engine.StatusApplied && o.ChangeKind == resource.ChangeDelete:
			_, err = tx.ExecContext(ctx,
				`DELETE FROM managed_resources WHERE target = ? AND kind = ? AND key = ?`,
				report.Target, string(o.Identity.Kind), o.Identity.Key)
		case o.Status == engine.StatusApplied || o.Status == engine.StatusNoop:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO managed_resources (target, kind, key, run_id, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (target, kind, key) DO UPDATE SET run_id = excluded.run_id, updated_at = excluded.updated_at`,
				report.Target, string(o.Identity.Kind), o.Identity.Key,
				report.RunID, report.FinishedAt)
		}
		if err != nil {
			return fmt.Errorf("updating managed set for %s: %w", o.Identity, err)
		}
	}

	return tx.Commit()
}

// ManagedIdentities returns the identities keel manages on a target,
// sorted by kind then key.
func (s *SQLiteStore) ManagedIdentities(ctx context.Context, targetName string) ([]resource.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, key FROM managed_resources WHERE target = ? ORDER BY kind, key`, targetName)
	if err != nil {
		return nil, fmt.Errorf("querying managed resources: %w", err)
	}
	defer rows.Close()

	var ids []resource.Identity
	for rows.Next() {
		var kind, key string
		if err := rows.Scan(&kind, &key); err != nil {
			return nil, fmt.Errorf("scanning managed resource: %w", err)
		}
		ids = append(ids, resource.Identity{Kind: resource.Kind(kind), Key: key})
	}
	return ids, rows.Err()
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_name, plan_path, target, dry_run, partial, success, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.PlanName, &r.PlanPath, &r.Target,
			&r.DryRun, &r.Partial, &r.Success, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunOutcomes returns the per-resource results of one run.
func (s *SQLiteStore) RunOutcomes(ctx context.Context, runID string) ([]engine.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, key, change_kind, status, operation_id, error
		FROM run_results WHERE run_id = ? ORDER BY kind, key`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying run results: %w", err)
	}
	defer rows.Close()

	var outcomes []engine.Outcome
	for rows.Next() {
		var kind, key, changeKind, status string
		var operationID, errText sql.NullString
		if err := rows.Scan(&kind, &key, &changeKind, &status, &operationID, &errText); err != nil {
			return nil, fmt.Errorf("scanning run result: %w", err)
		}
		outcomes = append(outcomes, engine.Outcome{
			Identity:    resource.Identity{Kind: resource.Kind(kind), Key: key},
			ChangeKind:  resource.ChangeKind(changeKind),
			Status:      engine.OutcomeStatus(status),
			OperationID: operationID.String,
			Error:       errText.String,
		})
	}
	return outcomes, rows.Err()
}
