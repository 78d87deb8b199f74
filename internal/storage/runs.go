// Package storage implements the relational stores backing the analysis
// orchestration engine.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sevigo/review-council/internal/core"
	"github.com/sevigo/review-council/internal/db"
)

// RunStore is the authoritative state machine and hierarchy store for
// analysis runs.
type RunStore interface {
	Create(ctx context.Context, run *core.AnalysisRun) error
	UpdateProgressTotals(ctx context.Context, runID string, filesAnalyzed, totalSuggestions int) error
	// MarkTerminal transitions a running run to a terminal state, setting
	// completed_at exactly once. Transitions are monotonic: a terminal run
	// is never updated again and the call reports core.ErrRunNotRunning.
	MarkTerminal(ctx context.Context, runID string, status core.RunStatus, summary string, totalSuggestions int) error
	GetByID(ctx context.Context, runID string) (*core.AnalysisRun, error)
	GetByReviewID(ctx context.Context, reviewID string) ([]*core.AnalysisRun, error)
	GetLatestByReviewID(ctx context.Context, reviewID string) (*core.AnalysisRun, error)
	GetChildRuns(ctx context.Context, parentID string) ([]*core.AnalysisRun, error)
	DeleteByReviewID(ctx context.Context, reviewID string) error
	// SweepStuckRuns forces running rows older than the cutoff to failed.
	// The age threshold matters: another process sharing this store may own
	// a legitimately running analysis.
	SweepStuckRuns(ctx context.Context, olderThan time.Duration) (int64, error)
}

type runStore struct {
	db *db.DB
}

// NewRunStore creates a RunStore backed by the shared database.
func NewRunStore(database *db.DB) RunStore {
	return &runStore{db: database}
}

const runColumns = `id, review_id, parent_run_id, kind, provider, model, tier, levels,
	repo_instructions, run_instructions, commit_sha, status, started_at, completed_at,
	files_analyzed, total_suggestions, summary`

// Display ordering: latest activity first, and on exact timestamp ties a
// parentless run sorts above a child. A council parent is created before its
// children but completes after them; with second-granularity timestamps a
// naive "latest wins" rule would surface a child above its own parent.
const runOrdering = `ORDER BY COALESCE(completed_at, started_at) DESC,
	CASE WHEN parent_run_id IS NULL THEN 0 ELSE 1 END`

func (s *runStore) Create(ctx context.Context, run *core.AnalysisRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = core.RunStatusRunning
	}
	if run.Levels == nil {
		run.Levels = core.LevelMap{}
	}

	query := s.db.Rebind(`INSERT INTO analysis_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	levels, err := run.Levels.Value()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.ReviewID, run.ParentRunID, run.Kind, run.Provider, run.Model, run.Tier,
		levels, run.RepoInstructions, run.RunInstructions, run.CommitSHA, run.Status,
		run.StartedAt, run.CompletedAt, run.FilesAnalyzed, run.TotalSuggestions, run.Summary)
	if err != nil {
		return fmt.Errorf("failed to create analysis run: %w", err)
	}
	return nil
}

func (s *runStore) UpdateProgressTotals(ctx context.Context, runID string, filesAnalyzed, totalSuggestions int) error {
	query := s.db.Rebind(`UPDATE analysis_runs
		SET files_analyzed = ?, total_suggestions = ?
		WHERE id = ? AND status = 'running'`)
	res, err := s.db.ExecContext(ctx, query, filesAnalyzed, totalSuggestions, runID)
	if err != nil {
		return fmt.Errorf("failed to update run totals: %w", err)
	}
	return s.checkRunningRowTouched(ctx, res, runID)
}

func (s *runStore) MarkTerminal(ctx context.Context, runID string, status core.RunStatus, summary string, totalSuggestions int) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	query := s.db.Rebind(`UPDATE analysis_runs
		SET status = ?, summary = ?, total_suggestions = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`)
	res, err := s.db.ExecContext(ctx, query, status, summary, totalSuggestions, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to mark run terminal: %w", err)
	}
	return s.checkRunningRowTouched(ctx, res, runID)
}

// checkRunningRowTouched distinguishes a missing run from one that already
// reached a terminal state.
func (s *runStore) checkRunningRowTouched(ctx context.Context, res sql.Result, runID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetByID(ctx, runID); err != nil {
		return err
	}
	return core.ErrRunNotRunning
}

func (s *runStore) GetByID(ctx context.Context, runID string) (*core.AnalysisRun, error) {
	query := s.db.Rebind(`SELECT ` + runColumns + ` FROM analysis_runs WHERE id = ?`)
	var run core.AnalysisRun
	if err := s.db.GetContext(ctx, &run, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get analysis run: %w", err)
	}
	return &run, nil
}

func (s *runStore) GetByReviewID(ctx context.Context, reviewID string) ([]*core.AnalysisRun, error) {
	query := s.db.Rebind(`SELECT ` + runColumns + ` FROM analysis_runs WHERE review_id = ? ` + runOrdering)
	var runs []*core.AnalysisRun
	if err := s.db.SelectContext(ctx, &runs, query, reviewID); err != nil {
		return nil, fmt.Errorf("failed to list analysis runs: %w", err)
	}
	return runs, nil
}

func (s *runStore) GetLatestByReviewID(ctx context.Context, reviewID string) (*core.AnalysisRun, error) {
	query := s.db.Rebind(`SELECT ` + runColumns + ` FROM analysis_runs WHERE review_id = ? ` + runOrdering + ` LIMIT 1`)
	var run core.AnalysisRun
	if err := s.db.GetContext(ctx, &run, query, reviewID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get latest analysis run: %w", err)
	}
	return &run, nil
}

func (s *runStore) GetChildRuns(ctx context.Context, parentID string) ([]*core.AnalysisRun, error) {
	query := s.db.Rebind(`SELECT ` + runColumns + ` FROM analysis_runs
		WHERE parent_run_id = ? ORDER BY started_at ASC, id ASC`)
	var runs []*core.AnalysisRun
	if err := s.db.SelectContext(ctx, &runs, query, parentID); err != nil {
		return nil, fmt.Errorf("failed to list child runs: %w", err)
	}
	return runs, nil
}

func (s *runStore) DeleteByReviewID(ctx context.Context, reviewID string) error {
	err := withTx(ctx, s.db.DB, func(tx *sqlx.Tx) error {
		// Children reference their parent; delete them first.
		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`DELETE FROM analysis_runs WHERE review_id = ? AND parent_run_id IS NOT NULL`),
			reviewID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			tx.Rebind(`DELETE FROM analysis_runs WHERE review_id = ?`), reviewID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete runs for review %s: %w", reviewID, err)
	}
	return nil
}

func (s *runStore) SweepStuckRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	query := s.db.Rebind(`UPDATE analysis_runs
		SET status = 'failed', completed_at = ?,
		    summary = 'analysis abandoned: process exited before completion'
		WHERE status = 'running' AND started_at < ?`)
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stuck runs: %w", err)
	}
	return res.RowsAffected()
}
