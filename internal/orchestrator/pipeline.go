package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sevigo/review-council/internal/core"
)

// pipelineJob is one voice's level pipeline: up to three escalating passes
// plus the consolidation step.
type pipelineJob struct {
	runID      string
	reviewID   string
	voice      core.VoiceSpec
	voiceIndex int
	levels     core.LevelMap
	snapshot   *core.DiffSnapshot
	// instructions is the merged repo-level and request-level text.
	instructions string
	// rawOutput marks the consolidated set as a council child's unmerged
	// contribution rather than the final orchestrated set.
	rawOutput bool
	workdir   string
	tracker   core.ProgressStatus
}

// runSingle executes a single-voice analysis end to end.
func (e *Engine) runSingle(ctx context.Context, ar *activeRun, runID string, review *core.Review, snapshot *core.DiffSnapshot, cfg RunConfig) {
	run := &core.AnalysisRun{
		ID:               runID,
		ReviewID:         review.ID,
		Kind:             core.RunKindSingle,
		Provider:         cfg.Voice.Provider,
		Model:            cfg.Voice.Model,
		Tier:             cfg.Voice.Tier,
		Levels:           cfg.Levels,
		RepoInstructions: review.Instructions,
		RunInstructions:  cfg.Instructions,
		CommitSHA:        review.BaseSHA,
		FilesAnalyzed:    len(snapshot.Files),
	}
	if err := e.runs.Create(ctx, run); err != nil {
		e.logger.Error("failed to create analysis run", "run_id", runID, "error", err)
		return
	}

	tracker := core.NewProgressStatus(runID, cfg.Levels)
	tracker.Message = fmt.Sprintf("analyzing %d changed files", len(snapshot.Files))
	e.broadcaster.Track(tracker)

	result := e.runPipeline(ctx, ar, pipelineJob{
		runID:        runID,
		reviewID:     review.ID,
		voice:        cfg.Voice,
		levels:       cfg.Levels,
		snapshot:     snapshot,
		instructions: mergeInstructions(review.Instructions, cfg.Instructions),
		workdir:      cfg.Workdir,
		tracker:      tracker,
	})

	if result.Outcome == core.OutcomeCompleted && result.Summary != "" {
		if err := e.reviews.UpdateSummary(context.WithoutCancel(ctx), review.ID, result.Summary); err != nil {
			e.logger.Error("failed to update review summary", "review_id", review.ID, "error", err)
		}
	}
	e.finalizeRun(ctx, runID, &result.PipelineResult, result.tracker)
}

// runPipeline executes enabled levels in increasing order, each level
// feeding its findings to the next, then consolidates. A disabled level is
// skipped, not failed. Failure of any level aborts the rest; suggestions
// already written for completed levels are retained. Cancellation is checked
// at level boundaries and reported as its own outcome.
func (e *Engine) runPipeline(ctx context.Context, ar *activeRun, job pipelineJob) pipelineResult {
	var prior []core.Suggestion
	var lastSummary string

	// Storage writes outlive the run context so results gathered before a
	// shutdown or cancellation still land.
	persistCtx := context.WithoutCancel(ctx)

	for level := 1; level <= core.MaxLevel; level++ {
		if !job.levels[level] {
			continue
		}
		if cancelled(ctx, ar) {
			return job.cancelledResult(prior)
		}

		job.setLevel(e, ar, level, core.LevelRunning, fmt.Sprintf("level %d in progress", level))

		res, err := e.runner.Run(ctx, core.VoiceRequest{
			Voice:        job.voice,
			Level:        level,
			Diff:         job.snapshot.DiffText,
			Files:        job.snapshot.Files,
			Instructions: job.instructions,
			PriorContext: prior,
			Workdir:      job.workdir,
		})
		if err != nil {
			if errors.Is(err, core.ErrRunCancelled) {
				return job.cancelledResult(prior)
			}
			job.setLevel(e, ar, level, core.LevelFailed, fmt.Sprintf("level %d failed", level))
			return job.failedResult(prior, err)
		}

		stored := e.persistLevel(persistCtx, &job, level, res.Suggestions)
		if stored == nil && len(res.Suggestions) > 0 {
			job.setLevel(e, ar, level, core.LevelFailed, "failed to store level findings")
			return job.failedResult(prior, fmt.Errorf("failed to store level %d findings", level))
		}
		prior = append(prior, stored...)
		lastSummary = res.Summary

		if err := e.runs.UpdateProgressTotals(persistCtx, job.runID, len(job.snapshot.Files), len(prior)); err != nil &&
			!errors.Is(err, core.ErrRunNotRunning) {
			e.logger.Error("failed to update run totals", "run_id", job.runID, "error", err)
		}
		job.setLevel(e, ar, level, core.LevelCompleted, fmt.Sprintf("level %d complete", level))
	}

	if cancelled(ctx, ar) {
		return job.cancelledResult(prior)
	}

	job.setLevel(e, ar, core.FinalLevel, core.LevelRunning, "consolidating findings")
	merged := Consolidate(prior)
	final := make([]core.Suggestion, len(merged))
	for i, s := range merged {
		final[i] = s
		final[i].ID = uuid.NewString()
		final[i].Level = nil
		final[i].Raw = job.rawOutput
		final[i].ParentID = sql.NullString{}
	}
	if err := e.suggestions.InsertBatch(persistCtx, final); err != nil {
		job.setLevel(e, ar, core.FinalLevel, core.LevelFailed, "failed to store consolidated findings")
		return job.failedResult(prior, err)
	}
	job.setLevel(e, ar, core.FinalLevel, core.LevelCompleted, "consolidation complete")

	return pipelineResult{
		PipelineResult: core.PipelineResult{
			Outcome:     core.OutcomeCompleted,
			Suggestions: final,
			Summary:     lastSummary,
		},
		tracker: job.tracker,
	}
}

// persistLevel normalizes and stores one level's raw findings. Returns nil
// on storage failure.
func (e *Engine) persistLevel(ctx context.Context, job *pipelineJob, level int, found []core.Suggestion) []core.Suggestion {
	stored := make([]core.Suggestion, 0, len(found))
	for _, s := range found {
		lvl := level
		s.ID = uuid.NewString()
		s.ReviewID = job.reviewID
		s.RunID = job.runID
		s.Source = core.SuggestionSourceAI
		s.Level = &lvl
		s.Raw = true
		s.Status = core.SuggestionStatusActive
		if s.EndLine < s.StartLine {
			s.EndLine = s.StartLine
		}
		stored = append(stored, s)
	}
	if err := e.suggestions.InsertBatch(ctx, stored); err != nil {
		e.logger.Error("failed to store level findings",
			"run_id", job.runID, "level", level, "error", err)
		return nil
	}
	return stored
}

// pipelineResult couples the domain result with the final tracker state so
// callers can publish the terminal snapshot.
type pipelineResult struct {
	core.PipelineResult
	tracker core.ProgressStatus
}

func (j *pipelineJob) setLevel(e *Engine, ar *activeRun, level int, state core.LevelState, message string) {
	j.tracker.Levels[level] = state
	j.tracker.Message = message
	// A requested cancellation stays visible; a level update between the
	// request and the next checkpoint must not flip the published status
	// back to running.
	if ar.cancelRequested.Load() {
		j.tracker.Status = core.RunStatusCancelled
	}
	e.broadcaster.Publish(j.tracker)
}

func (j *pipelineJob) cancelledResult(kept []core.Suggestion) pipelineResult {
	return pipelineResult{
		PipelineResult: core.PipelineResult{
			Outcome:     core.OutcomeCancelled,
			Suggestions: kept,
			Summary:     "analysis cancelled",
		},
		tracker: j.tracker,
	}
}

func (j *pipelineJob) failedResult(kept []core.Suggestion, err error) pipelineResult {
	return pipelineResult{
		PipelineResult: core.PipelineResult{
			Outcome:     core.OutcomeFailed,
			Suggestions: kept,
			Err:         err,
		},
		tracker: j.tracker,
	}
}

// cancelled reports whether the run should stop at this checkpoint, either
// by explicit request or engine shutdown.
func cancelled(ctx context.Context, ar *activeRun) bool {
	return ar.cancelRequested.Load() || ctx.Err() != nil
}

func mergeInstructions(repoLevel, requestLevel string) string {
	switch {
	case repoLevel == "":
		return requestLevel
	case requestLevel == "":
		return repoLevel
	default:
		return repoLevel + "\n\n" + requestLevel
	}
}
