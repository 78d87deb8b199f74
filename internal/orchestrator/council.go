package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sevigo/review-council/internal/core"
)

// runCouncil launches one level pipeline per voice concurrently, each under
// its own child run, then consolidates the children's output into the parent
// run's final suggestion set. Voices are mutually independent: one voice
// failing does not stop its siblings, so the group carries no shared
// cancellation.
func (e *Engine) runCouncil(ctx context.Context, ar *activeRun, parentID string, review *core.Review, snapshot *core.DiffSnapshot, cfg RunConfig) {
	council := cfg.Council
	voices := council.VoiceSet()

	parentLevels := core.LevelMap{}
	for _, v := range voices {
		for level, enabled := range v.Levels {
			if enabled {
				parentLevels[level] = true
			}
		}
	}

	parent := &core.AnalysisRun{
		ID:               parentID,
		ReviewID:         review.ID,
		Kind:             core.RunKindCouncil,
		Levels:           parentLevels,
		RepoInstructions: review.Instructions,
		RunInstructions:  cfg.Instructions,
		CommitSHA:        review.BaseSHA,
		FilesAnalyzed:    len(snapshot.Files),
	}
	if err := e.runs.Create(ctx, parent); err != nil {
		e.logger.Error("failed to create council parent run", "run_id", parentID, "error", err)
		return
	}

	tracker := core.NewProgressStatus(parentID, parentLevels)
	tracker.Voices = make(map[string]core.RunStatus, len(voices))
	tracker.Message = fmt.Sprintf("council of %d voices started", len(voices))
	e.broadcaster.Track(tracker)

	instructions := mergeInstructions(review.Instructions, cfg.Instructions)

	results := make([]pipelineResult, len(voices))

	var g errgroup.Group
	for i, cv := range voices {
		childID := uuid.NewString()

		child := &core.AnalysisRun{
			ID:               childID,
			ReviewID:         review.ID,
			ParentRunID:      sql.NullString{String: parentID, Valid: true},
			Kind:             core.RunKindSingle,
			Provider:         cv.Spec.Provider,
			Model:            cv.Spec.Model,
			Tier:             cv.Spec.Tier,
			Levels:           cv.Levels,
			RepoInstructions: review.Instructions,
			RunInstructions:  cfg.Instructions,
			CommitSHA:        review.BaseSHA,
			FilesAnalyzed:    len(snapshot.Files),
		}
		if err := e.runs.Create(ctx, child); err != nil {
			e.logger.Error("failed to create council child run", "run_id", childID, "error", err)
			results[i] = pipelineResult{PipelineResult: core.PipelineResult{
				Outcome: core.OutcomeFailed,
				Err:     err,
			}}
			continue
		}

		childTracker := core.NewProgressStatus(childID, cv.Levels)
		e.broadcaster.Track(childTracker)
		e.publishVoiceState(&tracker, childID, core.RunStatusRunning)

		voice := cv
		index := i
		g.Go(func() error {
			result := e.runPipeline(ctx, ar, pipelineJob{
				runID:        childID,
				reviewID:     review.ID,
				voice:        voice.Spec,
				voiceIndex:   index,
				levels:       voice.Levels,
				snapshot:     snapshot,
				instructions: instructions,
				rawOutput:    true,
				workdir:      cfg.Workdir,
				tracker:      childTracker,
			})
			e.finalizeRun(ctx, childID, &result.PipelineResult, result.tracker)
			e.broadcaster.RemoveAfter(childID, trackerGrace)
			results[index] = result
			e.publishVoiceState(&tracker, childID, result.Outcome.Status())
			return nil
		})
	}
	// Consolidation must wait for every child to reach a terminal state.
	_ = g.Wait()

	result := e.consolidateCouncil(ctx, ar, council, snapshot, instructions, cfg.Workdir, parentID, review.ID, results)
	result.tracker = tracker
	e.finalizeRun(ctx, parentID, &result.PipelineResult, tracker)
}

// consolidateCouncil merges the children's preserved raw output into the
// parent's final set: via the consolidation voice when configured, by direct
// promotion for a lone voice, and by deterministic merge otherwise.
func (e *Engine) consolidateCouncil(
	ctx context.Context,
	ar *activeRun,
	council *core.CouncilConfig,
	snapshot *core.DiffSnapshot,
	instructions, workdir string,
	parentID, reviewID string,
	results []pipelineResult,
) pipelineResult {
	var union []core.Suggestion
	completed := 0
	cancelledChildren := 0
	var firstErr error
	for _, r := range results {
		switch r.Outcome {
		case core.OutcomeCompleted:
			completed++
			union = append(union, r.Suggestions...)
		case core.OutcomeCancelled:
			cancelledChildren++
		case core.OutcomeFailed:
			if firstErr == nil {
				firstErr = r.Err
			}
		}
	}

	if cancelled(ctx, ar) || cancelledChildren > 0 {
		return pipelineResult{PipelineResult: core.PipelineResult{
			Outcome: core.OutcomeCancelled,
			Summary: "council cancelled",
		}}
	}
	if completed == 0 {
		if firstErr == nil {
			firstErr = fmt.Errorf("no council voice produced output")
		}
		return pipelineResult{PipelineResult: core.PipelineResult{
			Outcome: core.OutcomeFailed,
			Err:     fmt.Errorf("all council voices failed: %w", firstErr),
		}}
	}

	var merged []core.Suggestion
	var summary string

	switch {
	case council.Consolidator != nil:
		res, err := e.runner.Run(ctx, core.VoiceRequest{
			Voice:        *council.Consolidator,
			Level:        core.FinalLevel,
			Diff:         snapshot.DiffText,
			Files:        snapshot.Files,
			Instructions: instructions,
			PriorContext: union,
			Workdir:      workdir,
		})
		if err != nil {
			if errors.Is(err, core.ErrRunCancelled) {
				return pipelineResult{PipelineResult: core.PipelineResult{
					Outcome: core.OutcomeCancelled,
					Summary: "council cancelled",
				}}
			}
			return pipelineResult{PipelineResult: core.PipelineResult{
				Outcome: core.OutcomeFailed,
				Err:     fmt.Errorf("consolidation voice failed: %w", err),
			}}
		}
		merged = Consolidate(res.Suggestions)
		summary = res.Summary
	case len(results) == 1:
		// Single voice, no consolidator: promote the child's output
		// directly. The parent still completes after the child, and the
		// registry's tie-break keeps it sorted above the child even on
		// identical completion timestamps.
		merged = union
		summary = results[0].Summary
	default:
		merged = Consolidate(union)
		summary = fmt.Sprintf("consolidated %d findings from %d voices", len(merged), completed)
	}

	final := make([]core.Suggestion, len(merged))
	for i, s := range merged {
		final[i] = s
		final[i].ID = uuid.NewString()
		final[i].ReviewID = reviewID
		final[i].RunID = parentID
		final[i].Source = core.SuggestionSourceAI
		final[i].Level = nil
		final[i].Raw = false
		final[i].Status = core.SuggestionStatusActive
		final[i].ParentID = sql.NullString{}
		if final[i].EndLine < final[i].StartLine {
			final[i].EndLine = final[i].StartLine
		}
	}
	if err := e.suggestions.InsertBatch(context.WithoutCancel(ctx), final); err != nil {
		return pipelineResult{PipelineResult: core.PipelineResult{
			Outcome: core.OutcomeFailed,
			Err:     fmt.Errorf("failed to store consolidated council findings: %w", err),
		}}
	}

	return pipelineResult{PipelineResult: core.PipelineResult{
		Outcome:     core.OutcomeCompleted,
		Suggestions: final,
		Summary:     summary,
	}}
}

// publishVoiceState records a child's status on the parent tracker.
func (e *Engine) publishVoiceState(tracker *core.ProgressStatus, childID string, status core.RunStatus) {
	e.mu.Lock()
	tracker.Voices[childID] = status
	snapshot := tracker.Clone()
	e.mu.Unlock()
	e.broadcaster.Publish(snapshot)
}
