// Package orchestrator runs AI analysis pipelines against diff snapshots:
// single-voice level pipelines, multi-voice councils, and the consolidation
// pass that produces the final suggestion set.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sevigo/review-council/internal/core"
	"github.com/sevigo/review-council/internal/diffsnap"
	"github.com/sevigo/review-council/internal/progress"
	"github.com/sevigo/review-council/internal/storage"
)

// trackerGrace is how long a finished run's progress entry stays visible so
// late subscribers still observe the terminal snapshot.
const trackerGrace = 30 * time.Second

// RunConfig describes one requested analysis.
type RunConfig struct {
	Kind         core.RunKind
	Voice        core.VoiceSpec      // single kind
	Levels       core.LevelMap       // single kind
	Council      *core.CouncilConfig // council kind
	Instructions string              // request-level instructions
	// Workdir, when set, is the isolated worktree voices execute in.
	Workdir string
}

// Validate checks the config for the requested kind.
func (c *RunConfig) Validate() error {
	switch c.Kind {
	case core.RunKindSingle:
		if err := c.Voice.Validate(); err != nil {
			return err
		}
		if len(c.Levels.EnabledLevels()) == 0 {
			return fmt.Errorf("analysis config enables no levels")
		}
		return nil
	case core.RunKindCouncil:
		if c.Council == nil {
			return fmt.Errorf("council analysis requires a council config")
		}
		return c.Council.Validate()
	default:
		return fmt.Errorf("unknown run kind %q", c.Kind)
	}
}

// activeRun tracks one in-flight top-level run. Cancellation is cooperative:
// the flag is observed at level and voice checkpoints rather than tearing
// the subprocesses down mid-level. The context is only cancelled on engine
// shutdown.
type activeRun struct {
	cancelRequested atomic.Bool
	shutdown        context.CancelFunc
}

// Engine is the analysis orchestration engine. It owns the registry of
// active runs, keyed by run identifier, with explicit insertion on start and
// explicit removal on terminal state.
type Engine struct {
	runs        storage.RunStore
	suggestions storage.SuggestionStore
	reviews     storage.ReviewStore
	snapshots   storage.SnapshotStore
	snapper     *diffsnap.Provider
	runner      core.VoiceRunner
	broadcaster *progress.Broadcaster
	logger      *slog.Logger

	baseCtx context.Context

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// NewEngine wires the orchestration engine. baseCtx bounds all background
// analysis work; cancelling it (process shutdown) stops every run.
func NewEngine(
	baseCtx context.Context,
	runs storage.RunStore,
	suggestions storage.SuggestionStore,
	reviews storage.ReviewStore,
	snapshots storage.SnapshotStore,
	snapper *diffsnap.Provider,
	runner core.VoiceRunner,
	broadcaster *progress.Broadcaster,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		runs:        runs,
		suggestions: suggestions,
		reviews:     reviews,
		snapshots:   snapshots,
		snapper:     snapper,
		runner:      runner,
		broadcaster: broadcaster,
		logger:      logger,
		baseCtx:     baseCtx,
		active:      make(map[string]*activeRun),
	}
}

// Start validates the config, snapshots the input if needed, creates the run
// hierarchy, and launches the analysis in the background. It returns the
// top-level run identifier immediately.
func (e *Engine) Start(ctx context.Context, review *core.Review, cfg RunConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("invalid analysis config: %w", err)
	}

	snapshot, err := e.ensureSnapshot(ctx, review)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	runCtx, shutdown := context.WithCancel(e.baseCtx)
	ar := &activeRun{shutdown: shutdown}

	e.mu.Lock()
	e.active[runID] = ar
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.finishTracking(runID)

		switch cfg.Kind {
		case core.RunKindCouncil:
			e.runCouncil(runCtx, ar, runID, review, snapshot, cfg)
		default:
			e.runSingle(runCtx, ar, runID, review, snapshot, cfg)
		}
	}()

	return runID, nil
}

// Cancel requests cooperative cancellation of a running analysis. The
// in-memory progress state flips to cancelled immediately so late-arriving
// subscribers see the right state; the pipelines stop at their next level or
// voice checkpoint.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return core.ErrRunNotRunning
	}

	ar.cancelRequested.Store(true)

	if status, tracked := e.broadcaster.Get(runID); tracked {
		status.Status = core.RunStatusCancelled
		status.Message = "cancellation requested"
		e.broadcaster.Publish(status)
	}
	e.logger.Info("analysis cancellation requested", "run_id", runID)
	return nil
}

// Shutdown stops accepting the active runs' subprocess work and waits for
// the run goroutines to finish persisting their state.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, ar := range e.active {
		ar.shutdown()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) finishTracking(runID string) {
	e.mu.Lock()
	if ar, ok := e.active[runID]; ok {
		ar.shutdown()
		delete(e.active, runID)
	}
	e.mu.Unlock()
	e.broadcaster.RemoveAfter(runID, trackerGrace)
}

// ensureSnapshot returns the review's live snapshot, capturing one first for
// local reviews that have none yet.
func (e *Engine) ensureSnapshot(ctx context.Context, review *core.Review) (*core.DiffSnapshot, error) {
	snapshot, err := e.snapshots.Get(ctx, review.ID)
	if err == nil {
		return snapshot, nil
	}
	if !errors.Is(err, storage.ErrSnapshotNotFound) {
		return nil, err
	}
	if review.WorkspacePath == "" {
		return nil, fmt.Errorf("review %s has no diff snapshot and no workspace to capture from", review.ID)
	}

	snapshot, err = e.snapper.Capture(ctx, review.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("failed to capture diff snapshot: %w", err)
	}
	snapshot.ReviewID = review.ID
	if err := e.snapshots.Upsert(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// finalizeRun persists the terminal state and emits the terminal progress
// snapshot. Cancellation is a no-op for completion handling: it must never
// be turned into a failed status.
func (e *Engine) finalizeRun(ctx context.Context, runID string, result *core.PipelineResult, tracker core.ProgressStatus) {
	status := result.Outcome.Status()
	summary := result.Summary
	if result.Outcome == core.OutcomeFailed && result.Err != nil {
		summary = result.Err.Error()
	}

	// Shutdown cancels the run context before the goroutine reaches this
	// point; the terminal row must still land.
	persistCtx := context.WithoutCancel(ctx)
	if err := e.runs.MarkTerminal(persistCtx, runID, status, summary, len(result.Suggestions)); err != nil {
		if !errors.Is(err, core.ErrRunNotRunning) {
			e.logger.Error("failed to persist terminal run state", "run_id", runID, "error", err)
		}
	}

	tracker.Status = status
	switch result.Outcome {
	case core.OutcomeCancelled:
		tracker.Message = "analysis cancelled"
	case core.OutcomeFailed:
		if result.Err != nil {
			tracker.Message = result.Err.Error()
		}
	default:
		tracker.Message = "analysis complete"
	}
	e.broadcaster.Publish(tracker)
}
