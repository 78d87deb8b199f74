package jobs

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/review-council/internal/core"
	"github.com/sevigo/review-council/internal/db"
	"github.com/sevigo/review-council/internal/storage"
)

func TestSweeper_FailsAbandonedRuns(t *testing.T) {
	database, cleanup, err := db.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(cleanup)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runs := storage.NewRunStore(database)
	reviews := storage.NewReviewStore(database)
	ctx := context.Background()

	review := &core.Review{
		ID:            uuid.NewString(),
		RepoName:      "acme/widgets",
		Kind:          core.ReviewKindLocal,
		WorkspacePath: "/tmp/widgets",
		BaseSHA:       "abc123",
	}
	require.NoError(t, reviews.Create(ctx, review))

	stuck := &core.AnalysisRun{
		ID:        uuid.NewString(),
		ReviewID:  review.ID,
		Kind:      core.RunKindSingle,
		Provider:  "claude",
		Model:     "claude-sonnet-4-5",
		StartedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, runs.Create(ctx, stuck))

	fresh := &core.AnalysisRun{
		ID:       uuid.NewString(),
		ReviewID: review.ID,
		Kind:     core.RunKindSingle,
		Provider: "claude",
		Model:    "claude-sonnet-4-5",
	}
	require.NoError(t, runs.Create(ctx, fresh))

	// The first sweep runs at startup, no ticker wait needed.
	sweeper := NewSweeper(runs, reviews, nil, 30*time.Minute, 0, time.Minute, logger)
	sweeper.Start()
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		got, err := runs.GetByID(ctx, stuck.ID)
		return err == nil && got.Status == core.RunStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	got, err := runs.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRunning, got.Status)
}

func TestSweeper_StopIsIdempotentAcrossSweeps(t *testing.T) {
	database, cleanup, err := db.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(cleanup)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runs := storage.NewRunStore(database)
	reviews := storage.NewReviewStore(database)

	sweeper := NewSweeper(runs, reviews, nil, 30*time.Minute, 0, 10*time.Millisecond, logger)
	sweeper.Start()
	time.Sleep(50 * time.Millisecond)
	sweeper.Stop()
}
