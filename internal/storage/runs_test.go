package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/review-council/internal/core"
)

func newTestRun(reviewID string) *core.AnalysisRun {
	return &core.AnalysisRun{
		ID:       uuid.NewString(),
		ReviewID: reviewID,
		Kind:     core.RunKindSingle,
		Provider: "claude",
		Model:    "claude-sonnet-4-5",
		Levels:   core.LevelMap{1: true, 2: true},
	}
}

func TestRunStore_CreateDefaults(t *testing.T) {
	database := newTestDB(t)
	store := NewRunStore(database)
	review := createTestReview(t, database)
	ctx := context.Background()

	run := newTestRun(review.ID)
	require.NoError(t, store.Create(ctx, run))

	got, err := store.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())
	assert.False(t, got.CompletedAt.Valid)
	assert.Equal(t, []int{1, 2}, got.Levels.EnabledLevels())
}

func TestRunStore_GetByID_NotFound(t *testing.T) {
	database := newTestDB(t)
	store := NewRunStore(database)

	_, err := store.GetByID(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

func TestRunStore_MarkTerminal(t *testing.T) {
	database := newTestDB(t)
	store := NewRunStore(database)
	review := createTestReview(t, database)
	ctx := context.Background()

	run := newTestRun(review.ID)
	require.NoError(t, store.Create(ctx, run))

	require.NoError(t, store.MarkTerminal(ctx, run.ID, core.RunStatusCompleted, "all good", 4))

	got, err := store.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, got.Status)
	assert.Equal(t, "all good", got.Summary)
	assert.Equal(t, 4, got.TotalSuggestions)
	require.True(t, got.CompletedAt.Valid)
	firstCompletedAt := got.CompletedAt.Time

	// A second terminal transition must not touch the row.
	err = store.MarkTerminal(ctx, run.ID, core.RunStatusFailed, "late failure", 0)
	assert.ErrorIs(t, err, core.ErrRunNotRunning)

	got, err = store.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, got.Status)
	assert.Equal(t, "all good", got.Summary)
	assert.Equal(t, firstCompletedAt, got.CompletedAt.Time)
}

func TestRunStore_MarkTerminal_RejectsNonTerminalStatus(t *testing.T) {
	database := newTestDB(t)
	store := NewRunStore(database)
	review := createTestReview(t, database)
	ctx := context.Background()

	run := newTestRun(review.ID)
	require.NoError(t, store.Create(ctx, run))

	err := store.MarkTerminal(ctx, run.ID, core.RunStatusRunning, "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not terminal")
}

func TestRunStore_MarkTerminal_NotFound(t *testing.T) {
	database := newTestDB(t)
	store := NewRunStore(database)

	err := store.MarkTerminal(context.Background(), uuid.NewString(), core.RunStatusFailed, "", 0)
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

func TestRunStore_UpdateProgressTotals(t *testing.T) {
	database := newTestDB(t)
	store := NewRunStore(database)
	review := createTestReview(t, database)
	ctx := context.Background()

	run := newTestRun(review.ID)
	require.NoError(t, store.Create(ctx, run))

	require.NoError(t, store.UpdateProgressTotals(ctx, run.ID, 7, 3))
	got, err := store.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.FilesAnalyzed)
	assert.Equal(t, 3, got.TotalSuggestions)

	require.NoError(t, store.MarkTerminal(ctx, run.ID, core.RunStatusCancelled, "", 3))
	err = store.UpdateProgressTotals(ctx, run.ID, 9, 5)
	assert.ErrorIs(t, err, core.ErrRunNotRunning)
}

func TestRunStore_OrderingParentBeforeChildOnTie(t *testing.T) {
	database := newTestDB(t)
	store := NewRunStore(database)
	review := createTestReview(t, database)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	completed := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	parent := newTestRun(review.ID)
	parent.Kind = core.RunKindCouncil
	parent.Status = core.RunStatusCompleted
	parent.StartedAt = started
	parent.CompletedAt = sql.NullTime{Time: completed, Valid: true}
	require.NoError(t, store.Create(ctx, parent))

	// Child with the exact same completion timestamp must sort below its
	// parent, even though it started later.
	child := newTestRun(review.ID)
	child.ParentRunID = sql.NullString{String: parent.ID, Valid: true}
	child.Status = core.RunStatusCompleted
	child.StartedAt = started.Add(time.Second)
	child.CompletedAt = sql.NullTime{Time: completed, Valid: true}
	require.NoError(t, store.Create(ctx, child))

	older := newTestRun(review.ID)
	older.Status = core.RunStatusCompleted
	older.StartedAt = started.Add(-time.Hour)
	older.CompletedAt = sql.NullTime{Time: completed.Add(-time.Hour), Valid: true}
	require.NoError(t, store.Create(ctx, older))

	runs, err := store.GetByReviewID(ctx, review.ID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, parent.ID, runs[0].ID)
	assert.Equal(t, child.ID, runs[1].ID)
	assert.Equal(t, older.ID, runs[2].ID)

	latest, err := store.GetLatestByReviewID(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, latest.ID)
}

func TestRunStore_OrderingUsesStartedAtWhileRunning(t *testing.T) {
	database := newTestDB(t)
	store := NewRunStore(database)
	review := createTestReview(t, database)
	ctx := context.Background()

	finished := newTestRun(review.ID)
	finished.Status = core.RunStatusCompleted
	finished.StartedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished.CompletedAt = sql.NullTime{Time: time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), Valid: true}
	require.NoError(t, store.Create(ctx, finished))

	// A running run that started after the other one finished sorts first.
	running := newTestRun(review.ID)
	running.StartedAt = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(ctx, running))

	runs, err := store.GetByReviewID(ctx, review.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, running.ID, runs[0].ID)
	assert.Equal(t, finished.ID, runs[1].ID)
}

func TestRunStore_GetChildRuns(t *testing.T) {
	database := newTestDB(t)
	store := NewRunStore(database)
	review := createTestReview(t, database)
	ctx := context.Background()

	parent := newTestRun(review.ID)
	parent.Kind = core.RunKindCouncil
	require.NoError(t, store.Create(ctx, parent))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var childIDs []string
	for i := 0; i < 3; i++ {
		child := newTestRun(review.ID)
		child.ParentRunID = sql.NullString{String: parent.ID, Valid: true}
		child.StartedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Create(ctx, child))
		childIDs = append(childIDs, child.ID)
	}

	children, err := store.GetChildRuns(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	for i, child := range children {
		assert.Equal(t, childIDs[i], child.ID)
		assert.False(t, child.IsParent())
	}

	none, err := store.GetChildRuns(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRunStore_SweepStuckRuns(t *testing.T) {
	database := newTestDB(t)
	store := NewRunStore(database)
	review := createTestReview(t, database)
	ctx := context.Background()

	stuck := newTestRun(review.ID)
	stuck.StartedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, stuck))

	fresh := newTestRun(review.ID)
	require.NoError(t, store.Create(ctx, fresh))

	finished := newTestRun(review.ID)
	finished.StartedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.Create(ctx, finished))
	require.NoError(t, store.MarkTerminal(ctx, finished.ID, core.RunStatusCompleted, "done", 0))

	swept, err := store.SweepStuckRuns(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	got, err := store.GetByID(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, got.Status)
	assert.Equal(t, "analysis abandoned: process exited before completion", got.Summary)
	assert.True(t, got.CompletedAt.Valid)

	got, err = store.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRunning, got.Status)

	got, err = store.GetByID(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Summary)
}

func TestRunStore_DeleteByReviewID(t *testing.T) {
	database := newTestDB(t)
	store := NewRunStore(database)
	review := createTestReview(t, database)
	ctx := context.Background()

	parent := newTestRun(review.ID)
	parent.Kind = core.RunKindCouncil
	require.NoError(t, store.Create(ctx, parent))

	child := newTestRun(review.ID)
	child.ParentRunID = sql.NullString{String: parent.ID, Valid: true}
	require.NoError(t, store.Create(ctx, child))

	other := createTestReview(t, database)
	kept := newTestRun(other.ID)
	require.NoError(t, store.Create(ctx, kept))

	require.NoError(t, store.DeleteByReviewID(ctx, review.ID))

	runs, err := store.GetByReviewID(ctx, review.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = store.GetByID(ctx, kept.ID)
	assert.NoError(t, err)
}
