package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/review-council/internal/core"
	"github.com/sevigo/review-council/internal/db"
)

// newTestDB opens a migrated SQLite database in a temp dir. The stores behave
// identically on Postgres; SQLite keeps the tests self-contained.
func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, cleanup, err := db.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return database
}

func createTestReview(t *testing.T, database *db.DB) *core.Review {
	t.Helper()
	review := &core.Review{
		ID:            uuid.NewString(),
		RepoName:      "acme/widgets",
		Kind:          core.ReviewKindLocal,
		WorkspacePath: "/tmp/widgets",
		BaseSHA:       "abc123",
	}
	require.NoError(t, NewReviewStore(database).Create(context.Background(), review))
	return review
}
