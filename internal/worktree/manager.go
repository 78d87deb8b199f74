// Package worktree manages isolated working copies for reviews: one git
// worktree per review under a shared base directory, reused across analyses
// and reclaimed once unused past a retention window.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sevigo/review-council/internal/core"
	"github.com/sevigo/review-council/internal/gitutil"
	"github.com/sevigo/review-council/internal/storage"
	"github.com/sevigo/review-council/internal/util"
)

// Manager creates, reuses, and reclaims per-review worktrees.
type Manager struct {
	git     *gitutil.Client
	store   storage.WorktreeStore
	baseDir string
	logger  *slog.Logger
}

// NewManager creates a Manager that places worktrees under baseDir.
func NewManager(git *gitutil.Client, store storage.WorktreeStore, baseDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		git:     git,
		store:   store,
		baseDir: baseDir,
		logger:  logger,
	}
}

// Ensure returns the path of the review's worktree, creating it on first use.
// A registered worktree whose directory has vanished is re-created under the
// same record. Every call refreshes the record's last-used timestamp so the
// retention sweep sees it as active.
func (m *Manager) Ensure(ctx context.Context, review *core.Review) (string, error) {
	if review.WorkspacePath == "" {
		return "", fmt.Errorf("review %s has no workspace to create a worktree from", review.ID)
	}

	record, err := m.store.GetByReviewID(ctx, review.ID)
	switch {
	case err == nil:
		if _, statErr := os.Stat(record.Path); statErr == nil {
			if touchErr := m.store.Touch(ctx, record.ID); touchErr != nil {
				m.logger.Warn("failed to touch worktree record", "worktree_id", record.ID, "error", touchErr)
			}
			return record.Path, nil
		}
		// Directory is gone but the record survived. Clean up git's
		// bookkeeping and fall through to re-create at the same path.
		m.logger.Warn("registered worktree directory missing, recreating",
			"review_id", review.ID, "path", record.Path)
		if pruneErr := m.git.WorktreePrune(ctx, review.WorkspacePath); pruneErr != nil {
			m.logger.Warn("failed to prune worktrees", "error", pruneErr)
		}
		if err := m.createWorktree(ctx, review, record.Path); err != nil {
			return "", err
		}
		if touchErr := m.store.Touch(ctx, record.ID); touchErr != nil {
			m.logger.Warn("failed to touch worktree record", "worktree_id", record.ID, "error", touchErr)
		}
		return record.Path, nil
	case errors.Is(err, storage.ErrWorktreeNotFound):
		// First use, create below.
	default:
		return "", err
	}

	id := uuid.NewString()
	path := filepath.Join(m.baseDir, util.WorktreeDirName(review.RepoName, id))
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktree base dir: %w", err)
	}
	if err := m.createWorktree(ctx, review, path); err != nil {
		return "", err
	}
	if err := m.store.Create(ctx, &storage.WorktreeRecord{
		ID:       id,
		ReviewID: review.ID,
		Path:     path,
	}); err != nil {
		if removeErr := m.git.WorktreeRemove(ctx, review.WorkspacePath, path); removeErr != nil {
			m.logger.Warn("failed to remove orphaned worktree", "path", path, "error", removeErr)
		}
		return "", err
	}

	m.logger.Info("worktree created", "review_id", review.ID, "path", path)
	return path, nil
}

// Materialize produces a working copy for a review that has no local
// workspace: it clones cloneURL under the base directory and pins the clone
// to the review's base commit. An existing clone is reused and re-pinned;
// one that vanished or got corrupted is replaced. The record is touched so
// the retention sweep treats the clone like any other worktree.
func (m *Manager) Materialize(ctx context.Context, review *core.Review, cloneURL, token string) (string, error) {
	record, err := m.store.GetByReviewID(ctx, review.ID)
	switch {
	case err == nil:
		if _, openErr := m.git.Open(record.Path); openErr == nil {
			if review.BaseSHA != "" {
				if err := m.git.Checkout(ctx, record.Path, review.BaseSHA); err != nil {
					return "", err
				}
			}
			if touchErr := m.store.Touch(ctx, record.ID); touchErr != nil {
				m.logger.Warn("failed to touch worktree record", "worktree_id", record.ID, "error", touchErr)
			}
			return record.Path, nil
		}
		m.logger.Warn("registered clone unusable, recreating",
			"review_id", review.ID, "path", record.Path)
		if removeErr := os.RemoveAll(record.Path); removeErr != nil {
			return "", fmt.Errorf("failed to clear broken clone: %w", removeErr)
		}
		if deleteErr := m.store.Delete(ctx, record.ID); deleteErr != nil {
			return "", deleteErr
		}
	case errors.Is(err, storage.ErrWorktreeNotFound):
		// First use, clone below.
	default:
		return "", err
	}

	id := uuid.NewString()
	path := filepath.Join(m.baseDir, util.WorktreeDirName(review.RepoName, id))
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktree base dir: %w", err)
	}
	if err := m.git.Clone(ctx, cloneURL, path, token); err != nil {
		return "", err
	}
	if review.BaseSHA != "" {
		if err := m.git.Checkout(ctx, path, review.BaseSHA); err != nil {
			return "", err
		}
	}
	if err := m.store.Create(ctx, &storage.WorktreeRecord{
		ID:       id,
		ReviewID: review.ID,
		Path:     path,
	}); err != nil {
		if removeErr := os.RemoveAll(path); removeErr != nil {
			m.logger.Warn("failed to remove orphaned clone", "path", path, "error", removeErr)
		}
		return "", err
	}

	m.logger.Info("review clone created", "review_id", review.ID, "path", path)
	return path, nil
}

func (m *Manager) createWorktree(ctx context.Context, review *core.Review, path string) error {
	if err := m.git.WorktreeAdd(ctx, review.WorkspacePath, path, review.BaseSHA); err != nil {
		return fmt.Errorf("failed to create worktree for review %s: %w", review.ID, err)
	}
	return nil
}

// Reclaim removes worktrees unused for longer than retention, deleting the
// git worktree, the leftover directory, and the record. A failure on one
// worktree is logged and does not stop the sweep. Returns the number of
// worktrees reclaimed.
func (m *Manager) Reclaim(ctx context.Context, reviews storage.ReviewStore, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	stale, err := m.store.ListUnusedSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, record := range stale {
		review, err := reviews.GetByID(ctx, record.ReviewID)
		if err != nil && !errors.Is(err, storage.ErrReviewNotFound) {
			m.logger.Error("failed to load review for worktree reclaim",
				"worktree_id", record.ID, "review_id", record.ReviewID, "error", err)
			continue
		}

		if review != nil && review.WorkspacePath != "" {
			if err := m.git.WorktreeRemove(ctx, review.WorkspacePath, record.Path); err != nil {
				m.logger.Warn("git worktree remove failed, deleting directory directly",
					"path", record.Path, "error", err)
			}
		}
		if err := os.RemoveAll(record.Path); err != nil {
			m.logger.Error("failed to remove worktree directory", "path", record.Path, "error", err)
			continue
		}
		if err := m.store.Delete(ctx, record.ID); err != nil {
			m.logger.Error("failed to delete worktree record", "worktree_id", record.ID, "error", err)
			continue
		}
		m.logger.Info("worktree reclaimed", "review_id", record.ReviewID, "path", record.Path)
		reclaimed++
	}
	return reclaimed, nil
}
