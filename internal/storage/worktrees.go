package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sevigo/review-council/internal/db"
)

// ErrWorktreeNotFound is returned when a review has no registered worktree.
var ErrWorktreeNotFound = errors.New("worktree not found")

// WorktreeRecord tracks an isolated on-disk working copy for a review.
type WorktreeRecord struct {
	ID         string    `db:"id"`
	ReviewID   string    `db:"review_id"`
	Path       string    `db:"path"`
	CreatedAt  time.Time `db:"created_at"`
	LastUsedAt time.Time `db:"last_used_at"`
}

// WorktreeStore records worktree locations and usage times so the lifecycle
// manager can reuse and reclaim them.
type WorktreeStore interface {
	Create(ctx context.Context, record *WorktreeRecord) error
	GetByReviewID(ctx context.Context, reviewID string) (*WorktreeRecord, error)
	Touch(ctx context.Context, id string) error
	ListUnusedSince(ctx context.Context, cutoff time.Time) ([]*WorktreeRecord, error)
	Delete(ctx context.Context, id string) error
}

type worktreeStore struct {
	db *db.DB
}

// NewWorktreeStore creates a WorktreeStore backed by the shared database.
func NewWorktreeStore(database *db.DB) WorktreeStore {
	return &worktreeStore{db: database}
}

func (s *worktreeStore) Create(ctx context.Context, record *WorktreeRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastUsedAt.IsZero() {
		record.LastUsedAt = now
	}
	query := s.db.Rebind(`INSERT INTO worktrees (id, review_id, path, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		record.ID, record.ReviewID, record.Path, record.CreatedAt, record.LastUsedAt); err != nil {
		return fmt.Errorf("failed to create worktree record: %w", err)
	}
	return nil
}

func (s *worktreeStore) GetByReviewID(ctx context.Context, reviewID string) (*WorktreeRecord, error) {
	query := s.db.Rebind(`SELECT id, review_id, path, created_at, last_used_at
		FROM worktrees WHERE review_id = ? ORDER BY created_at DESC LIMIT 1`)
	var record WorktreeRecord
	if err := s.db.GetContext(ctx, &record, query, reviewID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorktreeNotFound
		}
		return nil, fmt.Errorf("failed to get worktree record: %w", err)
	}
	return &record, nil
}

func (s *worktreeStore) Touch(ctx context.Context, id string) error {
	query := s.db.Rebind(`UPDATE worktrees SET last_used_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch worktree record: %w", err)
	}
	return nil
}

func (s *worktreeStore) ListUnusedSince(ctx context.Context, cutoff time.Time) ([]*WorktreeRecord, error) {
	query := s.db.Rebind(`SELECT id, review_id, path, created_at, last_used_at
		FROM worktrees WHERE last_used_at < ?`)
	var records []*WorktreeRecord
	if err := s.db.SelectContext(ctx, &records, query, cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list stale worktrees: %w", err)
	}
	return records, nil
}

func (s *worktreeStore) Delete(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM worktrees WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete worktree record: %w", err)
	}
	return nil
}
