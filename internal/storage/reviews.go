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

// ErrReviewNotFound is returned for unknown review identifiers.
var ErrReviewNotFound = errors.New("review not found")

// ReviewStore persists reviewable units. Reviews are created on first open
// and never auto-deleted.
type ReviewStore interface {
	Create(ctx context.Context, review *core.Review) error
	GetByID(ctx context.Context, reviewID string) (*core.Review, error)
	UpdateSummary(ctx context.Context, reviewID, summary string) error
	// Submit flips the review and its draft suggestions to submitted in a
	// single transaction.
	Submit(ctx context.Context, reviewID string) error
}

type reviewStore struct {
	db *db.DB
}

// NewReviewStore creates a ReviewStore backed by the shared database.
func NewReviewStore(database *db.DB) ReviewStore {
	return &reviewStore{db: database}
}

const reviewColumns = `id, repo_name, kind, workspace_path, pr_number, base_sha,
	instructions, summary, status, created_at, updated_at`

func (s *reviewStore) Create(ctx context.Context, review *core.Review) error {
	now := time.Now().UTC()
	if review.CreatedAt.IsZero() {
		review.CreatedAt = now
	}
	review.UpdatedAt = now
	if review.Status == "" {
		review.Status = core.ReviewStatusDraft
	}
	query := s.db.Rebind(`INSERT INTO reviews (` + reviewColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		review.ID, review.RepoName, review.Kind, review.WorkspacePath, review.PRNumber,
		review.BaseSHA, review.Instructions, review.Summary, review.Status,
		review.CreatedAt, review.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create review: %w", err)
	}
	return nil
}

func (s *reviewStore) GetByID(ctx context.Context, reviewID string) (*core.Review, error) {
	query := s.db.Rebind(`SELECT ` + reviewColumns + ` FROM reviews WHERE id = ?`)
	var review core.Review
	if err := s.db.GetContext(ctx, &review, query, reviewID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReviewNotFound
		}
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return &review, nil
}

func (s *reviewStore) UpdateSummary(ctx context.Context, reviewID, summary string) error {
	query := s.db.Rebind(`UPDATE reviews SET summary = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, summary, time.Now().UTC(), reviewID)
	if err != nil {
		return fmt.Errorf("failed to update review summary: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrReviewNotFound
	}
	return nil
}

func (s *reviewStore) Submit(ctx context.Context, reviewID string) error {
	now := time.Now().UTC()
	err := withTx(ctx, s.db.DB, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE reviews SET status = 'submitted', updated_at = ? WHERE id = ?`),
			now, reviewID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrReviewNotFound
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE suggestions
			SET status = 'submitted', updated_at = ?
			WHERE review_id = ? AND status = 'draft'`), now, reviewID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrReviewNotFound) {
			return err
		}
		return fmt.Errorf("failed to submit review: %w", err)
	}
	return nil
}
