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

// ErrSuggestionNotFound is returned for unknown suggestion identifiers.
var ErrSuggestionNotFound = errors.New("suggestion not found")

// SuggestionFilter narrows a suggestion listing. Level filtering has three
// modes: nil Level + FinalOnly=false returns everything, FinalOnly=true
// returns the consolidated set (level IS NULL), a non-nil Level returns that
// level's output.
type SuggestionFilter struct {
	RunID      string
	Level      *int
	FinalOnly  bool
	IncludeRaw bool
}

// SuggestionStore persists review feedback produced by pipelines,
// consolidation, and users.
type SuggestionStore interface {
	InsertBatch(ctx context.Context, suggestions []core.Suggestion) error
	ListByReview(ctx context.Context, reviewID string, filter SuggestionFilter) ([]*core.Suggestion, error)
	Adopt(ctx context.Context, suggestionID, adoptedAsID string) error
	Dismiss(ctx context.Context, suggestionID string) error
	// DeleteAIForReview removes AI suggestions for a review and, in the same
	// transaction, cascade-dismisses user comments whose adoption the
	// removal invalidates.
	DeleteAIForReview(ctx context.Context, reviewID string) error
	HasAISuggestions(ctx context.Context, reviewID string) (bool, error)
}

type suggestionStore struct {
	db *db.DB
}

// NewSuggestionStore creates a SuggestionStore backed by the shared database.
func NewSuggestionStore(database *db.DB) SuggestionStore {
	return &suggestionStore{db: database}
}

const suggestionColumns = `id, review_id, run_id, source, level, confidence, file_path,
	start_line, end_line, side, category, title, body, status, raw, parent_id,
	adopted_as_id, created_at, updated_at`

func (s *suggestionStore) InsertBatch(ctx context.Context, suggestions []core.Suggestion) error {
	if len(suggestions) == 0 {
		return nil
	}
	now := time.Now().UTC()
	err := withTx(ctx, s.db.DB, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`INSERT INTO suggestions (` + suggestionColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for i := range suggestions {
			sg := &suggestions[i]
			if sg.CreatedAt.IsZero() {
				sg.CreatedAt = now
			}
			sg.UpdatedAt = now
			if sg.Status == "" {
				sg.Status = core.SuggestionStatusActive
			}
			if _, err := tx.ExecContext(ctx, query,
				sg.ID, sg.ReviewID, sg.RunID, sg.Source, sg.Level, sg.Confidence,
				sg.FilePath, sg.StartLine, sg.EndLine, sg.Side, sg.Category,
				sg.Title, sg.Body, sg.Status, sg.Raw, sg.ParentID, sg.AdoptedAsID,
				sg.CreatedAt, sg.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert suggestions: %w", err)
	}
	return nil
}

func (s *suggestionStore) ListByReview(ctx context.Context, reviewID string, filter SuggestionFilter) ([]*core.Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE review_id = ?`
	args := []any{reviewID}

	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	switch {
	case filter.FinalOnly:
		query += ` AND level IS NULL`
	case filter.Level != nil:
		query += ` AND level = ?`
		args = append(args, *filter.Level)
	}
	if !filter.IncludeRaw {
		query += ` AND raw = ?`
		args = append(args, false)
	}
	query += ` ORDER BY file_path ASC, start_line ASC, created_at ASC, id ASC`

	var out []*core.Suggestion
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	return out, nil
}

func (s *suggestionStore) Adopt(ctx context.Context, suggestionID, adoptedAsID string) error {
	query := s.db.Rebind(`UPDATE suggestions
		SET status = 'adopted', adopted_as_id = ?, updated_at = ?
		WHERE id = ?`)
	return s.execOne(ctx, query, adoptedAsID, time.Now().UTC(), suggestionID)
}

func (s *suggestionStore) Dismiss(ctx context.Context, suggestionID string) error {
	query := s.db.Rebind(`UPDATE suggestions
		SET status = 'dismissed', updated_at = ?
		WHERE id = ?`)
	return s.execOne(ctx, query, time.Now().UTC(), suggestionID)
}

func (s *suggestionStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update suggestion: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSuggestionNotFound
	}
	return nil
}

func (s *suggestionStore) DeleteAIForReview(ctx context.Context, reviewID string) error {
	now := time.Now().UTC()
	err := withTx(ctx, s.db.DB, func(tx *sqlx.Tx) error {
		// User comments adopted from an AI suggestion lose their anchor when
		// the AI set goes away; dismiss them rather than leaving them
		// pointing at nothing.
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE suggestions
			SET status = 'dismissed', parent_id = NULL, updated_at = ?
			WHERE review_id = ? AND source = 'user' AND parent_id IN (
				SELECT id FROM suggestions WHERE review_id = ? AND source = 'ai'
			)`), now, reviewID, reviewID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE suggestions
			SET adopted_as_id = NULL, updated_at = ?
			WHERE review_id = ? AND adopted_as_id IN (
				SELECT id FROM suggestions WHERE review_id = ? AND source = 'ai'
			)`), now, reviewID, reviewID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			tx.Rebind(`DELETE FROM suggestions WHERE review_id = ? AND source = 'ai'`),
			reviewID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete AI suggestions: %w", err)
	}
	return nil
}

func (s *suggestionStore) HasAISuggestions(ctx context.Context, reviewID string) (bool, error) {
	query := s.db.Rebind(`SELECT COUNT(*) FROM suggestions WHERE review_id = ? AND source = 'ai'`)
	var count int
	if err := s.db.GetContext(ctx, &count, query, reviewID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to count AI suggestions: %w", err)
	}
	return count > 0, nil
}
