package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sevigo/review-council/internal/core"
	"github.com/sevigo/review-council/internal/db"
)

// ErrSnapshotNotFound is returned when a review has no live snapshot.
var ErrSnapshotNotFound = errors.New("diff snapshot not found")

// SnapshotStore keeps exactly one live diff snapshot per review. A refresh
// replaces the row; snapshots are not versioned.
type SnapshotStore interface {
	Upsert(ctx context.Context, snapshot *core.DiffSnapshot) error
	Get(ctx context.Context, reviewID string) (*core.DiffSnapshot, error)
}

type snapshotStore struct {
	db *db.DB
}

// NewSnapshotStore creates a SnapshotStore backed by the shared database.
func NewSnapshotStore(database *db.DB) SnapshotStore {
	return &snapshotStore{db: database}
}

func (s *snapshotStore) Upsert(ctx context.Context, snapshot *core.DiffSnapshot) error {
	if snapshot.CapturedAt.IsZero() {
		snapshot.CapturedAt = time.Now().UTC()
	}
	filesJSON, err := json.Marshal(snapshot.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot files: %w", err)
	}
	skippedJSON, err := json.Marshal(snapshot.Skipped)
	if err != nil {
		return fmt.Errorf("failed to marshal skipped files: %w", err)
	}

	query := s.db.Rebind(`INSERT INTO diff_snapshots
		(review_id, diff_text, files_json, skipped_json, digest, captured_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (review_id) DO UPDATE SET
			diff_text = excluded.diff_text,
			files_json = excluded.files_json,
			skipped_json = excluded.skipped_json,
			digest = excluded.digest,
			captured_at = excluded.captured_at`)
	_, err = s.db.ExecContext(ctx, query,
		snapshot.ReviewID, snapshot.DiffText, string(filesJSON), string(skippedJSON),
		snapshot.Digest, snapshot.CapturedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert diff snapshot: %w", err)
	}
	return nil
}

func (s *snapshotStore) Get(ctx context.Context, reviewID string) (*core.DiffSnapshot, error) {
	query := s.db.Rebind(`SELECT review_id, diff_text, files_json, skipped_json, digest, captured_at
		FROM diff_snapshots WHERE review_id = ?`)

	var row struct {
		ReviewID    string    `db:"review_id"`
		DiffText    string    `db:"diff_text"`
		FilesJSON   string    `db:"files_json"`
		SkippedJSON string    `db:"skipped_json"`
		Digest      string    `db:"digest"`
		CapturedAt  time.Time `db:"captured_at"`
	}
	if err := s.db.GetContext(ctx, &row, query, reviewID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get diff snapshot: %w", err)
	}

	snapshot := &core.DiffSnapshot{
		ReviewID:   row.ReviewID,
		DiffText:   row.DiffText,
		Digest:     row.Digest,
		CapturedAt: row.CapturedAt,
	}
	if err := json.Unmarshal([]byte(row.FilesJSON), &snapshot.Files); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot files: %w", err)
	}
	if err := json.Unmarshal([]byte(row.SkippedJSON), &snapshot.Skipped); err != nil {
		return nil, fmt.Errorf("failed to unmarshal skipped files: %w", err)
	}
	return snapshot, nil
}
