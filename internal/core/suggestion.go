package core

import (
	"database/sql"
	"time"
)

// SuggestionSource distinguishes AI-produced suggestions from user comments.
type SuggestionSource string

const (
	SuggestionSourceAI   SuggestionSource = "ai"
	SuggestionSourceUser SuggestionSource = "user"
)

// SuggestionStatus is the lifecycle status of a suggestion.
type SuggestionStatus string

const (
	SuggestionStatusActive    SuggestionStatus = "active"
	SuggestionStatusDismissed SuggestionStatus = "dismissed"
	SuggestionStatusAdopted   SuggestionStatus = "adopted"
	SuggestionStatusDraft     SuggestionStatus = "draft"
	SuggestionStatusSubmitted SuggestionStatus = "submitted"
)

// Suggestion is a single piece of review feedback. Level is nil for the
// final consolidated set and 1-3 for per-level output. Raw marks a council
// voice's unmerged output as opposed to the consolidated set.
type Suggestion struct {
	ID          string           `db:"id" json:"id,omitempty"`
	ReviewID    string           `db:"review_id" json:"review_id,omitempty"`
	RunID       string           `db:"run_id" json:"run_id,omitempty"`
	Source      SuggestionSource `db:"source" json:"source,omitempty"`
	Level       *int             `db:"level" json:"level,omitempty"`
	Confidence  float64          `db:"confidence" json:"confidence"`
	FilePath    string           `db:"file_path" json:"file_path"`
	StartLine   int              `db:"start_line" json:"start_line"`
	EndLine     int              `db:"end_line" json:"end_line"`
	Side        string           `db:"side" json:"side,omitempty"`
	Category    string           `db:"category" json:"category"`
	Title       string           `db:"title" json:"title"`
	Body        string           `db:"body" json:"body"`
	Status      SuggestionStatus `db:"status" json:"status,omitempty"`
	Raw         bool             `db:"raw" json:"raw,omitempty"`
	ParentID    sql.NullString   `db:"parent_id" json:"-"`
	AdoptedAsID sql.NullString   `db:"adopted_as_id" json:"-"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at,omitempty"`
}

// Overlaps reports whether two suggestions target the same file with
// intersecting line ranges.
func (s *Suggestion) Overlaps(other *Suggestion) bool {
	if s.FilePath != other.FilePath {
		return false
	}
	return s.StartLine <= other.EndLine && other.StartLine <= s.EndLine
}
