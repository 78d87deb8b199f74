// Package handler provides the HTTP handlers for the review-council API.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sevigo/review-council/internal/core"
	"github.com/sevigo/review-council/internal/diffsnap"
	"github.com/sevigo/review-council/internal/github"
	"github.com/sevigo/review-council/internal/gitutil"
	"github.com/sevigo/review-council/internal/orchestrator"
	"github.com/sevigo/review-council/internal/progress"
	"github.com/sevigo/review-council/internal/storage"
	"github.com/sevigo/review-council/internal/worktree"
)

// Deps bundles everything the handlers need.
type Deps struct {
	Reviews     storage.ReviewStore
	Runs        storage.RunStore
	Suggestions storage.SuggestionStore
	Snapshots   storage.SnapshotStore
	Engine      *orchestrator.Engine
	Broadcaster *progress.Broadcaster
	Snapper     *diffsnap.Provider
	Worktrees   *worktree.Manager
	Git         *gitutil.Client
	// GitHub is nil when no token is configured; pr-kind reviews are then
	// rejected at creation.
	GitHub github.Client
	// GitHubToken authenticates clones of pr-review repositories.
	GitHubToken string

	// DefaultVoice is used when an analyze request names no voice.
	DefaultVoice core.VoiceSpec
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string, err error) {
	if err != nil {
		logger.Error(msg, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

// runResponse is the wire shape of an analysis run.
type runResponse struct {
	ID               string     `json:"id"`
	ReviewID         string     `json:"review_id"`
	ParentRunID      *string    `json:"parent_run_id,omitempty"`
	Kind             string     `json:"kind"`
	Provider         string     `json:"provider,omitempty"`
	Model            string     `json:"model,omitempty"`
	Tier             string     `json:"tier,omitempty"`
	Levels           []int      `json:"levels"`
	CommitSHA        string     `json:"commit_sha"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FilesAnalyzed    int        `json:"files_analyzed"`
	TotalSuggestions int        `json:"total_suggestions"`
	Summary          string     `json:"summary,omitempty"`
}

func toRunResponse(run *core.AnalysisRun) runResponse {
	resp := runResponse{
		ID:               run.ID,
		ReviewID:         run.ReviewID,
		Kind:             string(run.Kind),
		Provider:         run.Provider,
		Model:            run.Model,
		Tier:             run.Tier,
		Levels:           run.Levels.EnabledLevels(),
		CommitSHA:        run.CommitSHA,
		Status:           string(run.Status),
		StartedAt:        run.StartedAt,
		FilesAnalyzed:    run.FilesAnalyzed,
		TotalSuggestions: run.TotalSuggestions,
		Summary:          run.Summary,
	}
	if run.ParentRunID.Valid {
		parentID := run.ParentRunID.String
		resp.ParentRunID = &parentID
	}
	if run.CompletedAt.Valid {
		completedAt := run.CompletedAt.Time
		resp.CompletedAt = &completedAt
	}
	return resp
}

func toRunResponses(runs []*core.AnalysisRun) []runResponse {
	out := make([]runResponse, len(runs))
	for i, run := range runs {
		out[i] = toRunResponse(run)
	}
	return out
}

// suggestionResponse is the wire shape of a suggestion.
type suggestionResponse struct {
	ID         string  `json:"id"`
	ReviewID   string  `json:"review_id"`
	RunID      string  `json:"run_id"`
	Source     string  `json:"source"`
	Level      *int    `json:"level,omitempty"`
	Confidence float64 `json:"confidence"`
	FilePath   string  `json:"file_path"`
	StartLine  int     `json:"start_line"`
	EndLine    int     `json:"end_line"`
	Side       string  `json:"side,omitempty"`
	Category   string  `json:"category"`
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	Status     string  `json:"status"`
	Raw        bool    `json:"raw"`
}

func toSuggestionResponses(suggestions []*core.Suggestion) []suggestionResponse {
	out := make([]suggestionResponse, len(suggestions))
	for i, s := range suggestions {
		out[i] = suggestionResponse{
			ID:         s.ID,
			ReviewID:   s.ReviewID,
			RunID:      s.RunID,
			Source:     string(s.Source),
			Level:      s.Level,
			Confidence: s.Confidence,
			FilePath:   s.FilePath,
			StartLine:  s.StartLine,
			EndLine:    s.EndLine,
			Side:       s.Side,
			Category:   s.Category,
			Title:      s.Title,
			Body:       s.Body,
			Status:     string(s.Status),
			Raw:        s.Raw,
		}
	}
	return out
}
