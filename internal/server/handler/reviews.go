package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sevigo/review-council/internal/core"
	"github.com/sevigo/review-council/internal/diffsnap"
	"github.com/sevigo/review-council/internal/gitutil"
	"github.com/sevigo/review-council/internal/orchestrator"
	"github.com/sevigo/review-council/internal/storage"
)

// ReviewHandler serves the review lifecycle: open, analyze, list output,
// check staleness, submit.
type ReviewHandler struct {
	deps   Deps
	logger *slog.Logger
}

// NewReviewHandler creates a review handler.
func NewReviewHandler(deps Deps, logger *slog.Logger) *ReviewHandler {
	return &ReviewHandler{deps: deps, logger: logger}
}

type createReviewRequest struct {
	RepoName      string `json:"repo_name,omitempty"`
	Kind          string `json:"kind"`
	WorkspacePath string `json:"workspace_path,omitempty"`
	PRURL         string `json:"pr_url,omitempty"`
	BaseSHA       string `json:"base_sha,omitempty"`
	Instructions  string `json:"instructions,omitempty"`
}

// Create opens a new review. A local review with no base SHA records the
// workspace's current HEAD so staleness has a fixed reference; a pr review is
// opened from its URL, with the head SHA and diff snapshot fetched from
// GitHub.
func (h *ReviewHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body", err)
		return
	}

	review := &core.Review{
		ID:            uuid.NewString(),
		RepoName:      req.RepoName,
		Kind:          core.ReviewKind(req.Kind),
		WorkspacePath: req.WorkspacePath,
		BaseSHA:       req.BaseSHA,
		Instructions:  req.Instructions,
		Status:        core.ReviewStatusDraft,
	}

	var snapshot *core.DiffSnapshot
	switch review.Kind {
	case core.ReviewKindLocal:
		if req.WorkspacePath == "" {
			writeError(w, h.logger, http.StatusBadRequest, "local review requires workspace_path", nil)
			return
		}
		if review.BaseSHA == "" {
			sha, err := h.deps.Git.HeadSHA(r.Context(), req.WorkspacePath)
			if err != nil {
				writeError(w, h.logger, http.StatusBadRequest, "failed to resolve workspace HEAD", err)
				return
			}
			review.BaseSHA = sha
		}
	case core.ReviewKindPR:
		var ok bool
		if snapshot, ok = h.openPullRequest(w, r, &req, review); !ok {
			return
		}
	default:
		writeError(w, h.logger, http.StatusBadRequest, "kind must be pr or local", nil)
		return
	}

	if err := h.deps.Reviews.Create(r.Context(), review); err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, "failed to create review", err)
		return
	}
	if snapshot != nil {
		snapshot.ReviewID = review.ID
		if err := h.deps.Snapshots.Upsert(r.Context(), snapshot); err != nil {
			writeError(w, h.logger, http.StatusInternalServerError, "failed to store pull request snapshot", err)
			return
		}
	}

	h.logger.Info("review opened", "review_id", review.ID, "kind", review.Kind, "repo", review.RepoName)
	writeJSON(w, http.StatusCreated, review)
}

// openPullRequest resolves a pr_url into the review's identity and captures
// the PR diff as its snapshot. Returns false after writing an error response.
func (h *ReviewHandler) openPullRequest(w http.ResponseWriter, r *http.Request, req *createReviewRequest, review *core.Review) (*core.DiffSnapshot, bool) {
	if req.PRURL == "" {
		writeError(w, h.logger, http.StatusBadRequest, "pr review requires pr_url", nil)
		return nil, false
	}
	if h.deps.GitHub == nil {
		writeError(w, h.logger, http.StatusUnprocessableEntity, "no GitHub token configured", nil)
		return nil, false
	}
	owner, repo, number, err := gitutil.ParsePullRequestURL(req.PRURL)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid pr_url", err)
		return nil, false
	}
	review.RepoName = owner + "/" + repo
	review.PRNumber = number

	pr, err := h.deps.GitHub.GetPullRequest(r.Context(), owner, repo, number)
	if err != nil {
		writeError(w, h.logger, http.StatusBadGateway, "failed to fetch pull request", err)
		return nil, false
	}
	if review.BaseSHA == "" && pr.Head != nil {
		review.BaseSHA = pr.Head.GetSHA()
	}

	diff, err := h.deps.GitHub.GetPullRequestDiff(r.Context(), owner, repo, number)
	if err != nil {
		writeError(w, h.logger, http.StatusBadGateway, "failed to fetch pull request diff", err)
		return nil, false
	}
	snapshot, err := diffsnap.SnapshotFromDiff(diff)
	if err != nil {
		writeError(w, h.logger, http.StatusBadGateway, "failed to parse pull request diff", err)
		return nil, false
	}
	return snapshot, true
}

// Get returns a review by ID.
func (h *ReviewHandler) Get(w http.ResponseWriter, r *http.Request) {
	review, ok := h.loadReview(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, review)
}

type analyzeRequest struct {
	Voice        *core.VoiceSpec     `json:"voice,omitempty"`
	Levels       []int               `json:"levels,omitempty"`
	SkipLevel3   bool                `json:"skip_level3,omitempty"`
	Council      *core.CouncilConfig `json:"council,omitempty"`
	Instructions string              `json:"instructions,omitempty"`
}

type analyzeResponse struct {
	RunID string `json:"run_id"`
}

// Analyze starts an analysis run and returns its identifier immediately.
func (h *ReviewHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	review, ok := h.loadReview(w, r)
	if !ok {
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body", err)
		return
	}

	cfg := orchestrator.RunConfig{Instructions: req.Instructions}
	if req.Council != nil {
		cfg.Kind = core.RunKindCouncil
		cfg.Council = req.Council
	} else {
		cfg.Kind = core.RunKindSingle
		cfg.Voice = h.deps.DefaultVoice
		if req.Voice != nil {
			cfg.Voice = *req.Voice
		}
		cfg.Levels = levelsFromRequest(req.Levels, req.SkipLevel3)
	}

	switch review.Kind {
	case core.ReviewKindLocal:
		path, err := h.deps.Worktrees.Ensure(r.Context(), review)
		if err != nil {
			// Isolation is best-effort: voices fall back to running in the
			// live working copy.
			h.logger.Warn("failed to ensure review worktree", "review_id", review.ID, "error", err)
		} else {
			cfg.Workdir = path
		}
	case core.ReviewKindPR:
		// Clone the repository at the PR head so voices see the full tree,
		// not just the diff. Best-effort like the local worktree.
		path, err := h.deps.Worktrees.Materialize(r.Context(), review,
			"https://github.com/"+review.RepoName+".git", h.deps.GitHubToken)
		if err != nil {
			h.logger.Warn("failed to materialize pull request clone", "review_id", review.ID, "error", err)
		} else {
			cfg.Workdir = path
		}
	}

	runID, err := h.deps.Engine.Start(r.Context(), review, cfg)
	if err != nil {
		writeError(w, h.logger, http.StatusUnprocessableEntity, "failed to start analysis", err)
		return
	}
	writeJSON(w, http.StatusAccepted, analyzeResponse{RunID: runID})
}

// levelsFromRequest maps the request's level selection to a LevelMap. With no
// explicit levels, all are enabled unless skip_level3 drops the deepest pass.
func levelsFromRequest(levels []int, skipLevel3 bool) core.LevelMap {
	m := core.LevelMap{}
	if len(levels) == 0 {
		for level := 1; level <= core.MaxLevel; level++ {
			m[level] = true
		}
	} else {
		for _, level := range levels {
			m[level] = true
		}
	}
	if skipLevel3 {
		m[core.MaxLevel] = false
	}
	return m
}

// ListRuns returns all runs for a review in display order.
func (h *ReviewHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	review, ok := h.loadReview(w, r)
	if !ok {
		return
	}
	runs, err := h.deps.Runs.GetByReviewID(r.Context(), review.ID)
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponses(runs))
}

// ListSuggestions returns a review's suggestions. By default only the final
// consolidated set; ?level=N selects one level's raw output and ?raw=true
// includes council children's unmerged sets.
func (h *ReviewHandler) ListSuggestions(w http.ResponseWriter, r *http.Request) {
	review, ok := h.loadReview(w, r)
	if !ok {
		return
	}

	filter := storage.SuggestionFilter{FinalOnly: true}
	query := r.URL.Query()
	if runID := query.Get("run_id"); runID != "" {
		filter.RunID = runID
	}
	if levelStr := query.Get("level"); levelStr != "" {
		level, err := strconv.Atoi(levelStr)
		if err != nil || level < 1 || level > core.MaxLevel {
			writeError(w, h.logger, http.StatusBadRequest, "level must be 1-3", nil)
			return
		}
		filter.Level = &level
		filter.FinalOnly = false
		filter.IncludeRaw = true
	}
	if query.Get("raw") == "true" {
		filter.IncludeRaw = true
	}

	suggestions, err := h.deps.Suggestions.ListByReview(r.Context(), review.ID, filter)
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, "failed to list suggestions", err)
		return
	}
	writeJSON(w, http.StatusOK, toSuggestionResponses(suggestions))
}

type stalenessResponse struct {
	Stale  bool   `json:"stale"`
	Digest string `json:"digest"`
}

// Staleness reports whether the stored snapshot still matches the working
// copy. The stored digest is never recomputed here; only the live side is.
func (h *ReviewHandler) Staleness(w http.ResponseWriter, r *http.Request) {
	review, ok := h.loadReview(w, r)
	if !ok {
		return
	}
	snapshot, err := h.deps.Snapshots.Get(r.Context(), review.ID)
	if err != nil {
		if errors.Is(err, storage.ErrSnapshotNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "review has no snapshot", nil)
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, "failed to load snapshot", err)
		return
	}
	if review.WorkspacePath == "" {
		writeJSON(w, http.StatusOK, stalenessResponse{Stale: false, Digest: snapshot.Digest})
		return
	}

	stale, err := h.deps.Snapper.IsStale(r.Context(), review.WorkspacePath, snapshot.Digest)
	if err != nil {
		// A workspace that cannot be read counts as stale, not as a failed
		// check.
		h.logger.Warn("staleness check failed, reporting stale",
			"review_id", review.ID, "error", err)
		stale = true
	}
	writeJSON(w, http.StatusOK, stalenessResponse{Stale: stale, Digest: snapshot.Digest})
}

// Submit flips the review and its draft suggestions to submitted. A pr review
// additionally posts the consolidated suggestion set back to the pull request
// before the local state changes, so a GitHub failure leaves the review
// re-submittable.
func (h *ReviewHandler) Submit(w http.ResponseWriter, r *http.Request) {
	review, ok := h.loadReview(w, r)
	if !ok {
		return
	}

	if review.Kind == core.ReviewKindPR && h.deps.GitHub != nil && review.PRNumber > 0 {
		owner, repo, found := strings.Cut(review.RepoName, "/")
		if !found {
			writeError(w, h.logger, http.StatusInternalServerError, "review has a malformed repo name", nil)
			return
		}
		suggestions, err := h.deps.Suggestions.ListByReview(r.Context(), review.ID, storage.SuggestionFilter{
			FinalOnly: true,
		})
		if err != nil {
			writeError(w, h.logger, http.StatusInternalServerError, "failed to load suggestions", err)
			return
		}
		active := suggestions[:0]
		for _, s := range suggestions {
			if s.Status == core.SuggestionStatusActive || s.Status == core.SuggestionStatusDraft {
				active = append(active, s)
			}
		}
		if err := h.deps.GitHub.SubmitReview(r.Context(), owner, repo, review.PRNumber, review.Summary, active); err != nil {
			writeError(w, h.logger, http.StatusBadGateway, "failed to post review to GitHub", err)
			return
		}
	}

	if err := h.deps.Reviews.Submit(r.Context(), review.ID); err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, "failed to submit review", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adoptRequest struct {
	AdoptedAsID string `json:"adopted_as_id"`
}

// AdoptSuggestion marks an AI suggestion as adopted into a user comment.
func (h *ReviewHandler) AdoptSuggestion(w http.ResponseWriter, r *http.Request) {
	var req adoptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.AdoptedAsID == "" {
		writeError(w, h.logger, http.StatusBadRequest, "adopted_as_id is required", nil)
		return
	}
	if err := h.deps.Suggestions.Adopt(r.Context(), chi.URLParam(r, "id"), req.AdoptedAsID); err != nil {
		if errors.Is(err, storage.ErrSuggestionNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "suggestion not found", nil)
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, "failed to adopt suggestion", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DismissSuggestion marks a suggestion as dismissed.
func (h *ReviewHandler) DismissSuggestion(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Suggestions.Dismiss(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, storage.ErrSuggestionNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "suggestion not found", nil)
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, "failed to dismiss suggestion", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ReviewHandler) loadReview(w http.ResponseWriter, r *http.Request) (*core.Review, bool) {
	review, err := h.deps.Reviews.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrReviewNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "review not found", nil)
		} else {
			writeError(w, h.logger, http.StatusInternalServerError, "failed to load review", err)
		}
		return nil, false
	}
	return review, true
}
