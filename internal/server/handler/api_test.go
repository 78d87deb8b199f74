package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v73/github"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/review-council/internal/core"
	"github.com/sevigo/review-council/internal/db"
	"github.com/sevigo/review-council/internal/diffsnap"
	"github.com/sevigo/review-council/internal/github"
	"github.com/sevigo/review-council/internal/gitutil"
	"github.com/sevigo/review-council/internal/orchestrator"
	"github.com/sevigo/review-council/internal/progress"
	"github.com/sevigo/review-council/internal/server"
	"github.com/sevigo/review-council/internal/server/handler"
	"github.com/sevigo/review-council/internal/storage"
	"github.com/sevigo/review-council/internal/worktree"
)

// stubRunner answers every voice invocation with one canned finding.
type stubRunner struct{}

func (stubRunner) Run(_ context.Context, req core.VoiceRequest) (*core.VoiceResult, error) {
	return &core.VoiceResult{
		Suggestions: []core.Suggestion{{
			FilePath:   "main.go",
			StartLine:  req.Level,
			EndLine:    req.Level,
			Category:   "correctness",
			Title:      "canned finding",
			Confidence: 0.7,
		}},
		Summary: "stub summary",
	}, nil
}

// fakeGitHub serves a canned pull request and records what gets posted back.
type fakeGitHub struct {
	headSHA   string
	diff      string
	submitted []*core.Suggestion
	summary   string
}

func (f *fakeGitHub) GetPullRequest(_ context.Context, _, _ string, _ int) (*gogithub.PullRequest, error) {
	return &gogithub.PullRequest{
		Head: &gogithub.PullRequestBranch{SHA: gogithub.Ptr(f.headSHA)},
	}, nil
}

func (f *fakeGitHub) GetPullRequestDiff(_ context.Context, _, _ string, _ int) (string, error) {
	return f.diff, nil
}

func (f *fakeGitHub) GetChangedFiles(_ context.Context, _, _ string, _ int) ([]github.ChangedFile, error) {
	return nil, nil
}

func (f *fakeGitHub) SubmitReview(_ context.Context, _, _ string, _ int, summary string, suggestions []*core.Suggestion) error {
	f.summary = summary
	f.submitted = suggestions
	return nil
}

type apiHarness struct {
	server      *httptest.Server
	reviews     storage.ReviewStore
	runs        storage.RunStore
	suggestions storage.SuggestionStore
	snapshots   storage.SnapshotStore
	snapper     *diffsnap.Provider
	broadcaster *progress.Broadcaster
	git         *gitutil.Client
}

func newAPIHarness(t *testing.T) *apiHarness {
	return newAPIHarnessWithGitHub(t, nil)
}

func newAPIHarnessWithGitHub(t *testing.T, gh github.Client) *apiHarness {
	t.Helper()
	database, cleanup, err := db.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(cleanup)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reviews := storage.NewReviewStore(database)
	runs := storage.NewRunStore(database)
	suggestions := storage.NewSuggestionStore(database)
	snapshots := storage.NewSnapshotStore(database)
	worktrees := storage.NewWorktreeStore(database)
	broadcaster := progress.NewBroadcaster(logger)
	snapper := diffsnap.NewProvider(logger)
	gitClient := gitutil.NewClient(logger)

	engine := orchestrator.NewEngine(context.Background(), runs, suggestions, reviews,
		snapshots, snapper, stubRunner{}, broadcaster, logger)
	t.Cleanup(engine.Shutdown)

	deps := handler.Deps{
		Reviews:      reviews,
		Runs:         runs,
		Suggestions:  suggestions,
		Snapshots:    snapshots,
		Engine:       engine,
		Broadcaster:  broadcaster,
		Snapper:      snapper,
		Worktrees:    worktree.NewManager(gitClient, worktrees, filepath.Join(t.TempDir(), "worktrees"), logger),
		Git:          gitClient,
		GitHub:       gh,
		DefaultVoice: core.VoiceSpec{Provider: "claude", Model: "claude-sonnet-4-5"},
	}

	srv := httptest.NewServer(server.NewRouter(deps, logger))
	t.Cleanup(srv.Close)

	return &apiHarness{
		server:      srv,
		reviews:     reviews,
		runs:        runs,
		suggestions: suggestions,
		snapshots:   snapshots,
		snapper:     snapper,
		broadcaster: broadcaster,
		git:         gitClient,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, payload)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// initGitRepo creates a committed working copy for local reviews.
func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	for _, args := range [][]string{
		{"add", "-A"},
		{"-c", "commit.gpgsign=false", "commit", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	return dir
}

// seedReview inserts a review with a stored snapshot, bypassing the API.
func (h *apiHarness) seedReview(t *testing.T, workspace string) *core.Review {
	t.Helper()
	ctx := context.Background()
	review := &core.Review{
		ID:            uuid.NewString(),
		RepoName:      "acme/widgets",
		Kind:          core.ReviewKindLocal,
		WorkspacePath: workspace,
		BaseSHA:       "abc123",
	}
	require.NoError(t, h.reviews.Create(ctx, review))
	require.NoError(t, h.snapshots.Upsert(ctx, &core.DiffSnapshot{
		ReviewID: review.ID,
		DiffText: "diff --git a/main.go b/main.go\n",
		Files:    []core.FileChange{{Path: "main.go", Status: "modified"}},
		Digest:   "digest-1",
	}))
	return review
}

func (h *apiHarness) waitRunTerminal(t *testing.T, runID string) *core.AnalysisRun {
	t.Helper()
	var run *core.AnalysisRun
	require.Eventually(t, func() bool {
		got, err := h.runs.GetByID(context.Background(), runID)
		if err != nil || !got.Status.IsTerminal() {
			return false
		}
		run = got
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestAPI_Health(t *testing.T) {
	h := newAPIHarness(t)
	resp, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestAPI_CreateReview(t *testing.T) {
	h := newAPIHarness(t)
	repo := initGitRepo(t)

	resp, body := h.do(t, http.MethodPost, "/api/v1/reviews", map[string]any{
		"repo_name":      "acme/widgets",
		"kind":           "local",
		"workspace_path": repo,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created core.Review
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, core.ReviewStatusDraft, created.Status)
	// The workspace HEAD is recorded as the base commit.
	assert.Len(t, created.BaseSHA, 40)

	resp, _ = h.do(t, http.MethodGet, "/api/v1/reviews/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_CreateReview_Validation(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/api/v1/reviews", map[string]any{
		"repo_name": "acme/widgets",
		"kind":      "bogus",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/v1/reviews", map[string]any{
		"repo_name": "acme/widgets",
		"kind":      "local",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CreatePRReview(t *testing.T) {
	gh := &fakeGitHub{
		headSHA: "1111222233334444555566667777888899990000",
		diff: "diff --git a/main.go b/main.go\n" +
			"--- a/main.go\n+++ b/main.go\n" +
			"@@ -1,1 +1,2 @@\n package main\n+// changed\n",
	}
	h := newAPIHarnessWithGitHub(t, gh)

	resp, _ := h.do(t, http.MethodPost, "/api/v1/reviews", map[string]any{"kind": "pr"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/api/v1/reviews", map[string]any{
		"kind":   "pr",
		"pr_url": "https://github.com/acme/widgets/pull/42",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created core.Review
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "acme/widgets", created.RepoName)
	assert.Equal(t, 42, created.PRNumber)
	assert.Equal(t, gh.headSHA, created.BaseSHA)

	// The PR diff was captured as the review's snapshot.
	snapshot, err := h.snapshots.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, gh.diff, snapshot.DiffText)
	require.Len(t, snapshot.Files, 1)
	assert.Equal(t, "main.go", snapshot.Files[0].Path)
	assert.NotEmpty(t, snapshot.Digest)
}

func TestAPI_CreatePRReviewWithoutToken(t *testing.T) {
	h := newAPIHarness(t)
	resp, _ := h.do(t, http.MethodPost, "/api/v1/reviews", map[string]any{
		"kind":   "pr",
		"pr_url": "https://github.com/acme/widgets/pull/42",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAPI_SubmitPRReviewPostsToGitHub(t *testing.T) {
	gh := &fakeGitHub{
		headSHA: "1111222233334444555566667777888899990000",
		diff:    "diff --git a/main.go b/main.go\n--- a/main.go\n+++ b/main.go\n@@ -1,1 +1,1 @@\n-package main\n+package main // x\n",
	}
	h := newAPIHarnessWithGitHub(t, gh)
	ctx := context.Background()

	resp, body := h.do(t, http.MethodPost, "/api/v1/reviews", map[string]any{
		"kind":   "pr",
		"pr_url": "https://github.com/acme/widgets/pull/7",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created core.Review
	require.NoError(t, json.Unmarshal(body, &created))

	require.NoError(t, h.suggestions.InsertBatch(ctx, []core.Suggestion{{
		ID:        uuid.NewString(),
		ReviewID:  created.ID,
		RunID:     uuid.NewString(),
		Source:    core.SuggestionSourceAI,
		FilePath:  "main.go",
		StartLine: 1,
		EndLine:   1,
		Category:  "style",
		Title:     "final finding",
	}}))

	resp, _ = h.do(t, http.MethodPost, "/api/v1/reviews/"+created.ID+"/submit", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Len(t, gh.submitted, 1)
	assert.Equal(t, "final finding", gh.submitted[0].Title)

	got, err := h.reviews.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ReviewStatusSubmitted, got.Status)
}

func TestAPI_AnalyzeLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	review := h.seedReview(t, initGitRepo(t))

	resp, body := h.do(t, http.MethodPost, "/api/v1/reviews/"+review.ID+"/analyze",
		map[string]any{"levels": []int{1, 2}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var accepted struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(body, &accepted))
	require.NotEmpty(t, accepted.RunID)

	run := h.waitRunTerminal(t, accepted.RunID)
	assert.Equal(t, core.RunStatusCompleted, run.Status)

	resp, body = h.do(t, http.MethodGet, "/api/v1/reviews/"+review.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []map[string]any
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, accepted.RunID, runs[0]["id"])
	assert.Equal(t, "completed", runs[0]["status"])

	// Default listing returns only the consolidated set.
	resp, body = h.do(t, http.MethodGet, "/api/v1/reviews/"+review.ID+"/suggestions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var final []map[string]any
	require.NoError(t, json.Unmarshal(body, &final))
	require.Len(t, final, 2)
	for _, s := range final {
		assert.Nil(t, s["level"])
		assert.Equal(t, false, s["raw"])
	}

	// Per-level listing exposes the raw pass output.
	resp, body = h.do(t, http.MethodGet, "/api/v1/reviews/"+review.ID+"/suggestions?level=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var levelOne []map[string]any
	require.NoError(t, json.Unmarshal(body, &levelOne))
	require.Len(t, levelOne, 1)
	assert.Equal(t, float64(1), levelOne[0]["level"])

	resp, _ = h.do(t, http.MethodGet, "/api/v1/reviews/"+review.ID+"/suggestions?level=7", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_AnalyzeUnknownReview(t *testing.T) {
	h := newAPIHarness(t)
	resp, _ := h.do(t, http.MethodPost, "/api/v1/reviews/"+uuid.NewString()+"/analyze", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_RunStatusFallsBackToRecord(t *testing.T) {
	h := newAPIHarness(t)
	review := h.seedReview(t, initGitRepo(t))

	resp, body := h.do(t, http.MethodPost, "/api/v1/reviews/"+review.ID+"/analyze",
		map[string]any{"levels": []int{1}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(body, &accepted))
	h.waitRunTerminal(t, accepted.RunID)

	// Drop the live tracker so the handler serves the persisted record.
	h.broadcaster.Remove(accepted.RunID)

	resp, body = h.do(t, http.MethodGet, "/api/v1/runs/"+accepted.RunID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "completed", status["status"])

	resp, _ = h.do(t, http.MethodGet, "/api/v1/runs/"+uuid.NewString()+"/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CancelFinishedRunConflicts(t *testing.T) {
	h := newAPIHarness(t)
	review := h.seedReview(t, initGitRepo(t))

	resp, body := h.do(t, http.MethodPost, "/api/v1/reviews/"+review.ID+"/analyze",
		map[string]any{"levels": []int{1}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(body, &accepted))
	h.waitRunTerminal(t, accepted.RunID)

	require.Eventually(t, func() bool {
		resp, _ := h.do(t, http.MethodPost, "/api/v1/runs/"+accepted.RunID+"/cancel", nil)
		return resp.StatusCode == http.StatusConflict
	}, 5*time.Second, 10*time.Millisecond)

	resp, _ = h.do(t, http.MethodPost, "/api/v1/runs/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_Staleness(t *testing.T) {
	h := newAPIHarness(t)
	repo := initGitRepo(t)
	ctx := context.Background()

	review := &core.Review{
		ID:            uuid.NewString(),
		RepoName:      "acme/widgets",
		Kind:          core.ReviewKindLocal,
		WorkspacePath: repo,
		BaseSHA:       "abc123",
	}
	require.NoError(t, h.reviews.Create(ctx, review))

	snapshot, err := h.snapper.Capture(ctx, repo)
	require.NoError(t, err)
	snapshot.ReviewID = review.ID
	require.NoError(t, h.snapshots.Upsert(ctx, snapshot))

	resp, body := h.do(t, http.MethodGet, "/api/v1/reviews/"+review.ID+"/staleness", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var staleness struct {
		Stale  bool   `json:"stale"`
		Digest string `json:"digest"`
	}
	require.NoError(t, json.Unmarshal(body, &staleness))
	assert.False(t, staleness.Stale)
	assert.Equal(t, snapshot.Digest, staleness.Digest)

	// Editing the working copy flips the check; the stored digest stays put.
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.go"),
		[]byte("package main\n\nfunc main() {}\n"), 0o644))

	resp, body = h.do(t, http.MethodGet, "/api/v1/reviews/"+review.ID+"/staleness", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &staleness))
	assert.True(t, staleness.Stale)
	assert.Equal(t, snapshot.Digest, staleness.Digest)
}

func TestAPI_StalenessUnreadableWorkspaceReportsStale(t *testing.T) {
	h := newAPIHarness(t)

	// The workspace is not a git repository, so the live digest cannot be
	// recomputed. The check degrades to stale instead of failing.
	review := h.seedReview(t, t.TempDir())

	resp, body := h.do(t, http.MethodGet, "/api/v1/reviews/"+review.ID+"/staleness", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var staleness struct {
		Stale  bool   `json:"stale"`
		Digest string `json:"digest"`
	}
	require.NoError(t, json.Unmarshal(body, &staleness))
	assert.True(t, staleness.Stale)
	assert.Equal(t, "digest-1", staleness.Digest)
}

func TestAPI_StalenessWithoutSnapshot(t *testing.T) {
	h := newAPIHarness(t)
	review := &core.Review{
		ID:       uuid.NewString(),
		RepoName: "acme/widgets",
		Kind:     core.ReviewKindPR,
		BaseSHA:  "abc123",
	}
	require.NoError(t, h.reviews.Create(context.Background(), review))

	resp, _ := h.do(t, http.MethodGet, "/api/v1/reviews/"+review.ID+"/staleness", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_AdoptAndDismissSuggestions(t *testing.T) {
	h := newAPIHarness(t)
	review := h.seedReview(t, initGitRepo(t))
	ctx := context.Background()

	sg := core.Suggestion{
		ID:        uuid.NewString(),
		ReviewID:  review.ID,
		RunID:     uuid.NewString(),
		Source:    core.SuggestionSourceAI,
		FilePath:  "main.go",
		StartLine: 1,
		EndLine:   1,
		Category:  "correctness",
		Title:     "finding",
	}
	require.NoError(t, h.suggestions.InsertBatch(ctx, []core.Suggestion{sg}))

	resp, _ := h.do(t, http.MethodPost, "/api/v1/suggestions/"+sg.ID+"/adopt", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/v1/suggestions/"+sg.ID+"/adopt",
		map[string]any{"adopted_as_id": uuid.NewString()})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/v1/suggestions/"+sg.ID+"/dismiss", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/v1/suggestions/"+uuid.NewString()+"/dismiss", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_EventStreamEndsOnTerminalState(t *testing.T) {
	h := newAPIHarness(t)
	review := h.seedReview(t, initGitRepo(t))

	resp, body := h.do(t, http.MethodPost, "/api/v1/reviews/"+review.ID+"/analyze",
		map[string]any{"levels": []int{1}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(body, &accepted))
	h.waitRunTerminal(t, accepted.RunID)

	// Wait until the tracked snapshot reflects the terminal state, then the
	// stream delivers it as the first event and closes.
	require.Eventually(t, func() bool {
		status, ok := h.broadcaster.Get(accepted.RunID)
		return ok && status.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	resp, body = h.do(t, http.MethodGet, "/api/v1/runs/"+accepted.RunID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "event: progress")
	assert.Contains(t, string(body), `"status":"completed"`)
}

func TestAPI_SubmitReview(t *testing.T) {
	h := newAPIHarness(t)
	review := h.seedReview(t, initGitRepo(t))

	resp, _ := h.do(t, http.MethodPost, "/api/v1/reviews/"+review.ID+"/submit", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := h.reviews.GetByID(context.Background(), review.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ReviewStatusSubmitted, got.Status)
}
