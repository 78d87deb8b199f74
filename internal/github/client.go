// Package github provides a focused client for the pull-request side of a
// review: fetching PR metadata and diffs when a review is opened, and posting
// the final suggestion set back as a PR review on submission.
package github

import (
	"context"
	"log/slog"

	"github.com/google/go-github/v73/github"
	"golang.org/x/oauth2"

	"github.com/sevigo/review-council/internal/core"
)

// ChangedFile holds the filename and patch data for a single file included in
// a pull request.
type ChangedFile struct {
	Filename string
	Patch    string
}

// Client is the subset of GitHub operations the review workflow needs.
type Client interface {
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	GetPullRequestDiff(ctx context.Context, owner, repo string, number int) (string, error)
	GetChangedFiles(ctx context.Context, owner, repo string, number int) ([]ChangedFile, error)
	SubmitReview(ctx context.Context, owner, repo string, number int, summary string, suggestions []*core.Suggestion) error
}

type gitHubClient struct {
	client *github.Client
	logger *slog.Logger
}

// NewClient creates a GitHub client authenticated with a personal access
// token.
func NewClient(ctx context.Context, token string, logger *slog.Logger) Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &gitHubClient{client: github.NewClient(tc), logger: logger}
}

// GetPullRequest retrieves a single pull request by its number.
func (g *gitHubClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	pr, _, err := g.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		g.logger.Error("failed to get pull request", "owner", owner, "repo", repo, "pr", number, "error", err)
		return nil, err
	}
	return pr, nil
}

// GetPullRequestDiff retrieves the diff of a pull request as a string.
func (g *gitHubClient) GetPullRequestDiff(ctx context.Context, owner, repo string, number int) (string, error) {
	diff, _, err := g.client.PullRequests.GetRaw(ctx, owner, repo, number, github.RawOptions{
		Type: github.Diff,
	})
	if err != nil {
		g.logger.Error("failed to get pull request diff", "owner", owner, "repo", repo, "pr", number, "error", err)
		return "", err
	}
	return diff, nil
}

// GetChangedFiles retrieves the list of files modified in a pull request. It
// handles pagination automatically; GitHub returns at most 100 files per page.
func (g *gitHubClient) GetChangedFiles(ctx context.Context, owner, repo string, number int) ([]ChangedFile, error) {
	var allFiles []ChangedFile
	opts := &github.ListOptions{PerPage: 100}

	for {
		files, resp, err := g.client.PullRequests.ListFiles(ctx, owner, repo, number, opts)
		if err != nil {
			g.logger.Error("failed to list files for pull request", "owner", owner, "repo", repo, "pr", number, "error", err)
			return nil, err
		}
		for _, file := range files {
			patch := ""
			if file.Patch != nil {
				patch = *file.Patch
			}
			allFiles = append(allFiles, ChangedFile{
				Filename: *file.Filename,
				Patch:    patch,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return allFiles, nil
}

// SubmitReview posts the consolidated suggestion set as a PR review. Only
// suggestions on lines GitHub accepts comments for become inline comments;
// the rest are folded into the review body so nothing silently disappears.
func (g *gitHubClient) SubmitReview(ctx context.Context, owner, repo string, number int, summary string, suggestions []*core.Suggestion) error {
	changed, err := g.GetChangedFiles(ctx, owner, repo, number)
	if err != nil {
		return err
	}
	validLines := make(map[string]map[int]struct{}, len(changed))
	for _, file := range changed {
		validLines[file.Filename] = ParseValidLinesFromPatch(file.Patch, g.logger)
	}

	var comments []*github.DraftReviewComment
	body := summary
	for _, s := range suggestions {
		lines, ok := validLines[s.FilePath]
		if _, commentable := lines[s.EndLine]; ok && commentable {
			comments = append(comments, &github.DraftReviewComment{
				Path: github.Ptr(s.FilePath),
				Line: github.Ptr(s.EndLine),
				Body: github.Ptr(s.Title + "\n\n" + s.Body),
			})
			continue
		}
		body += "\n\n**" + s.Title + "** (" + s.FilePath + "): " + s.Body
	}

	_, _, err = g.client.PullRequests.CreateReview(ctx, owner, repo, number, &github.PullRequestReviewRequest{
		Body:     github.Ptr(body),
		Event:    github.Ptr("COMMENT"),
		Comments: comments,
	})
	if err != nil {
		g.logger.Error("failed to create pull request review", "owner", owner, "repo", repo, "pr", number, "error", err)
	}
	return err
}
