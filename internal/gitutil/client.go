// Package gitutil provides a client for working with Git repositories.
package gitutil

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Client handles interacting with Git repositories. Mutating operations go
// through the git CLI so worktree bookkeeping matches what a developer's own
// git sees; read paths use go-git where that avoids a subprocess.
type Client struct {
	Logger *slog.Logger
}

// NewClient returns a new Client instance.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{Logger: logger}
}

// Open opens a Git repository at a given path.
func (c *Client) Open(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", path, err)
	}
	return repo, nil
}

// Clone clones a repository to a specific path.
func (c *Client) Clone(ctx context.Context, repoURL, path, token string) error {
	authURL, err := c.getAuthenticatedURL(repoURL, token)
	if err != nil {
		return err
	}

	c.Logger.InfoContext(ctx, "cloning repository", "url", repoURL, "path", path)
	cmd := exec.CommandContext(ctx, "git", "clone", authURL, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone failed: %s: %w", string(out), err)
	}
	return nil
}

// Checkout switches the working copy at path to a specific commit.
func (c *Client) Checkout(ctx context.Context, path, sha string) error {
	cmd := exec.CommandContext(ctx, "git", "checkout", "--force", "--detach", sha)
	cmd.Dir = path
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git checkout failed: %s: %w", string(out), err)
	}
	return nil
}

// HeadSHA returns the current HEAD SHA of the repository at the given path.
func (c *Client) HeadSHA(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// WorktreeAdd creates a detached worktree of repoPath at worktreePath, checked
// out at sha. An empty sha checks out the repository's current HEAD.
func (c *Client) WorktreeAdd(ctx context.Context, repoPath, worktreePath, sha string) error {
	args := []string{"worktree", "add", "--detach", worktreePath}
	if sha != "" {
		args = append(args, sha)
	}
	c.Logger.InfoContext(ctx, "creating git worktree", "repo", repoPath, "path", worktreePath)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree add failed: %s: %w", string(out), err)
	}
	return nil
}

// WorktreeRemove removes a worktree previously created with WorktreeAdd. The
// force flag discards any local modifications inside the worktree.
func (c *Client) WorktreeRemove(ctx context.Context, repoPath, worktreePath string) error {
	c.Logger.InfoContext(ctx, "removing git worktree", "repo", repoPath, "path", worktreePath)
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove failed: %s: %w", string(out), err)
	}
	return nil
}

// WorktreePrune drops stale worktree bookkeeping, such as entries whose
// directories were deleted outside of git.
func (c *Client) WorktreePrune(ctx context.Context, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree prune failed: %s: %w", string(out), err)
	}
	return nil
}

func (c *Client) getAuthenticatedURL(repoURL, token string) (string, error) {
	// Handle local paths directly. file:// is intentionally unsupported.
	if !strings.Contains(repoURL, "://") {
		return repoURL, nil
	}
	if !strings.HasPrefix(repoURL, "https://") && !strings.HasPrefix(repoURL, "http://") {
		return "", fmt.Errorf("invalid repository URL: %s", repoURL)
	}
	parsedURL, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse repository URL '%s': %w", repoURL, err)
	}
	if token != "" {
		parsedURL.User = url.UserPassword("x-access-token", token)
	}
	return parsedURL.String(), nil
}
