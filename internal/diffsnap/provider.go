// Package diffsnap captures immutable diff snapshots of a working copy and
// answers whether a stored snapshot has gone stale.
package diffsnap

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	git "github.com/go-git/go-git/v5"

	"github.com/sevigo/review-council/internal/core"
)

// MaxFileSize is the per-file ceiling; larger files are skipped with a
// recorded reason instead of bloating the snapshot.
const MaxFileSize = 1 << 20

// DigestLen is the number of hex characters kept from the content hash.
const DigestLen = 16

const digestSeparator = "\x00"

// Provider captures diff snapshots for a working copy. Staged changes are
// deliberately excluded from both the diff and the digest so a user can hide
// files from review by staging them.
type Provider struct {
	logger *slog.Logger
}

// NewProvider returns a snapshot provider.
func NewProvider(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{logger: logger}
}

// Capture produces the diff for unstaged tracked changes plus untracked
// files, per-file change stats, and a content digest for staleness checks.
func (p *Provider) Capture(ctx context.Context, path string) (*core.DiffSnapshot, error) {
	rawDiff, err := p.unstagedDiff(ctx, path)
	if err != nil {
		return nil, err
	}
	untracked, err := p.untrackedListing(path)
	if err != nil {
		return nil, err
	}

	snapshot := &core.DiffSnapshot{
		Digest: computeDigest(rawDiff, untracked),
	}

	var diffText strings.Builder
	files, err := gitdiff.Parse(strings.NewReader(rawDiff))
	if err != nil {
		return nil, fmt.Errorf("failed to parse diff output: %w", err)
	}
	keep := make([]string, 0, len(files))
	for _, f := range files {
		name := f.NewName
		if name == "" {
			name = f.OldName
		}
		if f.IsBinary {
			snapshot.Skipped = append(snapshot.Skipped, core.SkippedFile{Path: name, Reason: "binary"})
			continue
		}
		if tooLarge(filepath.Join(path, name)) {
			snapshot.Skipped = append(snapshot.Skipped, core.SkippedFile{Path: name, Reason: "too_large"})
			continue
		}
		keep = append(keep, name)
		snapshot.Files = append(snapshot.Files, fileChange(f, name))
	}
	if len(keep) > 0 {
		kept, err := p.unstagedDiff(ctx, path, keep...)
		if err != nil {
			return nil, err
		}
		diffText.WriteString(kept)
	}

	for _, u := range untracked {
		full := filepath.Join(path, u.path)
		switch {
		case u.size > MaxFileSize:
			snapshot.Skipped = append(snapshot.Skipped, core.SkippedFile{Path: u.path, Reason: "too_large"})
			continue
		case isBinaryFile(full):
			snapshot.Skipped = append(snapshot.Skipped, core.SkippedFile{Path: u.path, Reason: "binary"})
			continue
		}
		content, err := os.ReadFile(full)
		if err != nil {
			// The file vanished between listing and read; skip it rather
			// than failing the whole capture.
			p.logger.Warn("untracked file disappeared during capture", "path", u.path, "error", err)
			continue
		}
		added := writeUntrackedDiff(&diffText, u.path, content)
		snapshot.Files = append(snapshot.Files, core.FileChange{
			Path:      u.path,
			Additions: added,
			Status:    "untracked",
		})
	}

	snapshot.DiffText = diffText.String()
	return snapshot, nil
}

// SnapshotFromDiff builds a snapshot from standalone diff text, for reviews
// backed by a remote pull request instead of a working copy. Stats and digest
// are computed the same way Capture computes them; there is no untracked side.
func SnapshotFromDiff(diffText string) (*core.DiffSnapshot, error) {
	snapshot := &core.DiffSnapshot{
		DiffText: diffText,
		Digest:   computeDigest(diffText, nil),
	}
	files, err := gitdiff.Parse(strings.NewReader(diffText))
	if err != nil {
		return nil, fmt.Errorf("failed to parse diff text: %w", err)
	}
	for _, f := range files {
		name := f.NewName
		if name == "" {
			name = f.OldName
		}
		if f.IsBinary {
			snapshot.Skipped = append(snapshot.Skipped, core.SkippedFile{Path: name, Reason: "binary"})
			continue
		}
		snapshot.Files = append(snapshot.Files, fileChange(f, name))
	}
	return snapshot, nil
}

// IsStale recomputes the digest for the working copy and compares it against
// the stored one. Any computation failure (repository moved, deleted) is
// reported as stale: a missed staleness is worse than an unnecessary refresh.
func (p *Provider) IsStale(ctx context.Context, path, storedDigest string) (bool, error) {
	rawDiff, err := p.unstagedDiff(ctx, path)
	if err != nil {
		p.logger.Warn("staleness check failed, treating snapshot as stale", "path", path, "error", err)
		return true, err
	}
	untracked, err := p.untrackedListing(path)
	if err != nil {
		p.logger.Warn("staleness check failed, treating snapshot as stale", "path", path, "error", err)
		return true, err
	}
	return computeDigest(rawDiff, untracked) != storedDigest, nil
}

// unstagedDiff runs git diff for unstaged tracked changes, optionally
// narrowed to specific paths.
func (p *Provider) unstagedDiff(ctx context.Context, path string, paths ...string) (string, error) {
	args := []string{"diff", "--no-color", "--no-ext-diff"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = path
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git diff failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

type untrackedFile struct {
	path  string
	size  int64
	mtime int64
}

// untrackedListing enumerates untracked files with size and mtime, sorted by
// path for a stable digest input.
func (p *Provider) untrackedListing(path string) ([]untrackedFile, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree status: %w", err)
	}

	var out []untrackedFile
	for file, st := range status {
		if st.Worktree != git.Untracked {
			continue
		}
		info, err := os.Stat(filepath.Join(path, file))
		if err != nil {
			continue
		}
		out = append(out, untrackedFile{path: file, size: info.Size(), mtime: info.ModTime().Unix()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// computeDigest hashes the unstaged diff text together with the sorted
// untracked listing (path, size, mtime) and truncates to DigestLen hex chars.
func computeDigest(rawDiff string, untracked []untrackedFile) string {
	h := sha256.New()
	h.Write([]byte(rawDiff))
	h.Write([]byte(digestSeparator))
	for _, u := range untracked {
		fmt.Fprintf(h, "%s\t%d\t%d\n", u.path, u.size, u.mtime)
	}
	return hex.EncodeToString(h.Sum(nil))[:DigestLen]
}

func fileChange(f *gitdiff.File, name string) core.FileChange {
	change := core.FileChange{Path: name, Status: "modified"}
	switch {
	case f.IsNew:
		change.Status = "added"
	case f.IsDelete:
		change.Status = "deleted"
	case f.IsRename:
		change.Status = "renamed"
	}
	for _, frag := range f.TextFragments {
		change.Additions += int(frag.LinesAdded)
		change.Deletions += int(frag.LinesDeleted)
	}
	return change
}

// writeUntrackedDiff appends an all-additions unified diff for an untracked
// file and returns the number of added lines.
func writeUntrackedDiff(w *strings.Builder, path string, content []byte) int {
	lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	fmt.Fprintf(w, "diff --git a/%s b/%s\n", path, path)
	fmt.Fprintf(w, "new file mode 100644\n")
	fmt.Fprintf(w, "--- /dev/null\n+++ b/%s\n", path)
	fmt.Fprintf(w, "@@ -0,0 +1,%d @@\n", len(lines))
	for _, line := range lines {
		w.WriteString("+" + line + "\n")
	}
	return len(lines)
}

func tooLarge(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() > MaxFileSize
}

// isBinaryFile sniffs the first block of a file for NUL bytes.
func isBinaryFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 8000)
	n, _ := f.Read(buf)
	return bytes.IndexByte(buf[:n], 0) >= 0
}
