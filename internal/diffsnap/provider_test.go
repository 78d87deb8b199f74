package diffsnap

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider() *Provider {
	return NewProvider(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// initRepo creates a git repository with one committed file.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	writeFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "-c", "commit.gpgsign=false", "commit", "-m", "initial")
	return dir
}

func TestProvider_CaptureCleanRepo(t *testing.T) {
	p := newTestProvider()
	dir := initRepo(t)

	snapshot, err := p.Capture(context.Background(), dir)
	require.NoError(t, err)
	assert.Empty(t, snapshot.DiffText)
	assert.Empty(t, snapshot.Files)
	assert.Empty(t, snapshot.Skipped)
	assert.Len(t, snapshot.Digest, DigestLen)
}

func TestProvider_CaptureUnstagedChange(t *testing.T) {
	p := newTestProvider()
	dir := initRepo(t)

	writeFile(t, dir, "main.go", "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n")

	snapshot, err := p.Capture(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, snapshot.Files, 1)
	assert.Equal(t, "main.go", snapshot.Files[0].Path)
	assert.Equal(t, "modified", snapshot.Files[0].Status)
	assert.Positive(t, snapshot.Files[0].Additions)
	assert.Contains(t, snapshot.DiffText, "diff --git a/main.go b/main.go")
}

func TestProvider_CaptureUntrackedFile(t *testing.T) {
	p := newTestProvider()
	dir := initRepo(t)

	writeFile(t, dir, "notes.txt", "line one\nline two\n")

	snapshot, err := p.Capture(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, snapshot.Files, 1)
	assert.Equal(t, "notes.txt", snapshot.Files[0].Path)
	assert.Equal(t, "untracked", snapshot.Files[0].Status)
	assert.Equal(t, 2, snapshot.Files[0].Additions)
	assert.Contains(t, snapshot.DiffText, "+++ b/notes.txt")
	assert.Contains(t, snapshot.DiffText, "+line one")
}

func TestProvider_CaptureExcludesStagedChanges(t *testing.T) {
	p := newTestProvider()
	dir := initRepo(t)

	clean, err := p.Capture(context.Background(), dir)
	require.NoError(t, err)

	writeFile(t, dir, "main.go", "package main\n\nfunc main() { println(1) }\n")
	unstaged, err := p.Capture(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, unstaged.Files, 1)

	// Staging the change hides it from the snapshot and from the digest.
	runGit(t, dir, "add", "main.go")

	staged, err := p.Capture(context.Background(), dir)
	require.NoError(t, err)
	assert.Empty(t, staged.Files)
	assert.Empty(t, staged.DiffText)
	assert.NotEqual(t, unstaged.Digest, staged.Digest)
	assert.Equal(t, clean.Digest, staged.Digest)
}

func TestSnapshotFromDiff(t *testing.T) {
	diff := "diff --git a/main.go b/main.go\n" +
		"--- a/main.go\n+++ b/main.go\n" +
		"@@ -1,1 +1,2 @@\n package main\n+// changed\n"

	snapshot, err := SnapshotFromDiff(diff)
	require.NoError(t, err)
	assert.Equal(t, diff, snapshot.DiffText)
	assert.Len(t, snapshot.Digest, DigestLen)
	require.Len(t, snapshot.Files, 1)
	assert.Equal(t, "main.go", snapshot.Files[0].Path)
	assert.Equal(t, 1, snapshot.Files[0].Additions)

	other, err := SnapshotFromDiff("diff --git a/other.go b/other.go\n" +
		"--- a/other.go\n+++ b/other.go\n" +
		"@@ -1,1 +1,1 @@\n-old\n+new\n")
	require.NoError(t, err)
	assert.NotEqual(t, snapshot.Digest, other.Digest)
}

func TestProvider_CaptureSkipsBinaryUntracked(t *testing.T) {
	p := newTestProvider()
	dir := initRepo(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"),
		[]byte{0x00, 0x01, 0x02, 0xff}, 0o644))

	snapshot, err := p.Capture(context.Background(), dir)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Files)
	require.Len(t, snapshot.Skipped, 1)
	assert.Equal(t, "blob.bin", snapshot.Skipped[0].Path)
	assert.Equal(t, "binary", snapshot.Skipped[0].Reason)
}

func TestProvider_IsStale(t *testing.T) {
	p := newTestProvider()
	dir := initRepo(t)
	ctx := context.Background()

	snapshot, err := p.Capture(ctx, dir)
	require.NoError(t, err)

	stale, err := p.IsStale(ctx, dir, snapshot.Digest)
	require.NoError(t, err)
	assert.False(t, stale)

	writeFile(t, dir, "main.go", "package main\n\nfunc main() { println(2) }\n")
	stale, err = p.IsStale(ctx, dir, snapshot.Digest)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestProvider_IsStale_UntrackedFileChangesDigest(t *testing.T) {
	p := newTestProvider()
	dir := initRepo(t)
	ctx := context.Background()

	snapshot, err := p.Capture(ctx, dir)
	require.NoError(t, err)

	writeFile(t, dir, "new.txt", "content\n")
	stale, err := p.IsStale(ctx, dir, snapshot.Digest)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestProvider_IsStale_BrokenWorkingCopyIsStale(t *testing.T) {
	p := newTestProvider()

	stale, err := p.IsStale(context.Background(), t.TempDir(), "digest")
	require.Error(t, err)
	assert.True(t, stale)
}
