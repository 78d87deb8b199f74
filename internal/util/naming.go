package util

import (
	"fmt"
	"regexp"
	"strings"
)

var dirNameRegexp = regexp.MustCompile("[^a-z0-9_-]+")

// WorktreeDirName builds a filesystem-safe directory name for a review's
// worktree from the repository name and the worktree identifier. The id
// suffix keeps names unique when two repositories share a basename.
func WorktreeDirName(repoName, id string) string {
	safe := strings.ToLower(strings.ReplaceAll(repoName, "/", "-"))
	safe = dirNameRegexp.ReplaceAllString(safe, "")
	if safe == "" {
		safe = "repo"
	}

	short := id
	if len(short) > 8 {
		short = short[:8]
	}

	name := fmt.Sprintf("%s-%s", safe, short)
	const maxDirNameLength = 128
	if len(name) > maxDirNameLength {
		name = name[:maxDirNameLength]
	}
	return name
}
