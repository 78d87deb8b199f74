package core

import "time"

// FileChange holds per-file change statistics for a captured diff.
type FileChange struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Status    string `json:"status"` // added, modified, deleted, renamed, untracked
}

// SkippedFile records a file excluded from a snapshot and why.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"` // binary, too_large
}

// DiffSnapshot is the immutable input an analysis run works against: the
// diff text for unstaged tracked changes plus untracked files, per-file
// stats, and a content digest for staleness checks. The digest is computed
// once at capture time and never recomputed as a side effect of a read.
type DiffSnapshot struct {
	ReviewID   string        `db:"review_id"`
	DiffText   string        `db:"diff_text"`
	Files      []FileChange  `db:"-"`
	Skipped    []SkippedFile `db:"-"`
	Digest     string        `db:"digest"`
	CapturedAt time.Time     `db:"captured_at"`
}
