// Package core defines the essential interfaces and data structures that form the
// backbone of the application. These components are designed to be abstract,
// allowing for flexible and decoupled implementations of the application's logic.
package core

import "time"

// ReviewKind distinguishes a remote pull-request review from a local
// working-copy session.
type ReviewKind string

const (
	ReviewKindPR    ReviewKind = "pr"
	ReviewKindLocal ReviewKind = "local"
)

// ReviewStatus is the lifecycle status of a review.
type ReviewStatus string

const (
	ReviewStatusDraft     ReviewStatus = "draft"
	ReviewStatusSubmitted ReviewStatus = "submitted"
)

// Review represents a single reviewable unit of change: either a remote pull
// request or a local working-copy session. It is created on first open and
// never auto-deleted.
type Review struct {
	ID            string       `db:"id"`
	RepoName      string       `db:"repo_name"`
	Kind          ReviewKind   `db:"kind"`
	WorkspacePath string       `db:"workspace_path"` // local kind only
	PRNumber      int          `db:"pr_number"`      // pr kind only; RepoName is owner/repo
	BaseSHA       string       `db:"base_sha"`       // commit the review was opened against
	Instructions  string       `db:"instructions"`
	Summary       string       `db:"summary"`
	Status        ReviewStatus `db:"status"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}
