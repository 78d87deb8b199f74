package core

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunKind is the configuration kind of an analysis run.
type RunKind string

const (
	RunKindSingle  RunKind = "single"
	RunKindCouncil RunKind = "council"
)

// RunStatus is the state-machine status of an analysis run. Transitions are
// monotonic: running moves to exactly one terminal state and never reverses.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// MaxLevel is the deepest scrutiny level a pipeline can run.
const MaxLevel = 3

// LevelMap maps a scrutiny level (1-3) to whether it is enabled for a run.
// It round-trips through the database as JSON.
type LevelMap map[int]bool

// Value implements driver.Valuer.
func (m LevelMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal level map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *LevelMap) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = LevelMap{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported level map source type %T", src)
	}
}

// EnabledLevels returns the enabled levels in increasing order.
func (m LevelMap) EnabledLevels() []int {
	var out []int
	for level := 1; level <= MaxLevel; level++ {
		if m[level] {
			out = append(out, level)
		}
	}
	return out
}

// AnalysisRun is one execution of the orchestration engine, single-voice or
// council. A council parent has no voice of its own (Provider/Model/Tier are
// empty) and its children carry its ID as ParentRunID. A child never has
// children of its own.
type AnalysisRun struct {
	ID               string         `db:"id"`
	ReviewID         string         `db:"review_id"`
	ParentRunID      sql.NullString `db:"parent_run_id"`
	Kind             RunKind        `db:"kind"`
	Provider         string         `db:"provider"`
	Model            string         `db:"model"`
	Tier             string         `db:"tier"`
	Levels           LevelMap       `db:"levels"`
	RepoInstructions string         `db:"repo_instructions"`
	RunInstructions  string         `db:"run_instructions"`
	CommitSHA        string         `db:"commit_sha"`
	Status           RunStatus      `db:"status"`
	StartedAt        time.Time      `db:"started_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
	FilesAnalyzed    int            `db:"files_analyzed"`
	TotalSuggestions int            `db:"total_suggestions"`
	Summary          string         `db:"summary"`
}

// IsParent reports whether the run is a top-level run.
func (r *AnalysisRun) IsParent() bool {
	return !r.ParentRunID.Valid
}

// Outcome classifies how a pipeline or voice finished. Cancellation is a
// first-class variant, never folded into failure.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

// Status maps an outcome to the run status it persists as.
func (o Outcome) Status() RunStatus {
	switch o {
	case OutcomeFailed:
		return RunStatusFailed
	case OutcomeCancelled:
		return RunStatusCancelled
	default:
		return RunStatusCompleted
	}
}

// PipelineResult is the terminal result of one voice's level pipeline.
type PipelineResult struct {
	Outcome     Outcome
	Suggestions []Suggestion
	Summary     string
	Err         error
}

// ErrRunCancelled marks a cooperative cancellation. Callers must treat it as
// a distinct outcome, not an error to report.
var ErrRunCancelled = errors.New("analysis run cancelled")

// ErrRunNotFound is returned by the run registry for unknown identifiers.
var ErrRunNotFound = errors.New("analysis run not found")

// ErrRunNotRunning is returned when a terminal run receives an update or a
// cancel request.
var ErrRunNotRunning = errors.New("analysis run is not running")
