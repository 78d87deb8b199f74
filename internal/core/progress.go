package core

// LevelState is the transient state of one pipeline level.
type LevelState string

const (
	LevelPending   LevelState = "pending"
	LevelRunning   LevelState = "running"
	LevelCompleted LevelState = "completed"
	LevelSkipped   LevelState = "skipped"
	LevelFailed    LevelState = "failed"
)

// FinalLevel is the synthetic level key used for the consolidation step.
const FinalLevel = 0

// ProgressStatus is a transient per-run progress snapshot. It maps each
// level (plus the synthetic final level) to its state and carries a
// human-readable message. It is never persisted; it exists only while a run
// is active and briefly after completion.
type ProgressStatus struct {
	RunID   string               `json:"run_id"`
	Status  RunStatus            `json:"status"`
	Levels  map[int]LevelState   `json:"levels"`
	Message string               `json:"message"`
	Voices  map[string]RunStatus `json:"voices,omitempty"` // council children by run ID
}

// NewProgressStatus builds the initial snapshot for a run: enabled levels
// pending, disabled levels skipped, the final level pending.
func NewProgressStatus(runID string, levels LevelMap) ProgressStatus {
	states := make(map[int]LevelState, MaxLevel+1)
	for level := 1; level <= MaxLevel; level++ {
		if levels[level] {
			states[level] = LevelPending
		} else {
			states[level] = LevelSkipped
		}
	}
	states[FinalLevel] = LevelPending
	return ProgressStatus{
		RunID:  runID,
		Status: RunStatusRunning,
		Levels: states,
	}
}

// Clone returns a deep copy so subscribers never share mutable map state.
func (p ProgressStatus) Clone() ProgressStatus {
	out := p
	out.Levels = make(map[int]LevelState, len(p.Levels))
	for k, v := range p.Levels {
		out.Levels[k] = v
	}
	if p.Voices != nil {
		out.Voices = make(map[string]RunStatus, len(p.Voices))
		for k, v := range p.Voices {
			out.Voices[k] = v
		}
	}
	return out
}
