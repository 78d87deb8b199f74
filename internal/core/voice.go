package core

import (
	"context"
	"fmt"
)

// VoiceSpec identifies one configured analysis participant: a provider, a
// model, and a prompt tier.
type VoiceSpec struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
	Tier     string `yaml:"tier,omitempty" json:"tier,omitempty"`
}

// Validate checks that the voice names both a provider and a model.
func (v VoiceSpec) Validate() error {
	if v.Provider == "" {
		return fmt.Errorf("voice is missing a provider")
	}
	if v.Model == "" {
		return fmt.Errorf("voice %q is missing a model", v.Provider)
	}
	return nil
}

// VoiceEventKind classifies a streamed event from a running voice.
type VoiceEventKind string

const (
	VoiceEventProgress   VoiceEventKind = "progress"
	VoiceEventSuggestion VoiceEventKind = "suggestion"
	VoiceEventSummary    VoiceEventKind = "summary"
)

// VoiceEvent is one streamed progress event emitted by a voice subprocess.
type VoiceEvent struct {
	Kind       VoiceEventKind `json:"kind"`
	Message    string         `json:"message,omitempty"`
	Suggestion *Suggestion    `json:"suggestion,omitempty"`
	Summary    string         `json:"summary,omitempty"`
}

// VoiceRequest is the input for one voice invocation at one level.
type VoiceRequest struct {
	Voice        VoiceSpec
	Level        int    // 1-3, or FinalLevel for consolidation
	Diff         string // snapshot diff text
	Files        []FileChange
	Instructions string       // repo + request instructions, already merged
	PriorContext []Suggestion // previous level's (or children's) findings
	// Workdir, when set, is the isolated worktree the subprocess runs in so
	// it can read full file context without the user's edits moving under it.
	Workdir string
	// Events, when non-nil, receives streamed progress events. The runner
	// never blocks on it; a slow consumer loses events rather than stalling
	// the subprocess.
	Events chan<- VoiceEvent
}

// VoiceResult is the terminal output of one voice invocation.
type VoiceResult struct {
	Suggestions   []Suggestion
	Summary       string
	FilesAnalyzed int
}

// VoiceRunner invokes one configured AI provider/model as a subprocess
// against a diff snapshot and a prompt tier. Failures surface as a typed
// *VoiceError; cooperative cancellation surfaces as ErrRunCancelled.
type VoiceRunner interface {
	Run(ctx context.Context, req VoiceRequest) (*VoiceResult, error)
}

// VoiceError is a typed failure of a single provider invocation. It carries
// the voice identity so sibling voices can keep running while the failure is
// reported against the right child run.
type VoiceError struct {
	Provider string
	Model    string
	Level    int
	Err      error
}

func (e *VoiceError) Error() string {
	return fmt.Sprintf("voice %s/%s failed at level %d: %v", e.Provider, e.Model, e.Level, e.Err)
}

func (e *VoiceError) Unwrap() error { return e.Err }
