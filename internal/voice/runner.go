// Package voice invokes configured AI providers as subprocesses and parses
// their streamed output into structured review results.
package voice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/sevigo/review-council/internal/core"
)

// maxScanTokenSize bounds a single streamed output line. Providers sometimes
// emit very long suggestion bodies on one line.
const maxScanTokenSize = 4 << 20

// promptData is the template input for all tiers.
type promptData struct {
	Diff          string
	Files         []core.FileChange
	Instructions  string
	PriorFindings string
}

// Runner executes one voice invocation as a subprocess. The provider name
// maps to a binary (overridable via Binaries); the prompt is written to
// stdin and newline-delimited JSON events are read from stdout.
type Runner struct {
	prompts *PromptManager
	logger  *slog.Logger

	// Binaries maps a provider name to the executable to invoke. An
	// unmapped provider uses its own name as the binary.
	Binaries map[string]string
	// Timeout bounds one invocation; zero means no extra bound beyond the
	// caller's context.
	Timeout time.Duration
}

// NewRunner creates a subprocess-backed voice runner.
func NewRunner(prompts *PromptManager, binaries map[string]string, timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		prompts:  prompts,
		logger:   logger,
		Binaries: binaries,
		Timeout:  timeout,
	}
}

var _ core.VoiceRunner = (*Runner)(nil)

// Run invokes the voice against the request's diff and prompt tier. Context
// cancellation surfaces as core.ErrRunCancelled; provider failures surface
// as a typed *core.VoiceError, never a bare exit code.
func (r *Runner) Run(ctx context.Context, req core.VoiceRequest) (*core.VoiceResult, error) {
	if err := req.Voice.Validate(); err != nil {
		return nil, &core.VoiceError{Provider: req.Voice.Provider, Model: req.Voice.Model, Level: req.Level, Err: err}
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	prompt, err := r.prompts.Render(PromptForLevel(req.Level), req.Voice.Provider, promptData{
		Diff:          req.Diff,
		Files:         req.Files,
		Instructions:  req.Instructions,
		PriorFindings: renderFindings(req.PriorContext),
	})
	if err != nil {
		return nil, &core.VoiceError{Provider: req.Voice.Provider, Model: req.Voice.Model, Level: req.Level, Err: err}
	}

	binary := r.Binaries[req.Voice.Provider]
	if binary == "" {
		binary = req.Voice.Provider
	}
	args := []string{"--model", req.Voice.Model, "--output-format", "stream-json"}
	if req.Voice.Tier != "" {
		args = append(args, "--tier", req.Voice.Tier)
	}

	r.logger.Info("invoking voice",
		"provider", req.Voice.Provider,
		"model", req.Voice.Model,
		"level", req.Level,
	)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = req.Workdir
	cmd.Stdin = strings.NewReader(prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &core.VoiceError{Provider: req.Voice.Provider, Model: req.Voice.Model, Level: req.Level, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &core.VoiceError{Provider: req.Voice.Provider, Model: req.Voice.Model, Level: req.Level,
			Err: fmt.Errorf("failed to start %s: %w", binary, err)}
	}

	result, raw := r.consumeStream(stdout, req)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		// The subprocess was torn down by cancellation or timeout; report
		// the cooperative outcome, not the process exit.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &core.VoiceError{Provider: req.Voice.Provider, Model: req.Voice.Model, Level: req.Level,
				Err: fmt.Errorf("voice timed out: %w", ctx.Err())}
		}
		return nil, core.ErrRunCancelled
	}
	if waitErr != nil {
		return nil, &core.VoiceError{Provider: req.Voice.Provider, Model: req.Voice.Model, Level: req.Level,
			Err: fmt.Errorf("%s: %s: %w", binary, strings.TrimSpace(stderr.String()), waitErr)}
	}

	// Providers that cannot stream dump one structured blob instead; fall
	// back to parsing the accumulated output.
	if len(result.Suggestions) == 0 && result.Summary == "" {
		parsed, err := ParseResult(raw)
		if err != nil {
			return nil, &core.VoiceError{Provider: req.Voice.Provider, Model: req.Voice.Model, Level: req.Level,
				Err: fmt.Errorf("unparseable voice output: %w", err)}
		}
		result = parsed
	}

	result.FilesAnalyzed = len(req.Files)
	return result, nil
}

// consumeStream reads newline-delimited JSON events, forwarding them to the
// request's event channel without ever blocking on a slow consumer.
func (r *Runner) consumeStream(stdout io.Reader, req core.VoiceRequest) (*core.VoiceResult, string) {
	result := &core.VoiceResult{}
	var raw strings.Builder

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		line := scanner.Text()
		raw.WriteString(line)
		raw.WriteString("\n")

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		var event core.VoiceEvent
		if err := json.Unmarshal([]byte(trimmed), &event); err != nil || event.Kind == "" {
			// Plain text from the provider still counts as progress.
			event = core.VoiceEvent{Kind: core.VoiceEventProgress, Message: trimmed}
		}

		switch event.Kind {
		case core.VoiceEventSuggestion:
			if event.Suggestion != nil {
				result.Suggestions = append(result.Suggestions, *event.Suggestion)
			}
		case core.VoiceEventSummary:
			result.Summary = event.Summary
		}

		if req.Events != nil {
			select {
			case req.Events <- event:
			default:
			}
		}
	}
	return result, raw.String()
}

// renderFindings flattens prior suggestions into prompt context.
func renderFindings(suggestions []core.Suggestion) string {
	if len(suggestions) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range suggestions {
		fmt.Fprintf(&b, "- [%s:%d-%d] (%s, confidence %.2f) %s: %s\n",
			s.FilePath, s.StartLine, s.EndLine, s.Category, s.Confidence, s.Title, s.Body)
	}
	return b.String()
}
