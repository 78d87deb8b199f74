package voice

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sevigo/review-council/internal/core"
)

// structuredOutput is the single-blob response shape some providers emit
// instead of a line-delimited event stream.
type structuredOutput struct {
	Summary     string            `json:"summary"`
	Suggestions []core.Suggestion `json:"suggestions"`
}

// ParseResult extracts a structured result from a provider's raw output. It
// tolerates common quirks: output wrapped in ```json fences, prose before or
// after the JSON object, and a missing suggestions array.
func ParseResult(output string) (*core.VoiceResult, error) {
	cleaned := stripCodeFence(output)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object found in voice output")
	}

	var parsed structuredOutput
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode voice output: %w", err)
	}
	if parsed.Summary == "" && len(parsed.Suggestions) == 0 {
		return nil, fmt.Errorf("voice output contains neither summary nor suggestions")
	}

	return &core.VoiceResult{
		Summary:     parsed.Summary,
		Suggestions: parsed.Suggestions,
	}, nil
}

// stripCodeFence removes ```json ... ``` wrapping that some providers add
// around their output.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	idx := strings.Index(trimmed, "\n")
	if idx < 0 {
		return s
	}
	inner := trimmed[idx+1:]
	if lastFence := strings.LastIndex(inner, "```"); lastFence >= 0 {
		inner = inner[:lastFence]
	}
	return strings.TrimSpace(inner)
}
