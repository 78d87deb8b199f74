package voice

import (
	"bytes"
	"embed"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed prompts/*.prompt
var promptFiles embed.FS

// PromptKey selects a prompt tier template.
type PromptKey string

const (
	// Level1Prompt is the lightweight scan tier.
	Level1Prompt PromptKey = "level1"
	// Level2Prompt is the deeper review tier.
	Level2Prompt PromptKey = "level2"
	// Level3Prompt is the deepest review tier.
	Level3Prompt PromptKey = "level3"
	// ConsolidatePrompt merges and deduplicates prior findings.
	ConsolidatePrompt PromptKey = "consolidate"

	defaultProvider = "default"
)

// PromptForLevel maps a pipeline level to its prompt tier.
func PromptForLevel(level int) PromptKey {
	switch level {
	case 1:
		return Level1Prompt
	case 2:
		return Level2Prompt
	case 3:
		return Level3Prompt
	default:
		return ConsolidatePrompt
	}
}

// PromptManager loads the embedded prompt templates, keyed by tier and
// provider. Files are named 'key_provider.prompt'; the 'default' provider is
// the fallback when no provider-specific template exists.
type PromptManager struct {
	prompts map[PromptKey]map[string]*template.Template
}

// NewPromptManager parses all embedded prompt files.
func NewPromptManager() (*PromptManager, error) {
	pm := &PromptManager{
		prompts: make(map[PromptKey]map[string]*template.Template),
	}

	files, err := promptFiles.ReadDir("prompts")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded prompts directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		fileName := file.Name()
		baseName := strings.TrimSuffix(fileName, filepath.Ext(fileName))
		lastUnderscore := strings.LastIndex(baseName, "_")
		if lastUnderscore <= 0 || lastUnderscore == len(baseName)-1 {
			return nil, fmt.Errorf("invalid prompt filename format: %s (expected 'key_provider.prompt')", fileName)
		}

		key := PromptKey(baseName[:lastUnderscore])
		provider := baseName[lastUnderscore+1:]

		content, err := promptFiles.ReadFile("prompts/" + fileName)
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded prompt file %s: %w", fileName, err)
		}

		tmpl, err := template.New(baseName).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("could not parse prompt template %s: %w", fileName, err)
		}
		if _, ok := pm.prompts[key]; !ok {
			pm.prompts[key] = make(map[string]*template.Template)
		}
		pm.prompts[key][provider] = tmpl
	}

	return pm, nil
}

// Render executes the template for the given tier and provider, falling back
// to the default provider template.
func (pm *PromptManager) Render(key PromptKey, provider string, data any) (string, error) {
	tierPrompts, ok := pm.prompts[key]
	if !ok {
		return "", fmt.Errorf("no prompts found for tier %q", key)
	}
	tmpl, ok := tierPrompts[provider]
	if !ok {
		tmpl, ok = tierPrompts[defaultProvider]
		if !ok {
			return "", fmt.Errorf("no template for tier %q and provider %q, and no default available", key, provider)
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt template: %w", err)
	}
	return buf.String(), nil
}
