package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sevigo/review-council/internal/core"
)

// CouncilFileName is the per-repository council configuration file, read from
// the root of the working copy under review.
const CouncilFileName = ".review-council.yml"

var (
	ErrCouncilConfigNotFound = errors.New("council config file not found")
	ErrCouncilConfigParsing  = errors.New("council config parsing failed")
)

// councilFile is the on-disk shape: the council definition plus free-text
// instructions prepended to every analysis of the repository.
type councilFile struct {
	Council      core.CouncilConfig `yaml:"council"`
	Instructions string             `yaml:"instructions,omitempty"`
}

// LoadCouncilConfig loads and parses the .review-council.yml file from a
// repository path. A missing file is not an error shape the caller must stop
// on: it returns ErrCouncilConfigNotFound with a nil config, and the caller
// falls back to a single default voice.
func LoadCouncilConfig(repoPath string) (*core.CouncilConfig, string, error) {
	configPath := filepath.Join(repoPath, CouncilFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrCouncilConfigNotFound
		}
		return nil, "", fmt.Errorf("failed to read %s: %w", CouncilFileName, err)
	}

	var file councilFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrCouncilConfigParsing, err)
	}
	if err := file.Council.Validate(); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrCouncilConfigParsing, err)
	}
	return &file.Council, file.Instructions, nil
}
