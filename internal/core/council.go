package core

import "fmt"

// CouncilConfig describes a multi-voice analysis. It comes in two shapes:
// voice-centric (a shared voice list plus per-level enable flags) or
// level-centric (independent voice lists per level). Exactly one shape may
// be populated.
type CouncilConfig struct {
	// Voice-centric: every voice runs the same enabled levels.
	Voices []VoiceSpec `yaml:"voices,omitempty" json:"voices,omitempty"`
	Levels LevelMap    `yaml:"levels,omitempty" json:"levels,omitempty"`

	// Level-centric: each level has its own voice list. A level with no
	// voices is disabled.
	LevelVoices map[int][]VoiceSpec `yaml:"level_voices,omitempty" json:"level_voices,omitempty"`

	// Consolidator, when set, merges all children's final suggestions into
	// the parent run's set. Optional: with exactly one voice and no
	// consolidator, the single child's output is promoted directly.
	Consolidator *VoiceSpec `yaml:"consolidator,omitempty" json:"consolidator,omitempty"`
}

// IsLevelCentric reports which shape the config uses.
func (c *CouncilConfig) IsLevelCentric() bool {
	return len(c.LevelVoices) > 0
}

// Validate checks the structural rules: at least one level enabled, every
// voice fully specified, and a consolidator (if present) fully specified.
func (c *CouncilConfig) Validate() error {
	if len(c.Voices) > 0 && len(c.LevelVoices) > 0 {
		return fmt.Errorf("council config must be voice-centric or level-centric, not both")
	}

	switch {
	case c.IsLevelCentric():
		enabled := false
		for level, voices := range c.LevelVoices {
			if level < 1 || level > MaxLevel {
				return fmt.Errorf("invalid level %d in council config", level)
			}
			if len(voices) > 0 {
				enabled = true
			}
			for _, v := range voices {
				if err := v.Validate(); err != nil {
					return fmt.Errorf("level %d: %w", level, err)
				}
			}
		}
		if !enabled {
			return fmt.Errorf("council config enables no levels")
		}
	case len(c.Voices) > 0:
		if len(c.Levels.EnabledLevels()) == 0 {
			return fmt.Errorf("council config enables no levels")
		}
		for _, v := range c.Voices {
			if err := v.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("council config has no voices")
	}

	if c.Consolidator != nil {
		if err := c.Consolidator.Validate(); err != nil {
			return fmt.Errorf("consolidation voice: %w", err)
		}
	}
	return nil
}

// VoiceSet flattens the config into the distinct voices to launch, each with
// the levels it should run. Order is deterministic: declaration order for
// voice-centric configs, level order then declaration order for
// level-centric ones.
func (c *CouncilConfig) VoiceSet() []CouncilVoice {
	if !c.IsLevelCentric() {
		out := make([]CouncilVoice, 0, len(c.Voices))
		for i, v := range c.Voices {
			out = append(out, CouncilVoice{Index: i, Spec: v, Levels: c.Levels})
		}
		return out
	}

	var out []CouncilVoice
	index := make(map[VoiceSpec]int)
	for level := 1; level <= MaxLevel; level++ {
		for _, v := range c.LevelVoices[level] {
			if i, ok := index[v]; ok {
				out[i].Levels[level] = true
				continue
			}
			index[v] = len(out)
			out = append(out, CouncilVoice{
				Index: len(out),
				Spec:  v,
				Levels: LevelMap{
					level: true,
				},
			})
		}
	}
	return out
}

// CouncilVoice is one launched participant: a voice plus its enabled levels.
// Index preserves declaration order for deterministic consolidation
// tie-breaks.
type CouncilVoice struct {
	Index  int
	Spec   VoiceSpec
	Levels LevelMap
}
