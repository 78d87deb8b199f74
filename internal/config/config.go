// Package config loads service configuration from environment variables and
// per-repository council files.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/sevigo/review-council/internal/core"
	"github.com/sevigo/review-council/internal/logger"
)

// Config holds the application's configuration values.
type Config struct {
	ServerPort  string
	DatabaseURL string
	Log         logger.Config

	WorktreeBaseDir   string
	WorktreeRetention time.Duration
	WatchdogWindow    time.Duration
	SweepInterval     time.Duration

	VoiceTimeout time.Duration
	// VoiceBinaries maps a provider name to the CLI binary invoked for it.
	VoiceBinaries map[string]string
	DefaultVoice  core.VoiceSpec

	GitHubToken string
}

// LoadConfig reads configuration from environment variables and a .env file,
// sets sensible defaults, and validates required fields. It uses the Viper
// library to handle configuration loading and precedence.
func LoadConfig() (*Config, error) {
	viper.SetConfigFile(".env")

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("DATABASE_URL", "review-council.db")
	viper.SetDefault("WORKTREE_BASE_DIR", ".review-council/worktrees")
	viper.SetDefault("WORKTREE_RETENTION", "72h")
	viper.SetDefault("WATCHDOG_WINDOW", "30m")
	viper.SetDefault("SWEEP_INTERVAL", "1m")
	viper.SetDefault("VOICE_TIMEOUT", "10m")
	viper.SetDefault("DEFAULT_VOICE_PROVIDER", "claude")
	viper.SetDefault("DEFAULT_VOICE_MODEL", "claude-sonnet-4-5")
	viper.SetDefault("DEFAULT_VOICE_TIER", "")
	viper.SetDefault("CLAUDE_BINARY", "claude")
	viper.SetDefault("CODEX_BINARY", "codex")
	viper.SetDefault("GEMINI_BINARY", "gemini")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		ServerPort:  viper.GetString("SERVER_PORT"),
		DatabaseURL: viper.GetString("DATABASE_URL"),
		Log: logger.Config{
			Level:  viper.GetString("LOG_LEVEL"),
			Format: viper.GetString("LOG_FORMAT"),
			Output: viper.GetString("LOG_OUTPUT"),
		},
		WorktreeBaseDir:   viper.GetString("WORKTREE_BASE_DIR"),
		WorktreeRetention: viper.GetDuration("WORKTREE_RETENTION"),
		WatchdogWindow:    viper.GetDuration("WATCHDOG_WINDOW"),
		SweepInterval:     viper.GetDuration("SWEEP_INTERVAL"),
		VoiceTimeout:      viper.GetDuration("VOICE_TIMEOUT"),
		VoiceBinaries: map[string]string{
			"claude": viper.GetString("CLAUDE_BINARY"),
			"codex":  viper.GetString("CODEX_BINARY"),
			"gemini": viper.GetString("GEMINI_BINARY"),
		},
		DefaultVoice: core.VoiceSpec{
			Provider: viper.GetString("DEFAULT_VOICE_PROVIDER"),
			Model:    viper.GetString("DEFAULT_VOICE_MODEL"),
			Tier:     viper.GetString("DEFAULT_VOICE_TIER"),
		},
		GitHubToken: viper.GetString("GITHUB_TOKEN"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.WatchdogWindow <= 0 {
		return nil, fmt.Errorf("WATCHDOG_WINDOW must be positive")
	}
	if err := cfg.DefaultVoice.Validate(); err != nil {
		return nil, fmt.Errorf("default voice: %w", err)
	}
	return cfg, nil
}
