// Package wire assembles the application's dependency graph.
package wire

import (
	"io"
	"log/slog"
	"os"

	"github.com/sevigo/review-council/internal/config"
	"github.com/sevigo/review-council/internal/logger"
)

func provideLogWriter(cfg *config.Config) io.Writer {
	switch cfg.Log.Output {
	case "stderr":
		return os.Stderr
	case "file":
		f, err := os.OpenFile("review-council.log", os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}

func provideSlogLogger(cfg *config.Config, writer io.Writer) *slog.Logger {
	return logger.NewLogger(cfg.Log, writer)
}
