// Code generated manually. DO NOT EDIT.

//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject
// +build !wireinject

package wire

import (
	"context"
	"fmt"

	"github.com/sevigo/review-council/internal/app"
	"github.com/sevigo/review-council/internal/config"
)

// InitializeApp creates and wires all application dependencies.
func InitializeApp(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logWriter := provideLogWriter(cfg)
	slogLogger := provideSlogLogger(cfg, logWriter)

	application, err := app.NewApp(ctx, cfg, slogLogger)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	return application, cleanup, nil
}
