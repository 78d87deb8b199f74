//go:build wireinject
// +build wireinject

package wire

import (
	"context"

	"github.com/google/wire"

	"github.com/sevigo/review-council/internal/app"
	"github.com/sevigo/review-council/internal/config"
)

func InitializeApp(ctx context.Context) (*app.App, func(), error) {
	wire.Build(
		app.NewApp,
		config.LoadConfig,
		provideLogWriter,
		provideSlogLogger,
	)
	return &app.App{}, nil, nil
}
