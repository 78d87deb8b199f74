// Package app initializes and orchestrates the main components of the
// review-council service: configuration, storage, the orchestration engine,
// background sweeps, and the HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sevigo/review-council/internal/config"
	"github.com/sevigo/review-council/internal/db"
	"github.com/sevigo/review-council/internal/diffsnap"
	"github.com/sevigo/review-council/internal/github"
	"github.com/sevigo/review-council/internal/gitutil"
	"github.com/sevigo/review-council/internal/jobs"
	"github.com/sevigo/review-council/internal/orchestrator"
	"github.com/sevigo/review-council/internal/progress"
	"github.com/sevigo/review-council/internal/server"
	"github.com/sevigo/review-council/internal/server/handler"
	"github.com/sevigo/review-council/internal/storage"
	"github.com/sevigo/review-council/internal/voice"
	"github.com/sevigo/review-council/internal/worktree"
)

// App holds the main application components. The exported fields are the
// surface the CLI drives directly, without going through HTTP.
type App struct {
	Cfg         *config.Config
	Engine      *orchestrator.Engine
	Broadcaster *progress.Broadcaster
	Reviews     storage.ReviewStore
	Runs        storage.RunStore
	Suggestions storage.SuggestionStore
	Worktrees   *worktree.Manager
	Git         *gitutil.Client

	logger  *slog.Logger
	server  *server.Server
	sweeper *jobs.Sweeper
	closeDB func()

	cancelBase context.CancelFunc
}

// NewApp sets up the application with all its dependencies.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger.Info("initializing review-council",
		"database_url", cfg.DatabaseURL,
		"worktree_base", cfg.WorktreeBaseDir,
		"default_voice", cfg.DefaultVoice.Provider+"/"+cfg.DefaultVoice.Model,
	)

	database, closeDB, err := db.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	reviews := storage.NewReviewStore(database)
	runs := storage.NewRunStore(database)
	suggestions := storage.NewSuggestionStore(database)
	snapshots := storage.NewSnapshotStore(database)
	worktrees := storage.NewWorktreeStore(database)

	promptMgr, err := voice.NewPromptManager()
	if err != nil {
		closeDB()
		return nil, fmt.Errorf("failed to initialize prompt manager: %w", err)
	}
	runner := voice.NewRunner(promptMgr, cfg.VoiceBinaries, cfg.VoiceTimeout, logger)

	gitClient := gitutil.NewClient(logger)
	snapper := diffsnap.NewProvider(logger)
	broadcaster := progress.NewBroadcaster(logger)
	worktreeMgr := worktree.NewManager(gitClient, worktrees, cfg.WorktreeBaseDir, logger)

	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	engine := orchestrator.NewEngine(baseCtx, runs, suggestions, reviews, snapshots, snapper, runner, broadcaster, logger)

	sweeper := jobs.NewSweeper(runs, reviews, worktreeMgr,
		cfg.WatchdogWindow, cfg.WorktreeRetention, cfg.SweepInterval, logger)

	var githubClient github.Client
	if cfg.GitHubToken != "" {
		githubClient = github.NewClient(ctx, cfg.GitHubToken, logger)
	}

	deps := handler.Deps{
		Reviews:      reviews,
		Runs:         runs,
		Suggestions:  suggestions,
		Snapshots:    snapshots,
		Engine:       engine,
		Broadcaster:  broadcaster,
		Snapper:      snapper,
		Worktrees:    worktreeMgr,
		Git:          gitClient,
		GitHub:       githubClient,
		GitHubToken:  cfg.GitHubToken,
		DefaultVoice: cfg.DefaultVoice,
	}
	httpServer := server.NewServer(cfg.ServerPort, server.NewRouter(deps, logger), logger)

	logger.Info("review-council initialized successfully")
	return &App{
		Cfg:         cfg,
		Engine:      engine,
		Broadcaster: broadcaster,
		Reviews:     reviews,
		Runs:        runs,
		Suggestions: suggestions,
		Worktrees:   worktreeMgr,
		Git:         gitClient,
		logger:      logger,
		server:      httpServer,
		sweeper:     sweeper,
		closeDB:     closeDB,
		cancelBase:  cancelBase,
	}, nil
}

// Start launches the background sweeper and runs the HTTP server. It blocks
// until the server stops.
func (a *App) Start() error {
	a.sweeper.Start()

	if err := a.server.Start(); err != nil {
		a.logger.Error("failed to start HTTP server", "error", err)
		return err
	}
	return nil
}

// Stop shuts the application down cleanly: stop accepting requests, let
// in-flight analyses persist their terminal state, then stop the sweeps and
// close the store.
func (a *App) Stop() error {
	a.logger.Info("shutting down review-council")

	serverErr := a.server.Stop()
	if serverErr != nil {
		a.logger.Error("error during HTTP server shutdown", "error", serverErr)
	}

	a.cancelBase()
	a.Engine.Shutdown()
	a.sweeper.Stop()
	a.Broadcaster.CloseAll()

	a.logger.Info("closing database connection")
	a.closeDB()

	if serverErr != nil {
		return serverErr
	}
	a.logger.Info("review-council stopped successfully")
	return nil
}
