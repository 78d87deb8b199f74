package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	appPkg "github.com/sevigo/review-council/internal/app"
	"github.com/sevigo/review-council/internal/config"
	"github.com/sevigo/review-council/internal/core"
	"github.com/sevigo/review-council/internal/orchestrator"
	"github.com/sevigo/review-council/internal/storage"
	"github.com/sevigo/review-council/internal/wire"
)

var (
	flagProvider     string
	flagModel        string
	flagTier         string
	flagSkipLevel3   bool
	flagInstructions string
)

var reviewCmd = &cobra.Command{
	Use:   "review [path]",
	Short: "Analyze the uncommitted changes in a working copy",
	Long: `Opens a review on a local working copy, snapshots its uncommitted
changes, and runs the analysis. With a .review-council.yml in the repository
root, the configured council of voices runs; otherwise a single default voice.
Press Ctrl-C to cancel at the next level boundary.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReview,
}

func init() {
	reviewCmd.Flags().StringVar(&flagProvider, "provider", "", "voice provider (overrides config)")
	reviewCmd.Flags().StringVar(&flagModel, "model", "", "voice model (overrides config)")
	reviewCmd.Flags().StringVar(&flagTier, "tier", "", "voice prompt tier")
	reviewCmd.Flags().BoolVar(&flagSkipLevel3, "skip-level3", false, "skip the deepest review pass")
	reviewCmd.Flags().StringVar(&flagInstructions, "instructions", "", "extra instructions for this analysis")
}

func runReview(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	path := "."
	if len(args) == 1 {
		path = args[0]
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	app, cleanup, err := wire.InitializeApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize app services: %w", err)
	}
	defer cleanup()
	defer func() { _ = app.Stop() }()

	headSHA, err := app.Git.HeadSHA(ctx, path)
	if err != nil {
		return fmt.Errorf("%s is not a git working copy: %w", path, err)
	}

	review := &core.Review{
		ID:            uuid.NewString(),
		RepoName:      filepath.Base(path),
		Kind:          core.ReviewKindLocal,
		WorkspacePath: path,
		BaseSHA:       headSHA,
		Status:        core.ReviewStatusDraft,
	}
	if err := app.Reviews.Create(ctx, review); err != nil {
		return fmt.Errorf("failed to open review: %w", err)
	}
	fmt.Printf("review %s opened on %s (HEAD %.8s)\n", review.ID, path, headSHA)

	runCfg, err := buildRunConfig(path)
	if err != nil {
		return err
	}

	if workdir, wtErr := app.Worktrees.Ensure(ctx, review); wtErr == nil {
		runCfg.Workdir = workdir
	}

	runID, err := app.Engine.Start(ctx, review, runCfg)
	if err != nil {
		return fmt.Errorf("failed to start analysis: %w", err)
	}
	fmt.Printf("analysis run %s started\n\n", runID)

	events, unsubscribe := app.Broadcaster.Subscribe(runID)
	defer unsubscribe()

	// Ctrl-C requests cooperative cancellation; the run stops at its next
	// level or voice checkpoint and persists as cancelled.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	final := watchProgress(ctx, app.Engine, runID, events, interrupt)
	printOutcome(ctx, app, review.ID, runID, final)
	return nil
}

// buildRunConfig decides between the repo's configured council and a single
// voice assembled from flags and defaults.
func buildRunConfig(path string) (orchestrator.RunConfig, error) {
	cfg := orchestrator.RunConfig{Instructions: flagInstructions}

	council, repoInstructions, err := config.LoadCouncilConfig(path)
	switch {
	case err == nil:
		cfg.Kind = core.RunKindCouncil
		cfg.Council = council
		if repoInstructions != "" && cfg.Instructions == "" {
			cfg.Instructions = repoInstructions
		}
		return cfg, nil
	case errors.Is(err, config.ErrCouncilConfigNotFound):
		// Fall through to a single voice.
	default:
		return cfg, err
	}

	appCfg, err := config.LoadConfig()
	if err != nil {
		return cfg, err
	}
	voice := appCfg.DefaultVoice
	if flagProvider != "" {
		voice.Provider = flagProvider
	}
	if flagModel != "" {
		voice.Model = flagModel
	}
	if flagTier != "" {
		voice.Tier = flagTier
	}

	levels := core.LevelMap{}
	for level := 1; level <= core.MaxLevel; level++ {
		levels[level] = true
	}
	if flagSkipLevel3 {
		levels[core.MaxLevel] = false
	}

	cfg.Kind = core.RunKindSingle
	cfg.Voice = voice
	cfg.Levels = levels
	return cfg, nil
}

// watchProgress renders progress snapshots until the run reaches a terminal
// state, forwarding interrupts as cancellation requests.
func watchProgress(
	ctx context.Context,
	engine *orchestrator.Engine,
	runID string,
	events <-chan core.ProgressStatus,
	interrupt <-chan os.Signal,
) core.RunStatus {
	for {
		select {
		case <-interrupt:
			fmt.Println(color.YellowString("cancellation requested, stopping at next checkpoint..."))
			if err := engine.Cancel(runID); err != nil {
				fmt.Println(color.RedString("cancel failed: %v", err))
			}
		case <-ctx.Done():
			return core.RunStatusCancelled
		case status, open := <-events:
			if !open {
				return core.RunStatusCompleted
			}
			printStatus(status)
			if status.Status.IsTerminal() {
				return status.Status
			}
		}
	}
}

func printStatus(status core.ProgressStatus) {
	levels := make([]int, 0, len(status.Levels))
	for level := range status.Levels {
		if level != core.FinalLevel {
			levels = append(levels, level)
		}
	}
	sort.Ints(levels)

	line := ""
	for _, level := range levels {
		line += fmt.Sprintf("L%d:%s ", level, colorState(status.Levels[level]))
	}
	line += fmt.Sprintf("final:%s", colorState(status.Levels[core.FinalLevel]))
	if status.Message != "" {
		line += "  " + status.Message
	}
	fmt.Println(line)
}

func colorState(state core.LevelState) string {
	switch state {
	case core.LevelCompleted:
		return color.GreenString(string(state))
	case core.LevelRunning:
		return color.CyanString(string(state))
	case core.LevelFailed:
		return color.RedString(string(state))
	case core.LevelSkipped:
		return color.HiBlackString(string(state))
	default:
		return string(state)
	}
}

func printOutcome(ctx context.Context, app *appPkg.App, reviewID, runID string, status core.RunStatus) {
	fmt.Println()
	switch status {
	case core.RunStatusCancelled:
		fmt.Println(color.YellowString("analysis cancelled"))
		return
	case core.RunStatusFailed:
		fmt.Println(color.RedString("analysis failed"))
		if run, err := app.Runs.GetByID(ctx, runID); err == nil && run.Summary != "" {
			fmt.Println(run.Summary)
		}
		return
	}

	run, err := app.Runs.GetByID(ctx, runID)
	if err == nil && run.Summary != "" {
		fmt.Println(color.New(color.Bold).Sprint("Summary"))
		fmt.Println(run.Summary)
		fmt.Println()
	}

	suggestions, err := app.Suggestions.ListByReview(ctx, reviewID, storage.SuggestionFilter{
		RunID:     runID,
		FinalOnly: true,
	})
	if err != nil {
		fmt.Println(color.RedString("failed to load suggestions: %v", err))
		return
	}
	if len(suggestions) == 0 {
		fmt.Println(color.GreenString("no findings"))
		return
	}

	fmt.Printf("%s (%d)\n", color.New(color.Bold).Sprint("Findings"), len(suggestions))
	for _, s := range suggestions {
		fmt.Printf("%s %s:%d-%d %s\n  %s\n",
			color.CyanString("[%s]", s.Category),
			s.FilePath, s.StartLine, s.EndLine,
			color.New(color.Bold).Sprint(s.Title),
			s.Body,
		)
	}
}
