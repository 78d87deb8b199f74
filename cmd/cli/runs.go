package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sevigo/review-council/internal/core"
	"github.com/sevigo/review-council/internal/wire"
)

var runsCmd = &cobra.Command{
	Use:   "runs <review-id>",
	Short: "List a review's analysis runs in display order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app services: %w", err)
		}
		defer cleanup()
		defer func() { _ = app.Stop() }()

		runs, err := app.Runs.GetByReviewID(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("no runs for this review")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "RUN\tKIND\tVOICE\tSTATUS\tSTARTED\tCOMPLETED\tFINDINGS")
		for _, run := range runs {
			id := run.ID
			if !run.IsParent() {
				id = "  " + id // children indent under their parent
			}
			voice := "-"
			if run.Provider != "" {
				voice = run.Provider + "/" + run.Model
			}
			completed := "-"
			if run.CompletedAt.Valid {
				completed = run.CompletedAt.Time.Format("15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				id, run.Kind, voice, colorRunStatus(run.Status),
				run.StartedAt.Format("15:04:05"), completed, run.TotalSuggestions)
		}
		return w.Flush()
	},
}

func colorRunStatus(status core.RunStatus) string {
	switch status {
	case core.RunStatusCompleted:
		return color.GreenString(string(status))
	case core.RunStatusRunning:
		return color.CyanString(string(status))
	case core.RunStatusFailed:
		return color.RedString(string(status))
	case core.RunStatusCancelled:
		return color.YellowString(string(status))
	default:
		return string(status)
	}
}
