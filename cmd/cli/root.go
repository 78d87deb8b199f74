package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "review-council",
	Short: "AI review council for pull requests and local changes",
	Long: `review-council runs one or more AI voices against a diff across up to
three escalating levels of scrutiny and consolidates their findings into a
single ordered set of suggestions.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(cancelCmd)
}
