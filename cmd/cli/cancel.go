package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var flagServer string

// cancelCmd goes through the HTTP API because the run lives in the server
// process; an in-process engine here would know nothing about it.
var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cancellation of a running analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("%s/api/v1/runs/%s/cancel", strings.TrimSuffix(flagServer, "/"), args[0])
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach server: %w", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusAccepted:
			fmt.Println("cancellation requested; the run stops at its next checkpoint")
			return nil
		case http.StatusConflict:
			return fmt.Errorf("run %s is not running", args[0])
		default:
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("cancel failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
	},
}

func init() {
	cancelCmd.Flags().StringVar(&flagServer, "server", "http://localhost:8080", "review-council server base URL")
}
