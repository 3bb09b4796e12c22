package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fetchkit/fetchd/cmd/fetchd/commands"
	"github.com/fetchkit/fetchd/logger"
)

var rootCmd = &cobra.Command{
	Use:   "fetchd",
	Short: "fetchd - download job manager",
	Long: `fetchd - a daemon that manages media download jobs.

fetchd wraps an external extraction engine (yt-dlp by default) behind a
persistent job queue with a REST/WebSocket API. Jobs survive restarts,
playlists track per-entry state, and a bounded worker pool keeps load
predictable.

Available commands:
  serve   - Start the fetchd daemon
  jobs    - Inspect and control jobs on a running daemon
  history - Browse archived jobs
  config  - Show the resolved configuration
  version - Show build information

Examples:
  fetchd serve                                 # start the daemon
  fetchd jobs add https://example.com/v/123    # submit a download
  fetchd jobs ls --status running              # list running jobs
  fetchd jobs cancel dl_abc123 --reason "oops" # cancel a job`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of human-readable console output")
	rootCmd.PersistentFlags().String("config", "", "Path to fetchd.toml (default: search upward from the working directory, then the user config directory)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.HistoryCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
