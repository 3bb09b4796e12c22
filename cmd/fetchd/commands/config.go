package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fetchkit/fetchd/config"
)

// ConfigCmd shows the resolved configuration
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	Long: `Show the configuration the daemon would run with, after merging defaults,
discovered fetchd.toml files, and FETCHD_ environment variables.

Example:
  fetchd config
  fetchd --config /etc/fetchd/fetchd.toml config`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		fmt.Printf("[server]\n")
		fmt.Printf("port            = %d\n", cfg.Server.Port)
		fmt.Printf("allowed_origins = %v\n", cfg.Server.AllowedOrigins)
		fmt.Printf("\n[storage]\n")
		fmt.Printf("data_dir     = %q\n", cfg.Storage.DataDir)
		fmt.Printf("archive_path = %q\n", cfg.GetArchivePath())
		fmt.Printf("\n[jobs]\n")
		fmt.Printf("max_concurrent             = %d\n", cfg.Jobs.MaxConcurrent)
		fmt.Printf("retention_hours            = %d\n", cfg.Jobs.RetentionHours)
		fmt.Printf("cancel_grace_seconds       = %d\n", cfg.Jobs.CancelGraceSeconds)
		fmt.Printf("progress_events_per_second = %g\n", cfg.Jobs.ProgressEventsPerSecond)
		fmt.Printf("log_lines                  = %d\n", cfg.Jobs.LogLines)
		fmt.Printf("\n[engine]\n")
		fmt.Printf("binary_path          = %q\n", cfg.Engine.BinaryPath)
		fmt.Printf("output_dir           = %q\n", cfg.GetEngineOutputDir())
		fmt.Printf("format               = %q\n", cfg.Engine.Format)
		fmt.Printf("concurrent_fragments = %d\n", cfg.Engine.ConcurrentFragments)
		fmt.Printf("rate_limit_mbps      = %g\n", cfg.Engine.RateLimitMBps)
		if cfg.Engine.ExtraArgs != "" {
			fmt.Printf("extra_args           = %q\n", cfg.Engine.ExtraArgs)
		}
		return nil
	},
}
