package commands

import (
	"fmt"

	"github.com/fetchkit/fetchd/config"
	"github.com/fetchkit/fetchd/internal/version"
)

// printStartupBanner prints the user-facing startup message
func printStartupBanner(cfg *config.Config) {
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	info := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔══════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                              ║\n")
	fmt.Printf("   ║   ███████ ███████ ████████  ██████ ██   ██   ║\n")
	fmt.Printf("   ║   ██      ██         ██    ██      ██   ██   ║\n")
	fmt.Printf("   ║   █████   █████      ██    ██      ███████   ║\n")
	fmt.Printf("   ║   ██      ██         ██    ██      ██   ██   ║\n")
	fmt.Printf("   ║   ██      ███████    ██     ██████ ██   ██   ║\n")
	fmt.Printf("   ║                                              ║\n")
	fmt.Printf("   ║          download job manager daemon         ║\n")
	fmt.Printf("   ║                                              ║\n")
	fmt.Printf("   ╚══════════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ fetchd ────────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:  %s (commit %s)\n", green, reset, info.Version, info.Short())
	fmt.Printf("%s│%s Built:    %s\n", green, reset, info.BuildTime)
	fmt.Printf("%s│%s Port:     %d\n", green, reset, cfg.Server.Port)
	fmt.Printf("%s│%s Data:     %s\n", green, reset, cfg.Storage.DataDir)
	fmt.Printf("%s│%s Engine:   %s\n", green, reset, cfg.Engine.BinaryPath)
	fmt.Printf("%s│%s Workers:  %d\n", green, reset, cfg.Jobs.MaxConcurrent)
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%s✨ API at http://localhost:%d/api, events at /ws%s\n", yellow, bold, cfg.Server.Port, reset)
	fmt.Printf("%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}
