package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/fetchkit/fetchd/archive"
	"github.com/fetchkit/fetchd/config"
	"github.com/fetchkit/fetchd/db"
	"github.com/fetchkit/fetchd/engine/ytdlp"
	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/logger"
	"github.com/fetchkit/fetchd/manager"
	"github.com/fetchkit/fetchd/server"
	"github.com/fetchkit/fetchd/store"
)

// ServeCmd starts the fetchd daemon
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server", "daemon"},
	Short:   "Start the fetchd daemon",
	Long: `Start the fetchd daemon: job manager, worker pool, and HTTP/WebSocket API.

Jobs persisted from previous runs are rehydrated at startup; jobs that were
mid-download when the daemon last stopped are marked failed and can be
retried.

The config file is watched while the daemon runs. Worker pool width and
retention changes apply without a restart.`,
	RunE: runServe,
}

var (
	servePort    int
	serveDataDir string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Data directory (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveDataDir != "" {
		cfg.Storage.DataDir = serveDataDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := store.New(cfg.Storage.DataDir, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open job store")
	}

	database, err := db.Open(cfg.GetArchivePath())
	if err != nil {
		return errors.Wrap(err, "failed to open archive database")
	}
	defer database.Close()
	history := archive.New(database, logger.Logger)

	eng := ytdlp.New(cfg.Engine.BinaryPath, logger.Logger)
	hooks := manager.NewHookRegistry(logger.Logger)
	bus := manager.NewBus(logger.Logger)

	mgr := manager.New(cfg, st, history, eng, hooks, bus, logger.Logger)
	if err := mgr.Start(); err != nil {
		return errors.Wrap(err, "failed to start job manager")
	}

	// Only an explicit config path is watched; merged discovery files have no
	// single inode to follow.
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			logger.Warnw("Config watching disabled", "error", err)
		} else {
			watcher.OnReload(mgr.ApplyConfig)
			defer watcher.Close()
		}
	}

	printStartupBanner(cfg)

	srv := server.New(cfg, mgr, history, logger.Logger)
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		mgr.Stop()
		return errors.Wrap(err, "server failed")

	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			err := srv.Stop()
			mgr.Stop()
			shutdownDone <- err
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Daemon stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
