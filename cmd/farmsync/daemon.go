package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/grazelabs/farmsync/internal/logging"
	"github.com/grazelabs/farmsync/internal/offline/bridge"
	"github.com/grazelabs/farmsync/internal/offline/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync coordinator",
	Long: `Run the sync coordinator until interrupted.

The daemon:
  1. Serves the WebSocket bridge for foreground contexts
  2. Watches the signals directory for platform wake markers
  3. Drains the pending-write queue on wake signals and on a periodic timer
  4. Pulls fresh records behind per-table checkpoints`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New("daemon", logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})

		st, cm, client, err := openStack(logger)
		if err != nil {
			return err
		}
		defer st.Close()

		coordConfig := daemon.DefaultConfig(cfg.Scope)
		coordConfig.Cooldown = cfg.Sync.Cooldown
		coordConfig.WakeSchedule = cfg.Sync.WakeSchedule
		coordConfig.CheckpointMaxAge = cfg.Sync.CheckpointMaxAge
		coordConfig.Logger = logger

		coord, err := daemon.New(cm, client, coordConfig)
		if err != nil {
			return err
		}

		// WebSocket bridge: full duplex when an address is configured.
		if cfg.Bridge.Addr != "" {
			server := bridge.NewServer(&bridge.ServerConfig{
				Addr:   cfg.Bridge.Addr,
				Status: cm.Status,
				Logger: logger,
			})
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start bridge: %w", err)
			}
			defer server.Stop()
			coord.AttachBus(server)
		}

		// Signal-file bridge: best effort, skipped when unavailable.
		signalsDir := cfg.Bridge.SignalsDir
		if signalsDir == "" {
			signalsDir = filepath.Join(cfg.DataDir, "signals")
		}
		if watcher, err := bridge.NewSignalWatcher(signalsDir, logger); err != nil {
			logger.Printf("Signal-file transport unavailable: %v", err)
		} else {
			if err := watcher.Start(); err != nil {
				logger.Printf("Signal-file transport unavailable: %v", err)
			} else {
				defer watcher.Stop()
				coord.AttachBus(watcher)
			}
		}

		if err := coord.Start(); err != nil {
			return err
		}

		// Catch up immediately: anything queued while the daemon was down.
		coord.RequestDrain("startup")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		coord.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
