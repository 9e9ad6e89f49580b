package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/grazelabs/farmsync/internal/logging"
	"github.com/grazelabs/farmsync/internal/offline/daemon"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one drain cycle now",
	Long: `Replay every queued write against the remote store and pull fresh
records, then exit. Exits non-zero if the remote was unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New("sync", logging.Options{})

		st, cm, client, err := openStack(logger)
		if err != nil {
			return err
		}
		defer st.Close()

		coordConfig := daemon.DefaultConfig(cfg.Scope)
		coordConfig.CheckpointMaxAge = cfg.Sync.CheckpointMaxAge
		coordConfig.Logger = logger

		coord, err := daemon.New(cm, client, coordConfig)
		if err != nil {
			return err
		}

		result, err := coord.DrainOnce(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Drain %s: %d synced, %d conflicts, %d errors, %d pulled, %d still queued (%s)\n",
			result.Status, result.Synced, result.Conflicts, result.Errors,
			result.Pulled, result.Remaining, result.Duration.Round(time.Millisecond))

		if result.Status == daemon.StatusFailed {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
