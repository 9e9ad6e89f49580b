package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/grazelabs/farmsync/internal/farm"
	"github.com/grazelabs/farmsync/internal/logging"
	"github.com/grazelabs/farmsync/internal/offline/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status for the configured scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New("status", logging.Options{})

		st, cm, _, err := openStack(logger)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		status, err := cm.Status(ctx, cfg.Scope)
		if err != nil {
			return err
		}

		fmt.Printf("Scope:           %s\n", status.Scope)
		if status.LastFullSync != nil {
			fmt.Printf("Last full sync:  %s\n", status.LastFullSync.Local().Format(time.RFC3339))
		} else {
			fmt.Printf("Last full sync:  never\n")
		}
		fmt.Printf("Pending writes:  %d\n", status.PendingChanges)
		fmt.Printf("Conflicts:       %d\n", status.Conflicts)
		fmt.Printf("Errors:          %d\n", status.Errors)
		fmt.Printf("Syncing now:     %v\n", status.IsSyncing)

		if status.Conflicts > 0 {
			fmt.Println("\nConflicted records:")
			items, err := st.ItemsByStatus(ctx, cfg.Scope, store.StatusConflict)
			if err != nil {
				return err
			}
			for _, it := range items {
				version := "-"
				if it.ServerVersion != nil {
					version = fmt.Sprintf("v%d", *it.ServerVersion)
				}
				fmt.Printf("  %s/%s (server %s, local v%d)\n", it.Table, it.Key, version, it.LocalVersion)
			}
		}

		for _, table := range farm.KnownTables() {
			cp, err := cm.Checkpoints().Get(ctx, cfg.Scope, table)
			if err != nil {
				continue
			}
			fmt.Printf("Checkpoint %-16s %s (%d records)\n",
				table+":", cp.LastSyncedAt.Local().Format(time.RFC3339), cp.RecordCount)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
