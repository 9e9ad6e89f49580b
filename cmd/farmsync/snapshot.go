package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grazelabs/farmsync/internal/offline/snapshot"
	"github.com/grazelabs/farmsync/internal/offline/store"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the cached records to a JSONL snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer st.Close()

		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("failed to create snapshot file: %w", err)
		}
		defer f.Close()

		result, err := snapshot.Export(cmd.Context(), st, cfg.Scope, f)
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d records to %s\n", result.Records, args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a JSONL snapshot into the local cache",
	Long: `Load records from a snapshot produced by export.

Imported records arrive as synced; run a sync afterwards to pick up anything
newer on the server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer st.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open snapshot file: %w", err)
		}
		defer f.Close()

		result, err := snapshot.Import(cmd.Context(), st, cfg.Scope, f)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d records (%d skipped) from %s\n",
			result.Records, result.Skipped, args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
