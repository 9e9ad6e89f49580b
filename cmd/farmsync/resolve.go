package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grazelabs/farmsync/internal/logging"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <table> <key>",
	Short: "Mark a conflicted record as resolved",
	Long: `Clear the conflict flag on a record after reconciling it.

Re-submit the reconciled data first (so a new pending write carries the
updated server basis), then resolve to return the record to synced.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New("resolve", logging.Options{})

		st, cm, _, err := openStack(logger)
		if err != nil {
			return err
		}
		defer st.Close()

		table, key := args[0], args[1]
		if err := cm.Resolve(cmd.Context(), cfg.Scope, table, key); err != nil {
			return err
		}
		fmt.Printf("Resolved %s/%s\n", table, key)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <table> <key>",
	Short: "Requeue an errored record for the next sync",
	Long: `Return a record the server rejected to pending.

Its queued write sat out the drains while the record was in error; after
retry the next sync replays it again.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New("retry", logging.Options{})

		st, cm, _, err := openStack(logger)
		if err != nil {
			return err
		}
		defer st.Close()

		table, key := args[0], args[1]
		if err := cm.Retry(cmd.Context(), cfg.Scope, table, key); err != nil {
			return err
		}
		fmt.Printf("Requeued %s/%s\n", table, key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(retryCmd)
}
