// Command farmsync runs the offline-first sync engine for farm records: a
// local SQLite cache, a durable pending-write queue, and a background
// coordinator that drains against the remote farm API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grazelabs/farmsync/internal/config"
)

var (
	cfgFile   string
	scopeFlag string
	cfg       *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "farmsync",
	Short: "Offline-first sync engine for farm records",
	Long: `farmsync keeps a farm's records usable without connectivity.

Reads are served from a local SQLite cache, writes land optimistically and
queue for replay, and a background coordinator drains the queue whenever the
platform signals connectivity. Conflicts with newer server versions are
flagged for manual resolution instead of being silently overwritten.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if scopeFlag != "" {
			cfg.Scope = scopeFlag
		}
		return cfg.Validate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: built-in defaults plus FARMSYNC_* env)")
	rootCmd.PersistentFlags().StringVar(&scopeFlag, "scope", "", "farm scope override")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
