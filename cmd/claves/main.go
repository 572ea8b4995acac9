/*
main.go - Application entry point

PURPOSE:
  The claves binary. One root command with three subcommands:

    claves serve                         HTTP API + weekly reset scheduler
    claves reconcile                     Audit every balance against its log
    claves backfill --history FILE       Rebuild counters, re-evaluate badges

  reconcile and backfill are offline jobs: run them with the service
  stopped (backfill overwrites counters).

CONFIGURATION:
  --config points at a YAML file. Every key can be overridden with a
  CLAVES_* variable (CLAVES_DATABASE_PATH, CLAVES_HTTP_ADDR, ...), read
  from the environment or a .env file. See config/config.go.

SEE ALSO:
  - app.go: Builds the engine from configuration
  - config/config.go: Configuration sources and defaults
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "claves",
	Short:         "Claves virtual-currency engine",
	Long:          `Ledger, daily streaks, badges and the daily bonus for the community platform.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
