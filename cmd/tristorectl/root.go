package main

import (
	"github.com/spf13/cobra"
)

var (
	serverURL string
	outputFmt string
	authToken string

	// exitCode lets commands signal "passed with warnings" (2) without
	// aborting cobra's normal flow; errors still exit 1 via main.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "tristorectl",
	Short: "CLI for the tristore migration engine",
	Long: `tristorectl drives the tristore server over its operations API:
inspect versions and their operation history, start migrations, run the
consistency battery, roll back and watch store health.

Exit codes: 0 on success, 1 on failure, 2 when a validation passed with
advisory warnings.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8085", "Tristore server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token (default: from TRISTORE_TOKEN env)")

	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
}
