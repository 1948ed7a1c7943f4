package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	migrateType    string
	migrateSource  string
	migrateBranch  string
	migrateActor   string
	migrateNotes   string
	expectedGroups int64
	expectedLeaves int64
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Stage, validate and commit a new version",
	Long: `migrate runs the full protocol on the server: register a version,
stage the source content into all three stores, run the consistency battery
and commit (or roll back). The command blocks until the migration reaches a
terminal state.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateType, "type", "minor", "Version type: baseline, minor or major")
	migrateCmd.Flags().StringVar(&migrateSource, "source", "", "Manifest directory on the server, or a git URL")
	migrateCmd.Flags().StringVar(&migrateBranch, "branch", "", "Branch to check out (git sources only)")
	migrateCmd.Flags().StringVar(&migrateActor, "actor", "", "Who is running the migration")
	migrateCmd.Flags().StringVar(&migrateNotes, "notes", "", "Free-form notes recorded on the version")
	migrateCmd.Flags().Int64Var(&expectedGroups, "expected-groups", 0, "Expected group count (0 = derive from source)")
	migrateCmd.Flags().Int64Var(&expectedLeaves, "expected-leaves", 0, "Expected leaf count (0 = derive from source)")
	_ = migrateCmd.MarkFlagRequired("source")
	_ = migrateCmd.MarkFlagRequired("actor")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"type":           migrateType,
		"source":         migrateSource,
		"branch":         migrateBranch,
		"expectedGroups": expectedGroups,
		"expectedLeaves": expectedLeaves,
		"actor":          migrateActor,
		"notes":          migrateNotes,
	}

	var result migrationResult
	if err := newClient().postJSON("/api/v1/migrations", body, &result); err != nil {
		return err
	}

	if outputFmt != "table" {
		if err := printOutput(result); err != nil {
			return err
		}
	} else {
		printMigrationResult(&result)
	}

	switch {
	case result.Outcome != "committed":
		return fmt.Errorf("migration %s: %s", result.Outcome, result.Error)
	case result.Report != nil && result.Report.Warning > 0:
		exitCode = 2
	}
	return nil
}

func printMigrationResult(result *migrationResult) {
	id := ""
	if result.Record != nil {
		id = result.Record.ID
	}
	fmt.Printf("Migration %s: %s\n", id, result.Outcome)
	if result.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", result.Error)
	}
	if result.Report != nil {
		fmt.Println()
		printReportTable(result.Report)
	}
}
