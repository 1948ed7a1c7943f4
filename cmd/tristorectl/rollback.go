package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var rollbackReason string

var rollbackCmd = &cobra.Command{
	Use:   "rollback <version-id>",
	Short: "Roll a version back and restore production",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "Why the rollback is needed (recorded in the operation log)")
	_ = rollbackCmd.MarkFlagRequired("reason")
}

func runRollback(cmd *cobra.Command, args []string) error {
	var record versionRecord
	path := "/api/v1/versions/" + url.PathEscape(args[0]) + "/rollback"
	if err := newClient().postJSON(path, map[string]string{"reason": rollbackReason}, &record); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(record)
	}

	fmt.Printf("Version %s is now %s\n", record.ID, record.State)
	if record.StatusMessage != "" {
		fmt.Printf("Message: %s\n", record.StatusMessage)
	}
	return nil
}
