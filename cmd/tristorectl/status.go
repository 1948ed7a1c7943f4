package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the engine's lifecycle summary",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var status engineStatus
	if err := newClient().getJSON("/api/v1/status", &status); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(status)
	}

	describe := func(v *versionRecord) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%s (%s)", v.ID, v.State)
	}

	rows := [][]string{
		{"Active migration", describe(status.Active)},
		{"Latest committed", describe(status.LatestCommitted)},
		{"Baseline", describe(status.Baseline)},
		{"Retention window", fmt.Sprintf("%d of %d", status.RetainedInWindow, status.Window)},
	}
	if status.Pointer != nil {
		rows = append(rows, []string{"Production pointer",
			status.Pointer.VersionID + " (token " + strconv.FormatInt(status.Pointer.Token, 10) + ")"})
	}
	printTable([]string{"Field", "Value"}, rows)
	return nil
}
