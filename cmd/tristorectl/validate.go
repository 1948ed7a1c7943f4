package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [version-id]",
	Short: "Run the consistency battery against a version",
	Long: `validate re-runs the cross-store consistency checks against the
given version's namespace. With no argument it validates the current
production version. Exit code 2 means the battery passed with advisory
warnings.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	client := newClient()

	var versionID string
	if len(args) > 0 {
		versionID = args[0]
	} else {
		var status engineStatus
		if err := client.getJSON("/api/v1/status", &status); err != nil {
			return err
		}
		if status.LatestCommitted == nil {
			return fmt.Errorf("no committed version to validate")
		}
		versionID = status.LatestCommitted.ID
	}

	var report validationReport
	path := "/api/v1/versions/" + url.PathEscape(versionID) + "/validate"
	if err := client.postJSON(path, map[string]any{}, &report); err != nil {
		return err
	}

	if outputFmt != "table" {
		if err := printOutput(report); err != nil {
			return err
		}
	} else {
		printReportTable(&report)
	}

	switch {
	case report.Status != "valid":
		return fmt.Errorf("validation found %d critical issue(s)", report.Critical)
	case report.Warning > 0:
		exitCode = 2
	}
	return nil
}

func printReportTable(report *validationReport) {
	fmt.Printf("Validation of %s (%s): %s\n", report.VersionID, report.Namespace, report.Status)
	fmt.Printf("Counts: %d groups, %d/%d/%d leaves (relational/vector/graph)\n\n",
		report.Counts.RelationalGroups,
		report.Counts.RelationalLeaves,
		report.Counts.VectorPoints,
		report.Counts.GraphLeaves)

	headers := []string{"Check", "Severity", "Passed", "Count", "Detail"}
	rows := make([][]string, 0, len(report.Checks))
	for _, c := range report.Checks {
		rows = append(rows, []string{
			c.Name,
			c.Severity,
			strconv.FormatBool(c.Passed),
			strconv.FormatInt(c.Count, 10),
			truncate(c.Detail, 60),
		})
	}
	printTable(headers, rows)

	for _, c := range report.Checks {
		if len(c.Sample) > 0 {
			fmt.Printf("\n%s sample: %v\n", c.Name, c.Sample)
		}
	}
	if report.TimedOut {
		fmt.Println("\nvalidation timed out before completing all checks")
	}
}
