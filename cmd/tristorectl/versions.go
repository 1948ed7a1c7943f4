package main

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	listFilter   string
	listState    string
	listPageSize int
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Inspect version records",
}

var versionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List version records, newest first",
	RunE:  runVersionsList,
}

var versionsGetCmd = &cobra.Command{
	Use:   "get <version-id>",
	Short: "Show one version record",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersionsGet,
}

var versionsOperationsCmd = &cobra.Command{
	Use:   "operations <version-id>",
	Short: "Show a version's operation log",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersionsOperations,
}

func init() {
	versionsListCmd.Flags().StringVar(&listFilter, "filter", "", `Filter expression, e.g. 'state = "committed" AND actor = "ops"'`)
	versionsListCmd.Flags().StringVar(&listState, "state", "", "Filter by lifecycle state")
	versionsListCmd.Flags().IntVar(&listPageSize, "page-size", 0, "Page size (server default 20, max 100)")

	versionsCmd.AddCommand(versionsListCmd)
	versionsCmd.AddCommand(versionsGetCmd)
	versionsCmd.AddCommand(versionsOperationsCmd)
}

func runVersionsList(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	if listFilter != "" {
		query.Set("filter", listFilter)
	}
	if listState != "" {
		query.Set("state", listState)
	}
	if listPageSize > 0 {
		query.Set("pageSize", strconv.Itoa(listPageSize))
	}
	path := "/api/v1/versions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var page versionPage
	if err := newClient().getJSON(path, &page); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(page)
	}

	headers := []string{"ID", "Type", "State", "Valid", "Actor", "Created", "Message"}
	rows := make([][]string, 0, len(page.Items))
	for _, v := range page.Items {
		rows = append(rows, []string{
			v.ID,
			v.Type,
			v.State,
			strconv.FormatBool(v.ValidationPassed),
			v.Actor,
			v.CreatedAt.Format(time.RFC3339),
			truncate(v.StatusMessage, 60),
		})
	}
	printTable(headers, rows)
	fmt.Printf("\n%d of %d version(s)\n", len(page.Items), page.TotalSize)
	return nil
}

func runVersionsGet(cmd *cobra.Command, args []string) error {
	var record versionRecord
	if err := newClient().getJSON("/api/v1/versions/"+url.PathEscape(args[0]), &record); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(record)
	}

	rows := [][]string{
		{"ID", record.ID},
		{"Seq", strconv.FormatInt(record.Seq, 10)},
		{"Type", record.Type},
		{"State", record.State},
		{"Validation passed", strconv.FormatBool(record.ValidationPassed)},
		{"Expected groups", strconv.FormatInt(record.ExpectedGroups, 10)},
		{"Expected leaves", strconv.FormatInt(record.ExpectedLeaves, 10)},
		{"Actor", record.Actor},
		{"Created", record.CreatedAt.Format(time.RFC3339)},
		{"Updated", record.UpdatedAt.Format(time.RFC3339)},
	}
	if record.ArchiveURI != "" {
		rows = append(rows, []string{"Archive", record.ArchiveURI})
	}
	if record.Notes != "" {
		rows = append(rows, []string{"Notes", record.Notes})
	}
	if record.StatusMessage != "" {
		rows = append(rows, []string{"Message", record.StatusMessage})
	}
	printTable([]string{"Field", "Value"}, rows)
	return nil
}

func runVersionsOperations(cmd *cobra.Command, args []string) error {
	var page operationPage
	path := "/api/v1/versions/" + url.PathEscape(args[0]) + "/operations"
	if err := newClient().getJSON(path, &page); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(page)
	}

	headers := []string{"Operation", "Status", "Started", "Completed", "Details"}
	rows := make([][]string, 0, len(page.Items))
	for _, e := range page.Items {
		completed := ""
		if e.CompletedAt != nil {
			completed = e.CompletedAt.Format(time.RFC3339)
		}
		rows = append(rows, []string{
			e.Operation,
			e.Status,
			e.StartedAt.Format(time.RFC3339),
			completed,
			truncate(e.Details, 80),
		})
	}
	printTable(headers, rows)
	return nil
}
