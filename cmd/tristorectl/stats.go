package main

import (
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var statsVersionID string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-store counts and health",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsVersionID, "version", "", "Version to inspect (default: production)")
}

func runStats(cmd *cobra.Command, args []string) error {
	path := "/api/v1/stats"
	if statsVersionID != "" {
		path += "?versionId=" + url.QueryEscape(statsVersionID)
	}

	var resp statsResponse
	if err := newClient().getJSON(path, &resp); err != nil {
		return err
	}

	if outputFmt != "table" {
		return printOutput(resp)
	}

	headers := []string{"Store", "Namespace", "Count", "Health", "Error"}
	rows := make([][]string, 0, len(resp.Stores))
	for _, s := range resp.Stores {
		rows = append(rows, []string{
			s.Store,
			s.Namespace,
			strconv.FormatInt(s.Count, 10),
			s.Health,
			truncate(s.Error, 60),
		})
	}
	printTable(headers, rows)
	return nil
}
