package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/cbox/internal/journal"
	"github.com/openmined/cbox/internal/tasks"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent job runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			format, _ := cmd.Flags().GetString("format")
			cmd.SilenceUsage = true

			runner, closeRunner := newRunner(cmd)
			defer closeRunner()

			records, err := runner.History(cmd.Context(), tasks.Options{Limit: limit})
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), records, format)
		},
	}
	cmd.Flags().IntP("limit", "n", tasks.DefaultHistoryLimit, "number of runs to show")
	cmd.Flags().StringP("format", "f", formatTable, "output format (table, json)")
	return cmd
}

func printHistory(w io.Writer, records []journal.SessionRecord, format string) error {
	if records == nil {
		records = []journal.SessionRecord{}
	}

	switch format {
	case formatTable:
		if len(records) == 0 {
			_, err := fmt.Fprintln(w, "No runs recorded")
			return err
		}
		t := table.New().
			Headers("STARTED", "COMMAND", "LOCAL", "REMOTE", "CREATED", "UPDATED", "DELETED", "UNCHANGED", "FAILED", "ERROR").
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return bold.Padding(0, 1)
				}
				if col == 8 && row >= 0 && row < len(records) && records[row].Failed > 0 {
					return red.Padding(0, 1)
				}
				return cell
			})
		for _, r := range records {
			t.Row(
				humanize.Time(r.Started),
				string(r.Job.Command),
				r.Job.Local,
				r.Job.Remote,
				strconv.Itoa(r.Created),
				strconv.Itoa(r.Updated),
				strconv.Itoa(r.Deleted),
				strconv.Itoa(r.Unchanged),
				strconv.Itoa(r.Failed),
				r.Error,
			)
		}
		_, err := fmt.Fprintln(w, t.Render())
		return err

	case formatJSON:
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err

	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
