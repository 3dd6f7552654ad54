package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-json"
	"github.com/openmined/cbox/internal/jobs"
	"github.com/openmined/cbox/internal/tasks"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	formatText  = "text"
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List saved jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			cmd.SilenceUsage = true

			runner, closeRunner := newRunner(cmd)
			defer closeRunner()

			list, err := runner.Jobs(tasks.Options{Config: resolveConfigPath(cmd)})
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), list, format)
		},
	}
	cmd.Flags().StringP("format", "f", formatText, "output format (text, table, json, yaml)")
	return cmd
}

// printJobs writes list in format. Credentials must already be masked.
func printJobs(w io.Writer, list []jobs.Job, format string) error {
	if list == nil {
		list = []jobs.Job{}
	}

	switch format {
	case formatText:
		if len(list) == 0 {
			_, err := fmt.Fprintln(w, "No saved jobs")
			return err
		}
		for i, job := range list {
			fmt.Fprintf(w, "Job %d\n", i+1)
			fmt.Fprintf(w, "-- command: %s\n", job.Command)
			fmt.Fprintf(w, "-- local: %s\n", job.Local)
			fmt.Fprintf(w, "-- remote: %s\n", job.Remote)
			fmt.Fprintf(w, "-- watch: %t\n", job.Watch)
		}
		return nil

	case formatTable:
		t := table.New().
			Headers("#", "COMMAND", "LOCAL", "REMOTE", "WATCH").
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return bold.Padding(0, 1)
				}
				return cell
			})
		for i, job := range list {
			t.Row(strconv.Itoa(i+1), string(job.Command), job.Local, job.Remote, strconv.FormatBool(job.Watch))
		}
		_, err := fmt.Fprintln(w, t.Render())
		return err

	case formatJSON:
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err

	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(list); err != nil {
			return err
		}
		return enc.Close()

	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
