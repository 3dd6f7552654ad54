package main

import (
	"fmt"
	"strconv"

	"github.com/openmined/cbox/internal/jobs"
	"github.com/openmined/cbox/internal/tasks"
	"github.com/spf13/cobra"
)

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <n>",
		Short: "Remove saved job n (as numbered by \"cbox jobs\")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return &jobs.ValidationError{Err: fmt.Errorf("job number %q is not a number", args[0])}
			}
			cmd.SilenceUsage = true

			runner, closeRunner := newRunner(cmd)
			defer closeRunner()

			removed, err := runner.Remove(tasks.Options{Config: resolveConfigPath(cmd), N: n})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s job %d: %s\n", cyan.Render("Removed"), n, removed)
			return nil
		},
	}
}
