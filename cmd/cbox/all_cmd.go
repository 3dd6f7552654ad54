package main

import (
	"github.com/openmined/cbox/internal/tasks"
	"github.com/spf13/cobra"
)

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run every saved job at once",
		Long: `Run every saved job at once. One-shot jobs finish on their own, watch jobs
keep running until interrupted. Failures of one job do not stop the others.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			runner, closeRunner := newRunner(cmd)
			defer closeRunner()

			return runner.All(cmd.Context(), tasks.Options{Config: resolveConfigPath(cmd)})
		},
	}
}
