package main

import (
	"fmt"

	"github.com/openmined/cbox/internal/jobs"
	"github.com/spf13/cobra"
)

func newSaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "save <pull|push|sync>",
		Short:     "Save a job to the registry without running it",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(jobs.CommandPull), string(jobs.CommandPush), string(jobs.CommandSync)},
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := jobs.ParseCommand(args[0])
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			opts := jobOptions(cmd)
			opts.Command = command

			runner, closeRunner := newRunner(cmd)
			defer closeRunner()

			if err := runner.Save(opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cyan.Render("Saved"), opts.Job(command))
			return nil
		},
	}

	addJobFlags(cmd)
	cmd.Flags().BoolP("watch", "w", false, "run the job in watch mode")
	return cmd
}
