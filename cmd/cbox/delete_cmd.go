package main

import (
	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete one document locally and remotely",
		Long: `Delete one document on both sides. path is relative to the local directory
or an absolute path inside it. This is the only way cbox deletes remote
documents.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			opts := jobOptions(cmd)
			opts.Path = args[0]

			runner, closeRunner := newRunner(cmd)
			defer closeRunner()

			session, err := runner.Delete(cmd.Context(), opts)
			printSession(cmd.OutOrStdout(), session)
			return err
		},
	}

	addJobFlags(cmd)
	return cmd
}
