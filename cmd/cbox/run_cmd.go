package main

import (
	"fmt"

	"github.com/openmined/cbox/internal/jobs"
	"github.com/openmined/cbox/internal/sync"
	"github.com/openmined/cbox/internal/tasks"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runDescriptions = map[jobs.Command]string{
	jobs.CommandPull: "Copy the documents of a remote database into a local directory",
	jobs.CommandPush: "Copy the files of a local directory into a remote database",
	jobs.CommandSync: "Pull, then push the files that only exist locally",
}

func addJobFlags(cmd *cobra.Command) {
	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("local", "l", "", "local directory")
	cmd.Flags().StringP("remote", "r", "", "remote database url, credentials may be embedded")
}

// jobOptions collects the options shared by every job-shaped command.
func jobOptions(cmd *cobra.Command) tasks.Options {
	return tasks.Options{
		Config: resolveConfigPath(cmd),
		Local:  viper.GetString("local"),
		Remote: viper.GetString("remote"),
		Watch:  viper.GetBool("watch"),
	}
}

func newRunCmd(command jobs.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(command),
		Short: runDescriptions[command],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			opts := jobOptions(cmd)
			opts.Save, _ = cmd.Flags().GetBool("save")

			runner, closeRunner := newRunner(cmd)
			defer closeRunner()

			var session *sync.Session
			var err error
			switch command {
			case jobs.CommandPull:
				session, err = runner.Pull(cmd.Context(), opts)
			case jobs.CommandPush:
				session, err = runner.Push(cmd.Context(), opts)
			case jobs.CommandSync:
				session, err = runner.Sync(cmd.Context(), opts)
			}

			if opts.Save && err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cyan.Render("Saved"), opts.Job(command))
				return nil
			}
			if !opts.Watch {
				printSession(cmd.OutOrStdout(), session)
			}
			return err
		},
	}

	addJobFlags(cmd)
	cmd.Flags().BoolP("watch", "w", false, "keep running and apply changes as they happen")
	cmd.Flags().BoolP("save", "s", false, "save the job to the registry instead of running it")
	return cmd
}
