package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/openmined/cbox/internal/jobs"
	"github.com/openmined/cbox/internal/sync"
	"github.com/openmined/cbox/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _        = os.UserHomeDir()
	defaultDataDir = filepath.Join(home, ".cbox")
	defaultLogFile = filepath.Join(defaultDataDir, "logs", "cbox.log")
	defaultJournal = filepath.Join(defaultDataDir, "journal.db")
)

// viper key -> flag name
var flagBindings = map[string]string{
	"local":       "local",
	"remote":      "remote",
	"watch":       "watch",
	"workers":     "workers",
	"journal":     "journal",
	"log_level":   "log-level",
	"debug_trace": "debug-trace",
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cbox",
		Short: "Keep local directories and CouchDB databases in sync",
		Long: `cbox mirrors the files of a local directory into the documents of a CouchDB
database and back. Jobs can run once, follow changes with --watch, or be
saved to the job registry and run together with "cbox all".`,
		Version:       version.Detailed(),
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd)
		},
	}

	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", "", "job registry file (default ~/.cbox.conf)")
	rootCmd.PersistentFlags().String("journal", defaultJournal, "journal database for checkpoints and history, empty to disable")
	rootCmd.PersistentFlags().Int("workers", sync.DefaultWorkers, "documents transferred at once")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug-trace", false, "print the full error chain on failure")

	rootCmd.AddCommand(
		newRunCmd(jobs.CommandPull),
		newRunCmd(jobs.CommandPush),
		newRunCmd(jobs.CommandSync),
		newSaveCmd(),
		newJobsCmd(),
		newRmCmd(),
		newAllCmd(),
		newDeleteCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	logger, closeLog := newLogger(os.Stderr, defaultLogFile)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	_ = closeLog()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(stderr, err, viper.GetBool("debug_trace"))
		return 1
	}
	return 0
}

func printError(w io.Writer, err error, trace bool) {
	fmt.Fprintln(w, red.Render("Error:"), err)
	if !trace {
		return
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(w, "  %T: %v\n", e, e)
	}
}

func loadConfig(cmd *cobra.Command) error {
	// bindings belong to the command being run
	viper.Reset()

	for key, name := range flagBindings {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := viper.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	viper.SetEnvPrefix("CBOX")
	viper.AutomaticEnv()

	level, err := parseLevel(viper.GetString("log_level"))
	if err != nil {
		return err
	}
	logLevel.Set(level)
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
