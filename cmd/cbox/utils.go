package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/openmined/cbox/internal/journal"
	"github.com/openmined/cbox/internal/sync"
	"github.com/openmined/cbox/internal/tasks"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	bold   = lipgloss.NewStyle().Bold(true)
	cell   = lipgloss.NewStyle().Padding(0, 1)
)

// newRunner builds a runner from the bound settings. A journal that cannot
// be opened is reported and the runner works without one.
func newRunner(cmd *cobra.Command) (*tasks.Runner, func()) {
	out := cmd.OutOrStdout()
	opts := []tasks.RunnerOption{
		tasks.WithLogger(slog.Default()),
		tasks.WithWorkers(viper.GetInt("workers")),
		tasks.WithOutcomeHandler(func(o sync.Outcome) {
			printOutcome(out, o)
		}),
	}

	closeFn := func() {}
	if path := viper.GetString("journal"); path != "" {
		j := journal.NewJournal(path, slog.Default())
		if err := j.Open(); err != nil {
			slog.Warn("journal unavailable, checkpoints and history are off", "path", path, "error", err)
		} else {
			opts = append(opts, tasks.WithJournal(j))
			closeFn = func() { _ = j.Close() }
		}
	}

	return tasks.NewRunner(opts...), closeFn
}

func stateStyle(state sync.State) lipgloss.Style {
	switch state {
	case sync.StateCreated, sync.StateUpdated:
		return green
	case sync.StateDeleted:
		return yellow
	case sync.StateFailed:
		return red
	default:
		return gray
	}
}

// printOutcome prints one watch-mode event.
func printOutcome(w io.Writer, o sync.Outcome) {
	line := fmt.Sprintf("%s %-9s %s", o.Direction, stateStyle(o.State).Render(string(o.State)), o.ID)
	if o.Size > 0 {
		line += gray.Render(" (" + humanize.Bytes(uint64(o.Size)) + ")")
	}
	if o.Err != nil {
		line += " " + red.Render(o.Err.Error())
	}
	fmt.Fprintln(w, line)
}

// printSession prints the summary of a finished one-shot run and its
// failed documents.
func printSession(w io.Writer, s *sync.Session) {
	if s == nil {
		return
	}
	sum := s.Summary()
	fmt.Fprintf(w, "%s %s\n", bold.Render(s.Job.String()), gray.Render("in "+s.Duration().Round(time.Millisecond).String()))
	fmt.Fprintf(w, "  %s, %s, %s, %s, %s\n",
		green.Render(fmt.Sprintf("%d created", sum.Created)),
		green.Render(fmt.Sprintf("%d updated", sum.Updated)),
		yellow.Render(fmt.Sprintf("%d deleted", sum.Deleted)),
		gray.Render(fmt.Sprintf("%d unchanged", sum.Unchanged)),
		red.Render(fmt.Sprintf("%d failed", sum.Failed)),
	)
	for _, o := range s.Outcomes() {
		if o.State == sync.StateFailed {
			fmt.Fprintf(w, "  %s %s: %s\n", red.Render("✗"), o.ID, o.Reason())
		}
	}
}
