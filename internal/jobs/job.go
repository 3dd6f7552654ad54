package jobs

import (
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/openmined/cbox/internal/utils"
)

// Command is the direction a job moves documents in.
type Command string

const (
	CommandPull Command = "pull"
	CommandPush Command = "push"
	CommandSync Command = "sync"
)

var Commands = []Command{CommandPull, CommandPush, CommandSync}

func ParseCommand(s string) (Command, error) {
	for _, c := range Commands {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// Job pairs a local directory with a remote database.
type Job struct {
	Local   string  `json:"local" yaml:"local"`
	Remote  string  `json:"remote" yaml:"remote"`
	Command Command `json:"command" yaml:"command"`
	Watch   bool    `json:"watch" yaml:"watch"`
}

// Validate checks the fields every persisted job must carry.
func (j Job) Validate() error {
	err := validation.ValidateStruct(&j,
		validation.Field(&j.Local, validation.Required),
		validation.Field(&j.Remote, validation.Required),
		validation.Field(&j.Command, validation.Required, validation.In(CommandPull, CommandPush, CommandSync)),
	)
	if err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// Masked returns a copy with the remote password replaced.
func (j Job) Masked() Job {
	j.Remote = utils.MaskURLCredentials(j.Remote)
	return j
}

func (j Job) String() string {
	arrow := "<-"
	switch j.Command {
	case CommandPush:
		arrow = "->"
	case CommandSync:
		arrow = "<->"
	}
	s := fmt.Sprintf("%s %s %s %s", j.Command, j.Local, arrow, utils.MaskURLCredentials(j.Remote))
	if j.Watch {
		s += " (watch)"
	}
	return s
}

// LogValue keeps credentials out of logs.
func (j Job) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("command", string(j.Command)),
		slog.String("local", j.Local),
		slog.String("remote", utils.MaskURLCredentials(j.Remote)),
		slog.Bool("watch", j.Watch),
	)
}
