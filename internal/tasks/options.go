package tasks

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/openmined/cbox/internal/jobs"
)

// Options is what a user asked for on one invocation.
type Options struct {
	Config  string       `json:"config"`
	Local   string       `json:"local"`
	Remote  string       `json:"remote"`
	Command jobs.Command `json:"command"`
	Watch   bool         `json:"watch"`
	Save    bool         `json:"save"`
	N       int          `json:"n"`
	Path    string       `json:"path"`
	Limit   int          `json:"limit"`
}

// Job builds the job these options describe for cmd.
func (o Options) Job(cmd jobs.Command) jobs.Job {
	return jobs.Job{Local: o.Local, Remote: o.Remote, Command: cmd, Watch: o.Watch}
}

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return &jobs.ValidationError{Err: err}
}

// validateRun checks the fields pull, push and sync need.
func (o Options) validateRun() error {
	return invalid(validation.ValidateStruct(&o,
		validation.Field(&o.Local, validation.Required),
		validation.Field(&o.Remote, validation.Required),
	))
}

// validateSave checks the fields save needs.
func (o Options) validateSave() error {
	return invalid(validation.ValidateStruct(&o,
		validation.Field(&o.Local, validation.Required),
		validation.Field(&o.Remote, validation.Required),
		validation.Field(&o.Command, validation.Required, validation.In(jobs.CommandPull, jobs.CommandPush, jobs.CommandSync)),
	))
}

func (o Options) validateRemove() error {
	return invalid(validation.ValidateStruct(&o,
		validation.Field(&o.N, validation.Required, validation.Min(1)),
	))
}

func (o Options) validateDelete() error {
	return invalid(validation.ValidateStruct(&o,
		validation.Field(&o.Local, validation.Required),
		validation.Field(&o.Remote, validation.Required),
		validation.Field(&o.Path, validation.Required),
	))
}
