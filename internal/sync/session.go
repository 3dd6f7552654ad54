package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/cbox/internal/jobs"
)

// State is what happened to one document.
type State string

const (
	StateCreated   State = "created"
	StateUpdated   State = "updated"
	StateDeleted   State = "deleted"
	StateUnchanged State = "unchanged"
	StateFailed    State = "failed"
)

// Direction tells which side an outcome was applied to. Pull writes the
// local directory, push writes the remote store.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// Outcome is the result of applying one document.
type Outcome struct {
	ID        string
	Direction Direction
	State     State
	Size      int64
	Err       error
}

func failed(id string, dir Direction, err error) Outcome {
	return Outcome{ID: id, Direction: dir, State: StateFailed, Err: err}
}

// Reason is the failure message, empty unless the outcome failed.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

func (o Outcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", o.ID),
		slog.String("op", string(o.Direction)),
		slog.String("state", string(o.State)),
	}
	if o.Err != nil {
		attrs = append(attrs, slog.String("error", o.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// Summary counts outcomes by state.
type Summary struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

func (s Summary) Total() int {
	return s.Created + s.Updated + s.Deleted + s.Unchanged + s.Failed
}

func (s Summary) String() string {
	return fmt.Sprintf("%d created, %d updated, %d deleted, %d unchanged, %d failed",
		s.Created, s.Updated, s.Deleted, s.Unchanged, s.Failed)
}

// Session records the outcome of every document touched by one job run.
type Session struct {
	ID       string
	Job      jobs.Job
	Started  time.Time
	Finished time.Time

	mu       sync.Mutex
	outcomes []Outcome
	summary  Summary
}

func NewSession(job jobs.Job) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Job:     job,
		Started: time.Now(),
	}
}

// Record adds o. Safe for concurrent use.
func (s *Session) Record(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outcomes = append(s.outcomes, o)
	switch o.State {
	case StateCreated:
		s.summary.Created++
	case StateUpdated:
		s.summary.Updated++
	case StateDeleted:
		s.summary.Deleted++
	case StateUnchanged:
		s.summary.Unchanged++
	case StateFailed:
		s.summary.Failed++
	}
}

// Finish marks the session terminal.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Finished.IsZero() {
		s.Finished = time.Now()
	}
}

// Outcomes returns the outcomes in recording order.
func (s *Session) Outcomes() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outcomes)
}

// Outcome returns the last outcome recorded for id in direction dir.
func (s *Session) Outcome(id string, dir Direction) (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.outcomes) - 1; i >= 0; i-- {
		if o := s.outcomes[i]; o.ID == id && o.Direction == dir {
			return o, true
		}
	}
	return Outcome{}, false
}

func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Finished.IsZero() {
		return time.Since(s.Started)
	}
	return s.Finished.Sub(s.Started)
}

// Err joins the errors of failed outcomes, or returns nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.summary.Failed == 0 {
		return nil
	}
	var errs []error
	for _, o := range s.outcomes {
		if o.State == StateFailed {
			errs = append(errs, fmt.Errorf("%s %s: %w", o.Direction, o.ID, o.Err))
		}
	}
	return &PartialError{Failed: s.summary.Failed, Err: errors.Join(errs...)}
}

func (s *Session) LogValue() slog.Value {
	sum := s.Summary()
	return slog.GroupValue(
		slog.String("id", s.ID),
		slog.Int("created", sum.Created),
		slog.Int("updated", sum.Updated),
		slog.Int("deleted", sum.Deleted),
		slog.Int("unchanged", sum.Unchanged),
		slog.Int("failed", sum.Failed),
		slog.Duration("took", s.Duration()),
	)
}

// PartialError is returned for a session in which some documents failed.
type PartialError struct {
	Failed int
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d document(s) failed:\n%v", e.Failed, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }
