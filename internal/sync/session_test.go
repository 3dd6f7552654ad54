package sync

import (
	"errors"
	"sync"
	"testing"

	"github.com/openmined/cbox/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRecord(t *testing.T) {
	s := NewSession(jobs.Job{Local: "/tmp/x", Remote: "http://h/db", Command: jobs.CommandPull})
	assert.NotEmpty(t, s.ID)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := StateCreated
			if i%2 == 0 {
				state = StateUnchanged
			}
			s.Record(Outcome{ID: "doc", Direction: DirectionPull, State: state})
		}()
	}
	wg.Wait()
	s.Finish()

	assert.Equal(t, Summary{Created: 5, Unchanged: 5}, s.Summary())
	assert.Equal(t, 10, s.Summary().Total())
	assert.Len(t, s.Outcomes(), 10)
	assert.NoError(t, s.Err())
	assert.GreaterOrEqual(t, s.Duration().Nanoseconds(), int64(0))
}

func TestSessionErr(t *testing.T) {
	s := NewSession(jobs.Job{})
	s.Record(Outcome{ID: "ok.txt", Direction: DirectionPush, State: StateCreated})
	s.Record(failed("bad.txt", DirectionPush, errors.New("disk full")))

	err := s.Err()
	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 1, partial.Failed)
	assert.Contains(t, err.Error(), "push bad.txt: disk full")

	o, ok := s.Outcome("bad.txt", DirectionPush)
	require.True(t, ok)
	assert.Equal(t, "disk full", o.Reason())

	_, ok = s.Outcome("bad.txt", DirectionPull)
	assert.False(t, ok)
}

func TestSummaryString(t *testing.T) {
	s := Summary{Created: 1, Updated: 2, Deleted: 3, Unchanged: 4, Failed: 5}
	assert.Equal(t, "1 created, 2 updated, 3 deleted, 4 unchanged, 5 failed", s.String())
	assert.Equal(t, 15, s.Total())
}
