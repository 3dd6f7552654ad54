package jobs

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_Validate(t *testing.T) {
	valid := Job{Local: "/a", Remote: "http://h/db", Command: CommandPull}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		job   Job
		field string
	}{
		{"missing local", Job{Remote: "http://h/db", Command: CommandPull}, "local"},
		{"missing remote", Job{Local: "/a", Command: CommandPush}, "remote"},
		{"missing command", Job{Local: "/a", Remote: "http://h/db"}, "command"},
		{"unknown command", Job{Local: "/a", Remote: "http://h/db", Command: "copy"}, "command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestParseCommand(t *testing.T) {
	c, err := ParseCommand("sync")
	require.NoError(t, err)
	assert.Equal(t, CommandSync, c)

	_, err = ParseCommand("jobs")
	assert.Error(t, err)
}

func TestJob_LogValueMasksPassword(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("job", "job", Job{Local: "/a", Remote: "http://u:hunter2@h/db", Command: CommandPull})

	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), "job.remote=http://u:*****@h/db")
}

func TestJob_String(t *testing.T) {
	j := Job{Local: "/a", Remote: "http://u:pw@h/db", Command: CommandSync, Watch: true}
	assert.Equal(t, "sync /a <-> http://u:*****@h/db (watch)", j.String())
}
