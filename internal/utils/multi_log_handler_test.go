package utils

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiLogHandler(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	debug := slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	warn := slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn})

	logger := slog.New(NewMultiLogHandler(debug, warn)).With("job", 1)
	logger.Info("pulled", "id", "a/b.txt")
	logger.Warn("retrying")

	assert.Contains(t, debugBuf.String(), "msg=pulled")
	assert.Contains(t, debugBuf.String(), "job=1")
	assert.Contains(t, debugBuf.String(), "msg=retrying")
	assert.NotContains(t, warnBuf.String(), "pulled")
	assert.Contains(t, warnBuf.String(), "msg=retrying job=1")
}
