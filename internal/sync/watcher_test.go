package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rjeczalik/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, debounce time.Duration) (*FileWatcher, string) {
	t.Helper()

	// tmpdir can be a symlink (macOS /var -> /private/var)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	fw := NewFileWatcher(dir, discard)
	fw.SetDebounceTimeout(debounce)
	require.NoError(t, fw.Start(context.Background()))
	t.Cleanup(fw.Stop)
	return fw, dir
}

func TestNewFileWatcher(t *testing.T) {
	fw := NewFileWatcher("/test/path", nil)

	assert.Equal(t, "/test/path", fw.dir)
	assert.Nil(t, fw.events)
	assert.NotNil(t, fw.done)
	assert.Empty(t, fw.ignore)
	assert.Equal(t, defaultDebounceTimeout, fw.debounceTimeout)
}

func TestFileWatcherReportsWrites(t *testing.T) {
	fw, dir := startWatcher(t, defaultDebounceTimeout)

	path := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-fw.Events():
			if ev.Path() == path {
				return
			}
		case <-deadline:
			require.FailNow(t, "timeout waiting for file event")
		}
	}
}

func TestFileWatcherCollapsesBursts(t *testing.T) {
	fw, dir := startWatcher(t, 200*time.Millisecond)

	path := filepath.Join(dir, "burst.txt")
	for i := range 5 {
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o644))
	}

	select {
	case ev := <-fw.Events():
		assert.Equal(t, path, ev.Path())
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timeout waiting for file event")
	}

	select {
	case ev := <-fw.Events():
		assert.FailNow(t, "expected one event for the burst", ev.Path())
	case <-time.After(500 * time.Millisecond):
	}
}

func TestFileWatcherIgnoreOnce(t *testing.T) {
	fw, dir := startWatcher(t, defaultDebounceTimeout)

	path := filepath.Join(dir, "ignored.txt")
	fw.IgnoreOnce(path)
	require.NoError(t, os.WriteFile(path, []byte("ignored"), 0o644))

	select {
	case ev := <-fw.Events():
		assert.FailNow(t, "expected no events, got one for", ev.Path())
	case <-time.After(time.Second):
	}

	fw.ignoreMu.Lock()
	assert.Empty(t, fw.ignore, "ignore entry is consumed")
	fw.ignoreMu.Unlock()
}

func TestFileWatcherStop(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	fw := NewFileWatcher(dir, discard)
	require.NoError(t, fw.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		fw.Stop()
		fw.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "Stop took too long")
	}

	select {
	case _, ok := <-fw.Events():
		assert.False(t, ok, "events channel closed after Stop")
	case <-time.After(100 * time.Millisecond):
		assert.Fail(t, "events channel should be closed")
	}
}

type fileEvent string

func (e fileEvent) Event() notify.Event { return notify.Write }
func (e fileEvent) Path() string        { return string(e) }
func (e fileEvent) Sys() interface{}    { return nil }

func TestFileWatcherKeepsEventsWhenChannelFull(t *testing.T) {
	fw := NewFileWatcher(t.TempDir(), discard)
	fw.SetDebounceTimeout(time.Millisecond)
	fw.events = make(chan notify.EventInfo, eventBufferSize)
	t.Cleanup(fw.Stop)

	total := eventBufferSize * 2
	for i := range total {
		fw.debounce(fileEvent(fmt.Sprintf("/w/file-%03d.txt", i)))
	}

	// nothing reads until every timer has fired
	time.Sleep(200 * time.Millisecond)

	seen := make(map[string]bool)
	for len(seen) < total {
		select {
		case ev := <-fw.Events():
			seen[ev.Path()] = true
		case <-time.After(2 * time.Second):
			require.FailNow(t, "events were dropped", "got %d of %d", len(seen), total)
		}
	}
}
