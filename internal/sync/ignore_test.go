package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnoreListDefaults(t *testing.T) {
	ignore := NewIgnoreList(t.TempDir(), discard)

	assert.True(t, ignore.ShouldIgnore(".cbox.lock"))
	assert.True(t, ignore.ShouldIgnore(".cboxignore"))
	assert.True(t, ignore.ShouldIgnore("photos/.DS_Store"))
	assert.True(t, ignore.ShouldIgnore("notes/todo.txt.swp"))
	assert.True(t, ignore.ShouldIgnore("a/b.txt.cbox.tmp.12345"))
	assert.True(t, ignore.ShouldIgnore(".git/config"))

	assert.False(t, ignore.ShouldIgnore("a/b.txt"))
	assert.False(t, ignore.ShouldIgnore("cbox.txt"))
}

func TestIgnoreListFile(t *testing.T) {
	root := t.TempDir()
	rules := []byte(`
# build output
*.log
private/
`)
	require.NoError(t, os.WriteFile(filepath.Join(root, IgnoreFileName), rules, 0o644))

	ignore := NewIgnoreList(root, discard)
	assert.True(t, ignore.ShouldIgnore("debug.log"))
	assert.True(t, ignore.ShouldIgnore("sub/debug.log"))
	assert.True(t, ignore.ShouldIgnore("private/key.pem"))
	assert.False(t, ignore.ShouldIgnore("public/key.pem"))
}

func TestScanLocal(t *testing.T) {
	root := t.TempDir()
	writeLocal(t, root, "b.txt", "b")
	writeLocal(t, root, "a/c.txt", "c")
	writeLocal(t, root, ".git/HEAD", "ref")
	writeLocal(t, root, ".cbox.lock", "")
	writeLocal(t, root, "a/.DS_Store", "")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	ids, err := scanLocal(root, NewIgnoreList(root, discard))
	require.NoError(t, err)
	assert.Equal(t, []string{"a/c.txt", "b.txt"}, ids)
}
