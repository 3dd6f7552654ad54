// Package workspace guards a job's local directory against a second
// concurrent worker.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/cbox/internal/utils"
)

const lockFile = ".cbox.lock"

var ErrWorkspaceLocked = errors.New("workspace locked by another process")

type Workspace struct {
	Root string

	flock *flock.Flock
}

func New(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	return &Workspace{
		Root:  root,
		flock: flock.New(filepath.Join(root, lockFile)),
	}, nil
}

// LockPath is the lock file inside the root.
func (w *Workspace) LockPath() string {
	return w.flock.Path()
}

// Lock creates the root if needed and takes the lock without waiting.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.Root); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.Root, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrWorkspaceLocked, w.Root)
	}
	return nil
}

func (w *Workspace) Unlock() error {
	// never delete a lock file held by someone else
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	if err := os.Remove(w.flock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
