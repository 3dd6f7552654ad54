package sync

import (
	"errors"
	"fmt"
)

var ErrInvalidID = errors.New("document id does not map to a path inside the job directory")

// RemoteError is a failure reported by the remote store.
type RemoteError struct {
	Op  string
	ID  string
	Err error
}

func (e *RemoteError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %q: %v", e.Op, e.ID, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// FilesystemError is a failure of local I/O.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("local %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }
