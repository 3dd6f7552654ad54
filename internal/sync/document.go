package sync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/cbox/internal/remote"
	"github.com/openmined/cbox/internal/utils"
)

// IDSeparator separates path segments inside a remote document id.
const IDSeparator = "/"

const tempFilePattern = ".cbox.tmp.*"

// Document pairs one remote document with one file below a job root.
type Document struct {
	ID       string
	Path     string
	Root     string
	MimeType string
}

// NewDocument maps id to a file below root. Ids with empty, "." or ".."
// segments are rejected so the mapping stays reversible and inside root.
func NewDocument(root, id string) (Document, error) {
	if err := validateID(id); err != nil {
		return Document{}, &FilesystemError{Op: "map", Path: id, Err: err}
	}

	path := filepath.Join(root, filepath.FromSlash(id))
	if !utils.IsWithin(root, path) || path == filepath.Clean(root) {
		return Document{}, &FilesystemError{Op: "map", Path: id, Err: ErrInvalidID}
	}

	return Document{
		ID:       id,
		Path:     path,
		Root:     root,
		MimeType: utils.DetectContentType(id, nil),
	}, nil
}

// DocumentFromPath maps a file below root back to its document.
func DocumentFromPath(root, path string) (Document, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return Document{}, &FilesystemError{Op: "map", Path: path, Err: err}
	}
	return NewDocument(root, filepath.ToSlash(rel))
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidID)
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: NUL in id", ErrInvalidID)
	}
	for _, seg := range strings.Split(id, IDSeparator) {
		switch {
		case seg == "", seg == ".", seg == "..":
			return fmt.Errorf("%w: bad segment in %q", ErrInvalidID, id)
		case filepath.Separator != '/' && strings.ContainsRune(seg, filepath.Separator):
			return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, seg)
		}
	}
	return nil
}

// Fingerprint is the hex MD5 of data. It identifies content, it does not
// protect it.
func Fingerprint(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Compare reports whether a and b have the same fingerprint.
func Compare(a, b []byte) bool {
	return Fingerprint(a) == Fingerprint(b)
}

// ContentType refines the extension based mime type by sniffing data.
func (d Document) ContentType(data []byte) string {
	return utils.DetectContentType(d.ID, data)
}

func (d Document) ReadLocal() ([]byte, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return nil, &FilesystemError{Op: "read", Path: d.Path, Err: err}
	}
	return data, nil
}

// WriteLocal replaces the file atomically, creating parent directories.
func (d Document) WriteLocal(data []byte) error {
	if err := utils.EnsureParent(d.Path); err != nil {
		return &FilesystemError{Op: "mkdir", Path: filepath.Dir(d.Path), Err: err}
	}
	if err := writeFileAtomic(d.Path, data); err != nil {
		return &FilesystemError{Op: "write", Path: d.Path, Err: err}
	}
	return nil
}

// RemoveLocal deletes the file and prunes parents left empty, up to Root.
func (d Document) RemoveLocal() error {
	if err := os.Remove(d.Path); err != nil {
		return &FilesystemError{Op: "remove", Path: d.Path, Err: err}
	}
	utils.RemoveEmptyParents(d.Path, d.Root)
	return nil
}

func (d Document) ReadRemote(ctx context.Context, store remote.Store) ([]byte, error) {
	data, err := store.GetBlob(ctx, d.ID)
	if err != nil {
		return nil, &RemoteError{Op: "get", ID: d.ID, Err: err}
	}
	return data, nil
}

// WriteRemote creates or replaces the remote payload and returns the new
// revision.
func (d Document) WriteRemote(ctx context.Context, store remote.Store, data []byte) (string, error) {
	rev, err := store.PutBlob(ctx, d.ID, data, d.ContentType(data))
	if err != nil {
		return "", &RemoteError{Op: "put", ID: d.ID, Err: err}
	}
	return rev, nil
}

// RemoveRemote resolves the current revision and deletes it.
func (d Document) RemoveRemote(ctx context.Context, store remote.Store) error {
	rev, err := store.GetRevision(ctx, d.ID)
	if err != nil {
		return &RemoteError{Op: "revision", ID: d.ID, Err: err}
	}
	if err := store.DeleteDocument(ctx, d.ID, rev); err != nil {
		return &RemoteError{Op: "delete", ID: d.ID, Err: err}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+tempFilePattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	ok = true
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
