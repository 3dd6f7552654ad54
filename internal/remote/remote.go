// Package remote describes what the sync engine needs from a document store.
package remote

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound     = errors.New("remote: document not found")
	ErrConflict     = errors.New("remote: revision conflict")
	ErrUnauthorized = errors.New("remote: unauthorized")
)

// Doc is one entry of a database listing.
type Doc struct {
	ID  string
	Rev string
	// Digest is the hex MD5 of the payload when the store reports one.
	Digest string
}

type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

// Change is one entry of the live change stream.
type Change struct {
	Seq     string
	ID      string
	Rev     string
	Deleted bool
}

// Op infers the operation from the deletion flag and the revision generation.
func (c Change) Op() Op {
	switch {
	case c.Deleted:
		return OpDeleted
	case strings.HasPrefix(c.Rev, "1-"):
		return OpCreated
	default:
		return OpUpdated
	}
}

// ChangeFunc receives changes in feed order. Returning an error ends the
// subscription with that error.
type ChangeFunc func(Change) error

// Store is a document database bound to one location.
type Store interface {
	ListDocuments(ctx context.Context) ([]Doc, error)
	GetBlob(ctx context.Context, id string) ([]byte, error)
	PutBlob(ctx context.Context, id string, data []byte, contentType string) (string, error)
	GetRevision(ctx context.Context, id string) (string, error)
	DeleteDocument(ctx context.Context, id, rev string) error
	// SubscribeChanges blocks, delivering changes after since, until ctx is
	// done or the stream fails.
	SubscribeChanges(ctx context.Context, since string, fn ChangeFunc) error
}

// IsPermanent reports errors that retrying will not fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound)
}
