package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/openmined/cbox/internal/jobs"
	"github.com/openmined/cbox/internal/remote"
	"github.com/openmined/cbox/internal/utils"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 8

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.log = logger
		}
	}
}

// WithWorkers bounds how many documents are applied at once.
func WithWorkers(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

// Worker applies one job: it diffs documents between the job's local
// directory and its remote store and writes the side that is behind.
type Worker struct {
	job     jobs.Job
	root    string
	store   remote.Store
	log     *slog.Logger
	workers int
	ignore  *IgnoreList

	// beforeLocalWrite is called with a path just before the worker changes it
	beforeLocalWrite func(path string)
}

func NewWorker(job jobs.Job, store remote.Store, opts ...WorkerOption) (*Worker, error) {
	root, err := utils.ResolvePath(job.Local)
	if err != nil {
		return nil, &FilesystemError{Op: "resolve", Path: job.Local, Err: err}
	}

	w := &Worker{
		job:     job,
		root:    root,
		store:   store,
		log:     slog.Default(),
		workers: DefaultWorkers,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("job", job)
	w.ignore = NewIgnoreList(root, w.log)
	return w, nil
}

func (w *Worker) Job() jobs.Job { return w.job }

// Root is the resolved local directory.
func (w *Worker) Root() string { return w.root }

// Run executes the job's command once.
func (w *Worker) Run(ctx context.Context) (*Session, error) {
	switch w.job.Command {
	case jobs.CommandPull:
		return w.Pull(ctx)
	case jobs.CommandPush:
		return w.Push(ctx)
	case jobs.CommandSync:
		return w.Sync(ctx)
	}
	return nil, fmt.Errorf("unknown command %q", w.job.Command)
}

// Pull makes the local directory match every remote document. Failing to
// list the remote is fatal; failures of single documents are recorded in
// the session.
func (w *Worker) Pull(ctx context.Context) (*Session, error) {
	docs, err := w.listRemote(ctx)
	if err != nil {
		return nil, err
	}

	session := NewSession(w.job)
	applyAll(w, session, docs, func(d remote.Doc) Outcome {
		return w.PullDocument(ctx, d)
	})
	session.Finish()

	w.log.Info("pull done", "session", session)
	return session, nil
}

// Push makes the remote store match every local file.
func (w *Worker) Push(ctx context.Context) (*Session, error) {
	if !utils.DirExists(w.root) {
		return nil, &FilesystemError{Op: "scan", Path: w.root, Err: errors.New("directory does not exist")}
	}

	ids, err := scanLocal(w.root, w.ignore)
	if err != nil {
		return nil, err
	}
	docs, err := w.listRemote(ctx)
	if err != nil {
		return nil, err
	}
	listing := indexDocs(docs)

	session := NewSession(w.job)
	applyAll(w, session, ids, func(id string) Outcome {
		return w.PushDocument(ctx, id, listing)
	})
	session.Finish()

	w.log.Info("push done", "session", session)
	return session, nil
}

// Sync pulls every remote document and then pushes every local file the
// remote does not have. Documents present on both sides end up with the
// remote content. Documents whose pull failed are not pushed.
func (w *Worker) Sync(ctx context.Context) (*Session, error) {
	if err := utils.EnsureDir(w.root); err != nil {
		return nil, &FilesystemError{Op: "mkdir", Path: w.root, Err: err}
	}

	docs, err := w.listRemote(ctx)
	if err != nil {
		return nil, err
	}
	localIDs, err := scanLocal(w.root, w.ignore)
	if err != nil {
		return nil, err
	}

	remoteSet := mapset.NewThreadUnsafeSet[string]()
	for _, d := range docs {
		remoteSet.Add(d.ID)
	}
	localSet := mapset.NewThreadUnsafeSet(localIDs...)
	union := remoteSet.Union(localSet)

	session := NewSession(w.job)
	applyAll(w, session, docs, func(d remote.Doc) Outcome {
		return w.PullDocument(ctx, d)
	})

	// remote ids were settled by the pull phase, successful or not
	toPush := union.Difference(remoteSet).ToSlice()
	slices.Sort(toPush)
	listing := indexDocs(docs)
	applyAll(w, session, toPush, func(id string) Outcome {
		return w.PushDocument(ctx, id, listing)
	})
	session.Finish()

	w.log.Info("sync done", "session", session, "remote", remoteSet.Cardinality(), "local", localSet.Cardinality())
	return session, nil
}

// applyAll runs fn over items on a bounded pool and records every outcome.
func applyAll[T any](w *Worker, session *Session, items []T, fn func(T) Outcome) {
	var g errgroup.Group
	g.SetLimit(w.workers)
	for _, item := range items {
		g.Go(func() error {
			o := fn(item)
			w.logOutcome(o)
			session.Record(o)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) listRemote(ctx context.Context) ([]remote.Doc, error) {
	docs, err := w.store.ListDocuments(ctx)
	if err != nil {
		return nil, &RemoteError{Op: "list", Err: err}
	}

	kept := docs[:0:0]
	for _, d := range docs {
		if w.ignore.ShouldIgnore(d.ID) {
			w.log.Debug("skip ignored document", "id", d.ID)
			continue
		}
		kept = append(kept, d)
	}
	return kept, nil
}

func indexDocs(docs []remote.Doc) map[string]remote.Doc {
	m := make(map[string]remote.Doc, len(docs))
	for _, d := range docs {
		m[d.ID] = d
	}
	return m
}

// PullDocument brings one remote document into the local directory. When
// the listing carries a digest equal to the local fingerprint the payload
// is not downloaded.
func (w *Worker) PullDocument(ctx context.Context, d remote.Doc) Outcome {
	doc, err := NewDocument(w.root, d.ID)
	if err != nil {
		return failed(d.ID, DirectionPull, err)
	}

	local, err := doc.ReadLocal()
	exists := err == nil
	if err != nil && !isNotExist(err) {
		return failed(d.ID, DirectionPull, err)
	}

	if exists && d.Digest != "" && d.Digest == Fingerprint(local) {
		return Outcome{ID: d.ID, Direction: DirectionPull, State: StateUnchanged, Size: int64(len(local))}
	}

	data, err := doc.ReadRemote(ctx, w.store)
	if err != nil {
		return failed(d.ID, DirectionPull, err)
	}

	if exists && Compare(local, data) {
		return Outcome{ID: d.ID, Direction: DirectionPull, State: StateUnchanged, Size: int64(len(data))}
	}

	if w.beforeLocalWrite != nil {
		w.beforeLocalWrite(doc.Path)
	}
	if err := doc.WriteLocal(data); err != nil {
		return failed(d.ID, DirectionPull, err)
	}

	state := StateCreated
	if exists {
		state = StateUpdated
	}
	return Outcome{ID: d.ID, Direction: DirectionPull, State: state, Size: int64(len(data))}
}

// PushDocument uploads one local file. listing is the remote listing the
// decision is based on. The remote payload is fetched to compare when the
// listing is nil or carries no digest for id.
func (w *Worker) PushDocument(ctx context.Context, id string, listing map[string]remote.Doc) Outcome {
	doc, err := NewDocument(w.root, id)
	if err != nil {
		return failed(id, DirectionPush, err)
	}

	data, err := doc.ReadLocal()
	if err != nil {
		return failed(id, DirectionPush, err)
	}
	size := int64(len(data))

	exists, fetch := false, true
	if listing != nil {
		known, ok := listing[id]
		exists = ok
		switch {
		case !ok:
			fetch = false
		case known.Digest == Fingerprint(data):
			return Outcome{ID: id, Direction: DirectionPush, State: StateUnchanged, Size: size}
		case known.Digest != "":
			fetch = false
		}
	}
	if fetch {
		current, err := doc.ReadRemote(ctx, w.store)
		switch {
		case err == nil:
			exists = true
			if Compare(current, data) {
				return Outcome{ID: id, Direction: DirectionPush, State: StateUnchanged, Size: size}
			}
		case errors.Is(err, remote.ErrNotFound):
			exists = false
		default:
			return failed(id, DirectionPush, err)
		}
	}

	if _, err := doc.WriteRemote(ctx, w.store, data); err != nil {
		return failed(id, DirectionPush, err)
	}

	state := StateCreated
	if exists {
		state = StateUpdated
	}
	return Outcome{ID: id, Direction: DirectionPush, State: state, Size: size}
}

// DeleteLocal removes the file of a document deleted remotely.
func (w *Worker) DeleteLocal(id string) Outcome {
	doc, err := NewDocument(w.root, id)
	if err != nil {
		return failed(id, DirectionPull, err)
	}
	if w.beforeLocalWrite != nil {
		w.beforeLocalWrite(doc.Path)
	}
	if err := doc.RemoveLocal(); err != nil {
		if isNotExist(err) {
			return Outcome{ID: id, Direction: DirectionPull, State: StateUnchanged}
		}
		return failed(id, DirectionPull, err)
	}
	return Outcome{ID: id, Direction: DirectionPull, State: StateDeleted}
}

// ApplyChange applies one entry of the remote change stream.
func (w *Worker) ApplyChange(ctx context.Context, ch remote.Change) Outcome {
	if ch.Op() == remote.OpDeleted {
		return w.DeleteLocal(ch.ID)
	}
	return w.PullDocument(ctx, remote.Doc{ID: ch.ID, Rev: ch.Rev})
}

// Remove deletes a document on both sides. It is the only way a delete
// originates outside the change stream.
func (w *Worker) Remove(ctx context.Context, id string) *Session {
	session := NewSession(w.job)
	defer session.Finish()

	doc, err := NewDocument(w.root, id)
	if err != nil {
		session.Record(failed(id, DirectionPush, err))
		return session
	}

	pushed := Outcome{ID: id, Direction: DirectionPush, State: StateDeleted}
	if err := doc.RemoveRemote(ctx, w.store); err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			pushed.State = StateUnchanged
		} else {
			pushed = failed(id, DirectionPush, err)
		}
	}
	w.logOutcome(pushed)
	session.Record(pushed)

	pulled := w.DeleteLocal(id)
	w.logOutcome(pulled)
	session.Record(pulled)
	return session
}

func (w *Worker) logOutcome(o Outcome) {
	switch o.State {
	case StateFailed:
		w.log.Warn("sync", "op", o.Direction, "state", o.State, "id", o.ID, "error", o.Err)
	case StateUnchanged:
		w.log.Debug("sync", "op", o.Direction, "state", o.State, "id", o.ID)
	default:
		w.log.Info("sync", "op", o.Direction, "state", o.State, "id", o.ID, "size", humanize.Bytes(uint64(o.Size)))
	}
}
