// Package tasks turns a user intent into work on the job registry and the
// sync engine.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/openmined/cbox/internal/couchdb"
	"github.com/openmined/cbox/internal/jobs"
	"github.com/openmined/cbox/internal/journal"
	"github.com/openmined/cbox/internal/remote"
	"github.com/openmined/cbox/internal/sync"
	"github.com/openmined/cbox/internal/utils"
	"github.com/openmined/cbox/internal/workspace"
	"golang.org/x/sync/errgroup"
)

const DefaultHistoryLimit = 20

// RemoteStore is a remote.Store that can create its database.
type RemoteStore interface {
	remote.Store
	EnsureDatabase(ctx context.Context) error
}

// StoreFactory binds a store to a job's remote location.
type StoreFactory func(job jobs.Job) (RemoteStore, error)

// CouchDBStore is the default StoreFactory.
func CouchDBStore(opts ...couchdb.Option) StoreFactory {
	return func(job jobs.Job) (RemoteStore, error) {
		return couchdb.New(job.Remote, opts...)
	}
}

// Runner executes intents. Every job run takes the workspace lock of its
// local directory for as long as it runs.
type Runner struct {
	log       *slog.Logger
	newStore  StoreFactory
	journal   *journal.Journal
	workers   int
	onOutcome func(sync.Outcome)
}

type RunnerOption func(*Runner)

func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.log = logger
		}
	}
}

func WithStoreFactory(f StoreFactory) RunnerOption {
	return func(r *Runner) {
		r.newStore = f
	}
}

// WithJournal records sessions and watch checkpoints in j. j must be open.
func WithJournal(j *journal.Journal) RunnerOption {
	return func(r *Runner) {
		r.journal = j
	}
}

func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		r.workers = n
	}
}

// WithOutcomeHandler receives every outcome applied in watch mode.
func WithOutcomeHandler(fn func(sync.Outcome)) RunnerOption {
	return func(r *Runner) {
		r.onOutcome = fn
	}
}

func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		log:      slog.Default(),
		newStore: CouchDBStore(),
		workers:  sync.DefaultWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pull runs a pull job built from opts.
func (r *Runner) Pull(ctx context.Context, opts Options) (*sync.Session, error) {
	return r.runIntent(ctx, opts, jobs.CommandPull)
}

func (r *Runner) Push(ctx context.Context, opts Options) (*sync.Session, error) {
	return r.runIntent(ctx, opts, jobs.CommandPush)
}

func (r *Runner) Sync(ctx context.Context, opts Options) (*sync.Session, error) {
	return r.runIntent(ctx, opts, jobs.CommandSync)
}

func (r *Runner) runIntent(ctx context.Context, opts Options, cmd jobs.Command) (*sync.Session, error) {
	if err := opts.validateRun(); err != nil {
		return nil, err
	}

	// --save records the job without running it
	if opts.Save {
		opts.Command = cmd
		return nil, r.Save(opts)
	}
	return r.Execute(ctx, opts.Job(cmd))
}

// Save appends the job described by opts to the registry. The registry is
// created when absent; an unreadable one is an error.
func (r *Runner) Save(opts Options) error {
	if err := opts.validateSave(); err != nil {
		return err
	}

	store, err := jobs.Open(opts.Config)
	if err != nil {
		return err
	}
	job := opts.Job(opts.Command)
	if err := store.Add(job); err != nil {
		return err
	}

	r.log.Info("job saved", "n", store.Len(), "job", job, "config", store.Path())
	return nil
}

// Jobs lists the saved jobs with credentials masked.
func (r *Runner) Jobs(opts Options) ([]jobs.Job, error) {
	store, err := jobs.Load(opts.Config, true)
	if err != nil {
		return nil, err
	}
	return store.List(true), nil
}

// Remove deletes saved job n (1-based) and returns it, masked.
func (r *Runner) Remove(opts Options) (jobs.Job, error) {
	if err := opts.validateRemove(); err != nil {
		return jobs.Job{}, err
	}

	store, err := jobs.Load(opts.Config, true)
	if err != nil {
		return jobs.Job{}, err
	}
	job, err := store.Remove(opts.N)
	if err != nil {
		return jobs.Job{}, err
	}

	r.log.Info("job removed", "n", opts.N, "job", job)
	return job.Masked(), nil
}

// All runs every saved job at once. One-shot jobs finish, watch jobs run
// until ctx is done. A failing job does not stop the others.
func (r *Runner) All(ctx context.Context, opts Options) error {
	store, err := jobs.Load(opts.Config, true)
	if err != nil {
		return err
	}

	saved := store.List(false)
	if len(saved) == 0 {
		r.log.Warn("no saved jobs", "config", store.Path())
		return nil
	}

	errs := make([]error, len(saved))
	var g errgroup.Group
	for i, job := range saved {
		g.Go(func() error {
			if err := job.Validate(); err != nil {
				errs[i] = fmt.Errorf("job %d: %w", i+1, err)
				return nil
			}
			if _, err := r.Execute(ctx, job); err != nil {
				errs[i] = fmt.Errorf("job %d (%s): %w", i+1, job, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Delete removes one document on both sides of a job.
func (r *Runner) Delete(ctx context.Context, opts Options) (*sync.Session, error) {
	if err := opts.validateDelete(); err != nil {
		return nil, err
	}

	job := opts.Job(jobs.CommandSync)
	ws, err := r.lock(job)
	if err != nil {
		return nil, err
	}
	defer r.unlock(ws)

	worker, err := r.worker(ctx, job, false)
	if err != nil {
		return nil, err
	}

	id, err := documentID(worker.Root(), opts.Path)
	if err != nil {
		return nil, err
	}

	session := worker.Remove(ctx, id)
	r.record(ctx, session)
	return session, session.Err()
}

// History returns recent sessions from the journal, newest first.
func (r *Runner) History(ctx context.Context, opts Options) ([]journal.SessionRecord, error) {
	if r.journal == nil {
		return nil, errors.New("history is unavailable: no journal")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return r.journal.RecentSessions(ctx, limit)
}

// Execute runs one job. A one-shot job returns its session, whose failed
// documents make the error a *sync.PartialError. A watch job blocks until
// ctx is done: pull follows the change feed from its checkpoint, push and
// sync run once and then follow local writes (and, for sync, the feed).
func (r *Runner) Execute(ctx context.Context, job jobs.Job) (*sync.Session, error) {
	ws, err := r.lock(job)
	if err != nil {
		return nil, err
	}
	defer r.unlock(ws)

	worker, err := r.worker(ctx, job, job.Command != jobs.CommandPull)
	if err != nil {
		return nil, err
	}

	if job.Watch && job.Command == jobs.CommandPull {
		return nil, r.observe(ctx, worker)
	}

	session, err := worker.Run(ctx)
	if err != nil {
		return nil, err
	}
	r.record(ctx, session)

	if !job.Watch {
		return session, session.Err()
	}
	if err := session.Err(); err != nil {
		r.log.Warn("initial run had failures, watching anyway", "job", job, "error", err)
	}
	return session, r.observe(ctx, worker)
}

func (r *Runner) observe(ctx context.Context, worker *sync.Worker) error {
	opts := []sync.ObserverOption{}
	if r.journal != nil {
		opts = append(opts, sync.WithCheckpointer(r.journal, journal.JobKey(worker.Job())))
	}
	if r.onOutcome != nil {
		opts = append(opts, sync.WithOutcomeHandler(r.onOutcome))
	}

	r.log.Info("watching", "job", worker.Job())
	return sync.NewObserver(worker, opts...).Run(ctx)
}

func (r *Runner) lock(job jobs.Job) (*workspace.Workspace, error) {
	ws, err := workspace.New(job.Local)
	if err != nil {
		return nil, &sync.FilesystemError{Op: "resolve", Path: job.Local, Err: err}
	}

	// push reads an existing directory, it never creates one
	if job.Command == jobs.CommandPush && !utils.DirExists(ws.Root) {
		return nil, &sync.FilesystemError{Op: "scan", Path: ws.Root, Err: errors.New("directory does not exist")}
	}

	if err := ws.Lock(); err != nil {
		return nil, err
	}
	return ws, nil
}

func (r *Runner) unlock(ws *workspace.Workspace) {
	if err := ws.Unlock(); err != nil {
		r.log.Warn("workspace unlock", "root", ws.Root, "error", err)
	}
}

// worker binds a store and a worker to job. With ensure set, a missing
// remote database is created.
func (r *Runner) worker(ctx context.Context, job jobs.Job, ensure bool) (*sync.Worker, error) {
	store, err := r.newStore(job)
	if err != nil {
		return nil, &sync.RemoteError{Op: "connect", Err: err}
	}
	if ensure {
		if err := store.EnsureDatabase(ctx); err != nil {
			return nil, &sync.RemoteError{Op: "create database", Err: err}
		}
	}
	return sync.NewWorker(job, store, sync.WithLogger(r.log), sync.WithWorkers(r.workers))
}

func (r *Runner) record(ctx context.Context, session *sync.Session) {
	if r.journal == nil || session == nil {
		return
	}

	sum := session.Summary()
	rec := journal.SessionRecord{
		ID:        session.ID,
		Job:       session.Job,
		Started:   session.Started,
		Finished:  session.Finished,
		Created:   sum.Created,
		Updated:   sum.Updated,
		Deleted:   sum.Deleted,
		Unchanged: sum.Unchanged,
		Failed:    sum.Failed,
	}
	if err := session.Err(); err != nil {
		rec.Error = err.Error()
	}
	if err := r.journal.RecordSession(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Warn("journal record session", "session", session.ID, "error", err)
	}
}

// documentID accepts a path relative to root, or an absolute one inside it.
func documentID(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	doc, err := sync.DocumentFromPath(root, path)
	if err != nil {
		return "", err
	}
	return doc.ID, nil
}
