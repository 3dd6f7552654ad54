package sync

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openmined/cbox/internal/jobs"
	"github.com/openmined/cbox/internal/queue"
	"github.com/openmined/cbox/internal/remote"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultResubscribeMin = time.Second
	defaultResubscribeMax = 30 * time.Second
	initialSeq            = "0"
)

// ObserverState is the lifecycle position of an Observer.
type ObserverState string

const (
	ObserverIdle      ObserverState = "idle"
	ObserverListening ObserverState = "listening"
	ObserverApplying  ObserverState = "applying"
	ObserverStopped   ObserverState = "stopped"
)

// Checkpointer persists the last change sequence applied for a job.
type Checkpointer interface {
	LoadCheckpoint(ctx context.Context, key string) (string, error)
	SaveCheckpoint(ctx context.Context, key, seq string) error
}

type eventSource int

const (
	sourceRemote eventSource = iota
	sourceLocal
)

type event struct {
	source eventSource
	id     string
	change remote.Change
	// n is the receipt position of a remote change, prev the feed
	// position just before it.
	n    uint64
	prev string
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithCheckpointer resumes and records the change feed position under key.
func WithCheckpointer(cp Checkpointer, key string) ObserverOption {
	return func(o *Observer) {
		o.checkpoints = cp
		o.checkpointKey = key
	}
}

// WithOutcomeHandler is called after every applied event.
func WithOutcomeHandler(fn func(Outcome)) ObserverOption {
	return func(o *Observer) {
		o.onOutcome = fn
	}
}

// WithResubscribeBackoff bounds the delay between subscription attempts.
func WithResubscribeBackoff(min, max time.Duration) ObserverOption {
	return func(o *Observer) {
		o.backoffMin = min
		o.backoffMax = max
	}
}

// Observer keeps a job applied continuously. Events for one local path are
// applied one at a time in arrival order; events for different paths run
// concurrently up to the worker's pool size.
type Observer struct {
	worker        *Worker
	log           *slog.Logger
	checkpoints   Checkpointer
	checkpointKey string
	onOutcome     func(Outcome)
	backoffMin    time.Duration
	backoffMax    time.Duration
	watchRemote   bool
	watchLocal    bool
	sem           *semaphore.Weighted
	wg            sync.WaitGroup

	mu       sync.Mutex
	state    ObserverState
	queues   map[string]*queue.PriorityQueue[event]
	pending  int
	inFlight int
	stopping bool
	dropped  int
	lastSeq  string
	received uint64

	// the earliest remote change whose apply failed; no checkpoint moves
	// past it
	failedAt   uint64
	failedPrev string

	ckMu    sync.Mutex
	savedAt uint64
}

// NewObserver watches according to the job's command: pull follows the
// remote stream, push follows local writes and sync follows both.
func NewObserver(w *Worker, opts ...ObserverOption) *Observer {
	cmd := w.job.Command
	o := &Observer{
		worker:      w,
		log:         w.log,
		backoffMin:  defaultResubscribeMin,
		backoffMax:  defaultResubscribeMax,
		watchRemote: cmd == jobs.CommandPull || cmd == jobs.CommandSync,
		watchLocal:  cmd == jobs.CommandPush || cmd == jobs.CommandSync,
		sem:         semaphore.NewWeighted(int64(w.workers)),
		state:       ObserverIdle,
		queues:      make(map[string]*queue.PriorityQueue[event]),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Observer) State() ObserverState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run blocks until ctx is cancelled or the subscription fails permanently.
// On cancellation no new events are accepted, applies already running
// finish, and queued events that have not started are dropped.
func (o *Observer) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.state != ObserverIdle {
		o.mu.Unlock()
		return errors.New("observer already started")
	}
	o.state = ObserverListening
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if o.watchLocal {
		watcher, realRoot, err := o.startWatcher(gctx)
		if err != nil {
			o.mu.Lock()
			o.state = ObserverStopped
			o.mu.Unlock()
			return err
		}
		defer watcher.Stop()
		g.Go(func() error { return o.followLocal(gctx, watcher, realRoot) })
	}
	if o.watchRemote {
		g.Go(func() error { return o.followRemote(gctx) })
	}
	err := g.Wait()

	o.mu.Lock()
	o.stopping = true
	for key, q := range o.queues {
		n := len(q.DequeueAll())
		o.dropped += n
		o.pending -= n
		if n > 0 {
			o.log.Debug("observer dropped queued events", "path", key, "count", n)
		}
	}
	o.mu.Unlock()

	o.wg.Wait()

	o.mu.Lock()
	o.state = ObserverStopped
	dropped := o.dropped
	o.mu.Unlock()

	if dropped == 0 {
		o.saveCheckpoint()
	}
	o.log.Info("observer stopped", "dropped", dropped)
	return err
}

func (o *Observer) followRemote(ctx context.Context) error {
	since := initialSeq
	if o.checkpoints != nil {
		seq, err := o.checkpoints.LoadCheckpoint(ctx, o.checkpointKey)
		if err != nil {
			o.log.Warn("checkpoint load failed, starting from the beginning", "error", err)
		} else if seq != "" {
			since = seq
		}
	}

	o.mu.Lock()
	o.lastSeq = since
	o.mu.Unlock()

	delay := o.backoffMin
	for {
		o.log.Info("change feed subscribe", "since", since)
		err := o.worker.store.SubscribeChanges(ctx, since, func(ch remote.Change) error {
			since = ch.Seq
			delay = o.backoffMin
			o.enqueueChange(ch)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if remote.IsPermanent(err) {
			return &RemoteError{Op: "subscribe", Err: err}
		}

		wait := jitter(delay)
		o.log.Warn("change feed dropped, resubscribing", "error", err, "in", wait.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		delay = min(delay*2, o.backoffMax)
	}
}

// jitter spreads d over [0.75d, 1.25d).
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}

// startWatcher begins watching the job root. Files the worker writes are
// suppressed so pulls do not bounce back as local writes.
func (o *Observer) startWatcher(ctx context.Context) (*FileWatcher, string, error) {
	root := o.worker.root
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, "", &FilesystemError{Op: "watch", Path: root, Err: err}
	}

	watcher := NewFileWatcher(realRoot, o.log)
	if err := watcher.Start(ctx); err != nil {
		return nil, "", &FilesystemError{Op: "watch", Path: root, Err: err}
	}

	o.worker.beforeLocalWrite = func(path string) {
		if rel, err := filepath.Rel(root, path); err == nil {
			watcher.IgnoreOnce(filepath.Join(realRoot, rel))
		}
	}
	return watcher, realRoot, nil
}

func (o *Observer) followLocal(ctx context.Context, watcher *FileWatcher, realRoot string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			doc, err := DocumentFromPath(realRoot, ev.Path())
			if err != nil || o.worker.ignore.ShouldIgnore(doc.ID) {
				continue
			}
			if info, err := os.Stat(ev.Path()); err != nil || !info.Mode().IsRegular() {
				continue
			}
			o.enqueue(event{source: sourceLocal, id: doc.ID})
		}
	}
}

func (o *Observer) enqueueChange(ch remote.Change) {
	if o.worker.ignore.ShouldIgnore(ch.ID) {
		o.advance(ch.Seq)
		return
	}
	o.enqueue(event{source: sourceRemote, id: ch.ID, change: ch})
}

// advance moves the feed position past a change that needs no apply.
func (o *Observer) advance(seq string) {
	o.mu.Lock()
	o.lastSeq = seq
	o.received++
	o.mu.Unlock()
	o.maybeCheckpoint()
}

// enqueue appends ev to the queue of its local path and starts a drainer
// for that path if none is running.
func (o *Observer) enqueue(ev event) {
	doc, err := NewDocument(o.worker.root, ev.id)
	if err != nil {
		dir := DirectionPull
		if ev.source == sourceLocal {
			dir = DirectionPush
		}
		o.report(failed(ev.id, dir, err))
		if ev.source == sourceRemote {
			o.advance(ev.change.Seq)
		}
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if ev.source == sourceRemote {
		ev.prev = o.lastSeq
		o.lastSeq = ev.change.Seq
		o.received++
		ev.n = o.received
	}
	if o.stopping {
		o.dropped++
		return
	}

	o.pending++
	if q, busy := o.queues[doc.Path]; busy {
		q.Enqueue(ev, 0)
		return
	}

	o.queues[doc.Path] = queue.NewPriorityQueue[event]()
	o.wg.Add(1)
	go o.drain(doc.Path, ev)
}

func (o *Observer) drain(key string, ev event) {
	defer o.wg.Done()

	for {
		if !o.begin(key) {
			return
		}

		outcome := o.apply(ev)
		o.sem.Release(1)
		if outcome.State == StateFailed && ev.source == sourceRemote {
			o.holdCheckpoint(ev)
		}
		o.report(outcome)

		next, ok := o.finish(key)
		if !ok {
			return
		}
		ev = next
	}
}

// begin waits for a pool slot. It returns false, dropping the rest of the
// path's queue, when the observer is stopping.
func (o *Observer) begin(key string) bool {
	o.mu.Lock()
	stopping := o.stopping
	o.mu.Unlock()

	if stopping || o.sem.Acquire(context.Background(), 1) != nil {
		o.dropQueue(key, 1)
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		o.sem.Release(1)
		o.dropQueueLocked(key, 1)
		return false
	}
	o.inFlight++
	o.state = ObserverApplying
	return true
}

// finish settles one applied event and hands back the next one for key.
func (o *Observer) finish(key string) (event, bool) {
	o.mu.Lock()
	o.inFlight--
	o.pending--

	q := o.queues[key]
	next, ok := q.Dequeue()
	if !ok || o.stopping {
		if ok {
			o.dropQueueLocked(key, 1)
		} else {
			delete(o.queues, key)
		}
		if o.inFlight == 0 && o.state == ObserverApplying {
			o.state = ObserverListening
		}
		o.mu.Unlock()
		o.maybeCheckpoint()
		return event{}, false
	}
	o.mu.Unlock()
	return next, true
}

func (o *Observer) dropQueue(key string, extra int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropQueueLocked(key, extra)
}

// dropQueueLocked discards key's queue plus extra events already taken
// from it.
func (o *Observer) dropQueueLocked(key string, extra int) {
	n := extra
	if q, ok := o.queues[key]; ok {
		n += len(q.DequeueAll())
		delete(o.queues, key)
	}
	o.pending -= n
	o.dropped += n
}

func (o *Observer) apply(ev event) Outcome {
	// an apply that has started always runs to completion
	ctx := context.Background()
	switch ev.source {
	case sourceLocal:
		return o.worker.PushDocument(ctx, ev.id, nil)
	default:
		return o.worker.ApplyChange(ctx, ev.change)
	}
}

func (o *Observer) report(out Outcome) {
	o.worker.logOutcome(out)
	if o.onOutcome != nil {
		o.onOutcome(out)
	}
}

// holdCheckpoint keeps the saved feed position before ev so a restart
// replays it.
func (o *Observer) holdCheckpoint(ev event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failedAt == 0 || ev.n < o.failedAt {
		o.failedAt = ev.n
		o.failedPrev = ev.prev
	}
}

// maybeCheckpoint records the last received sequence once every event
// received so far has been applied.
func (o *Observer) maybeCheckpoint() {
	o.mu.Lock()
	idle := o.pending == 0 && o.dropped == 0
	o.mu.Unlock()
	if idle {
		o.saveCheckpoint()
	}
}

func (o *Observer) saveCheckpoint() {
	if o.checkpoints == nil {
		return
	}

	o.mu.Lock()
	seq, received, pending := o.lastSeq, o.received, o.pending
	if o.failedAt != 0 {
		seq, received = o.failedPrev, o.failedAt-1
	}
	o.mu.Unlock()
	if seq == "" || pending != 0 {
		return
	}

	o.ckMu.Lock()
	defer o.ckMu.Unlock()
	if received <= o.savedAt {
		return
	}
	if err := o.checkpoints.SaveCheckpoint(context.Background(), o.checkpointKey, seq); err != nil {
		o.log.Warn("checkpoint save failed", "seq", seq, "error", err)
		return
	}
	o.savedAt = received
}
