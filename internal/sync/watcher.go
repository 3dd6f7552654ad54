package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	defaultIgnoreTimeout   = 2 * time.Second
	defaultCleanupInterval = 15 * time.Second
	defaultDebounceTimeout = 50 * time.Millisecond
	eventBufferSize        = 64
)

// FileWatcher reports writes below a directory. Bursts of events on one
// path are collapsed into one, and paths the engine writes itself can be
// ignored once.
type FileWatcher struct {
	dir             string
	log             *slog.Logger
	rawEvents       chan notify.EventInfo
	events          chan notify.EventInfo
	done            chan struct{}
	ctxDone         <-chan struct{}
	wg              sync.WaitGroup
	sends           sync.WaitGroup
	cleanupInterval time.Duration
	debounceTimeout time.Duration

	ignoreMu sync.Mutex
	ignore   map[string]time.Time

	debounceMu sync.Mutex
	pending    map[string]notify.EventInfo
	timers     map[string]*time.Timer
	closed     bool
}

func NewFileWatcher(dir string, logger *slog.Logger) *FileWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		dir:             dir,
		log:             logger,
		done:            make(chan struct{}),
		cleanupInterval: defaultCleanupInterval,
		debounceTimeout: defaultDebounceTimeout,
		ignore:          make(map[string]time.Time),
		pending:         make(map[string]notify.EventInfo),
		timers:          make(map[string]*time.Timer),
	}
}

func (fw *FileWatcher) SetDebounceTimeout(d time.Duration) {
	fw.debounceTimeout = d
}

// Start begins watching recursively. Events stop when ctx is done or Stop
// is called.
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	fw.events = make(chan notify.EventInfo, eventBufferSize)
	fw.ctxDone = ctx.Done()

	if err := notify.Watch(fw.dir+"/...", fw.rawEvents, notify.Write, notify.Create, notify.Rename); err != nil {
		return err
	}
	fw.log.Debug("file watcher start", "dir", fw.dir)

	fw.wg.Add(2)
	go fw.filter(ctx)
	go fw.cleanup(ctx)
	return nil
}

func (fw *FileWatcher) Stop() {
	select {
	case <-fw.done:
		return
	default:
	}
	close(fw.done)
	if fw.rawEvents != nil {
		notify.Stop(fw.rawEvents)
	}
	fw.wg.Wait()
	fw.log.Debug("file watcher stopped", "dir", fw.dir)
}

func (fw *FileWatcher) Events() <-chan notify.EventInfo {
	return fw.events
}

// IgnoreOnce drops the next event for path if it arrives soon.
func (fw *FileWatcher) IgnoreOnce(path string) {
	fw.ignoreMu.Lock()
	defer fw.ignoreMu.Unlock()
	fw.ignore[path] = time.Now().Add(defaultIgnoreTimeout)
}

func (fw *FileWatcher) consumeIgnore(path string) bool {
	fw.ignoreMu.Lock()
	defer fw.ignoreMu.Unlock()

	expiry, ok := fw.ignore[path]
	if !ok {
		return false
	}
	delete(fw.ignore, path)
	return time.Now().Before(expiry)
}

func (fw *FileWatcher) filter(ctx context.Context) {
	defer func() {
		fw.debounceMu.Lock()
		fw.closed = true
		for path, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, path)
			delete(fw.pending, path)
		}
		fw.debounceMu.Unlock()
		fw.sends.Wait()
		close(fw.events)
		fw.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case ev, ok := <-fw.rawEvents:
			if !ok {
				return
			}
			fw.debounce(ev)
		}
	}
}

func (fw *FileWatcher) debounce(ev notify.EventInfo) {
	path := ev.Path()

	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if timer, ok := fw.timers[path]; ok {
		timer.Stop()
	}
	fw.pending[path] = ev
	fw.timers[path] = time.AfterFunc(fw.debounceTimeout, func() { fw.flush(path) })
}

func (fw *FileWatcher) flush(path string) {
	fw.debounceMu.Lock()
	ev, ok := fw.pending[path]
	if !ok || fw.closed {
		fw.debounceMu.Unlock()
		return
	}
	delete(fw.pending, path)
	delete(fw.timers, path)

	if fw.consumeIgnore(path) {
		fw.debounceMu.Unlock()
		return
	}

	// filter waits for sends before closing events
	fw.sends.Add(1)
	fw.debounceMu.Unlock()
	defer fw.sends.Done()

	// a full channel delays the event until the consumer catches up
	select {
	case fw.events <- ev:
	case <-fw.done:
	case <-fw.ctxDone:
	}
}

func (fw *FileWatcher) cleanup(ctx context.Context) {
	defer fw.wg.Done()

	ticker := time.NewTicker(fw.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case <-ticker.C:
			now := time.Now()
			fw.ignoreMu.Lock()
			for path, expiry := range fw.ignore {
				if now.After(expiry) {
					delete(fw.ignore, path)
				}
			}
			fw.ignoreMu.Unlock()
		}
	}
}
