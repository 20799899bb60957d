package prompt

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"promptsmith/internal/logging"
)

// DefaultWatchDebounce is how long the directory must be quiet before a reload.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watcher keeps a MemoryStore in sync with a directory of fragment files.
// A burst of file events produces one reload once the directory has been
// quiet for the debounce interval; concurrent Reload calls share one load.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	store       *MemoryStore
	dir         string
	debounceDur time.Duration
	lastEvent   time.Time
	pending     bool
	composites  []*CompositeTemplate
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stopped     bool
	closeOnce   sync.Once

	reloads singleflight.Group
	stats   WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Events        int
	Reloads       int
	Errors        int
	LastReload    time.Time
	LastEventPath string
}

// NewWatcher creates a watcher for dir feeding store. A zero debounce uses
// DefaultWatchDebounce.
func NewWatcher(dir string, store *MemoryStore, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	return &Watcher{
		watcher:     fw,
		store:       store,
		dir:         dir,
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Reload loads the directory and replaces the store contents. Concurrent
// callers share a single load. On failure the store keeps its previous
// snapshot.
func (w *Watcher) Reload(ctx context.Context) (*LoadResult, error) {
	v, err, shared := w.reloads.Do(w.dir, func() (interface{}, error) {
		return w.reload(ctx)
	})
	if shared {
		logging.StoreDebug("Watcher: reload of %s shared with a concurrent caller", w.dir)
	}
	if err != nil {
		return nil, err
	}
	return v.(*LoadResult), nil
}

func (w *Watcher) reload(ctx context.Context) (*LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := LoadDir(w.dir)
	if err == nil {
		err = w.store.Replace(res.Fragments)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.stats.Errors++
		logging.Audit().StoreReloaded(w.dir, 0, w.store.Generation(), err.Error())
		return nil, errors.Wrapf(err, "reload %s", w.dir)
	}
	w.composites = res.Composites
	w.stats.Reloads++
	w.stats.LastReload = time.Now()
	logging.Audit().StoreReloaded(w.dir, len(res.Fragments), w.store.Generation(), "")
	return res, nil
}

// Composites returns the composite templates from the last successful reload.
func (w *Watcher) Composites() []*CompositeTemplate {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*CompositeTemplate, len(w.composites))
	copy(out, w.composites)
	return out
}

// Composite returns a composite template by name.
func (w *Watcher) Composite(name string) (*CompositeTemplate, bool) {
	for _, c := range w.Composites() {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// ErrWatcherStopped is returned by Start on a watcher that was stopped.
var ErrWatcherStopped = errors.New("watcher is stopped")

// Start performs an initial reload and begins watching. It returns the
// initial reload error, if any; the watch keeps running either way.
// A watcher runs once: after Stop, create a new one.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return errors.Wrapf(ErrWatcherStopped, "start %s", w.dir)
	}
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addTree(w.dir); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("Watcher: failed to watch %s: %v", w.dir, err)
	} else {
		logging.Get(logging.CategoryWatcher).Info("Watcher: watching %s", w.dir)
	}

	_, err := w.Reload(ctx)

	go w.run(ctx)
	return err
}

// Stop halts the watcher, waits for its goroutine to exit and releases the
// fsnotify handle. It is safe to call on a watcher that was never started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.stopped = true
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}

	w.closeOnce.Do(func() {
		if err := w.watcher.Close(); err != nil {
			logging.Get(logging.CategoryWatcher).Error("Watcher: error closing fsnotify: %v", err)
		}
	})
	logging.Get(logging.CategoryWatcher).Debug("Watcher: stopped")
}

// Stats returns a copy of the watcher statistics.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounceDur / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Error("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			if w.due() {
				if _, err := w.Reload(ctx); err != nil {
					logging.Get(logging.CategoryWatcher).Warn("Watcher: reload failed, keeping previous snapshot: %v", err)
				}
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				logging.Get(logging.CategoryWatcher).Warn("Watcher: failed to watch %s: %v", event.Name, err)
			}
		}
	}

	// content_file targets may have any extension, so every file counts.
	logging.Get(logging.CategoryWatcher).Debug("Watcher: %s %s", event.Op, event.Name)

	w.mu.Lock()
	w.stats.Events++
	w.stats.LastEventPath = event.Name
	w.lastEvent = time.Now()
	w.pending = true
	w.mu.Unlock()
}

// due reports whether a pending change has been quiet long enough and
// clears the pending flag when it has.
func (w *Watcher) due() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.pending || time.Since(w.lastEvent) < w.debounceDur {
		return false
	}
	w.pending = false
	return true
}
