package credentials

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadEvent is delivered to a Watcher's callback after every successful
// reload, carrying both snapshots so the callback (normally the health
// monitor's reconciliation) can diff them.
type ReloadEvent struct {
	Before Document
	After  Document
}

// ReloadFailedEvent is delivered when a reload attempt fails to parse; the
// previous document is left in place per §4.6.
type ReloadFailedEvent struct {
	Path string
	Err  error
}

// Callback is invoked after a successful hot-reload. It is also the hook
// the ccapis Core uses to reconcile the health registry (§4.6 step 3).
type Callback func(ReloadEvent)

// FailureCallback is invoked when a reload attempt fails to parse.
type FailureCallback func(ReloadFailedEvent)

const defaultPollInterval = 5 * time.Second

// Watcher owns the path to the credentials document, detects changes
// (via fsnotify when available, falling back to polling mtime/size), and
// swaps the active document atomically so concurrent readers never observe
// a torn state.
type Watcher struct {
	store Store

	pollInterval time.Duration
	onReload     Callback
	onFailure    FailureCallback

	mu       sync.RWMutex
	current  Document
	modTime  time.Time
	size     int64

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
}

// NewWatcher loads the initial document and prepares a Watcher. Call
// Start to begin watching for changes; Current always returns a
// consistent snapshot even before Start is called.
func NewWatcher(store Store, onReload Callback, onFailure FailureCallback) (*Watcher, error) {
	doc, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("initial credentials load: %w", err)
	}

	w := &Watcher{
		store:        store,
		pollInterval: defaultPollInterval,
		onReload:     onReload,
		onFailure:    onFailure,
		current:      doc,
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
	w.statFile()
	return w, nil
}

// SetPollInterval overrides the mtime/size polling cadence. The poll loop
// runs whether or not fsnotify could be set up; it is the only change
// signal when native filesystem change notifications are unavailable. Must
// be called before Start.
func (w *Watcher) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// Current returns the active, atomically-swapped document snapshot.
func (w *Watcher) Current() Document {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching the credentials file for changes. fsnotify is
// tried first; if the watch cannot be established (e.g. unsupported
// platform, missing directory) Start falls back to polling alone rather
// than failing the whole core.
func (w *Watcher) Start() {
	if fsWatcher, err := fsnotify.NewWatcher(); err == nil {
		if err := fsWatcher.Add(dirOf(w.store.Path())); err == nil {
			w.fsWatcher = fsWatcher
			go w.eventLoop()
		} else {
			_ = fsWatcher.Close()
			log.Warn().Err(err).Str("path", w.store.Path()).Msg("credentials watcher: fsnotify add failed, polling only")
		}
	} else {
		log.Warn().Err(err).Msg("credentials watcher: fsnotify unavailable, polling only")
	}

	go w.pollLoop()
}

// Stop terminates the watcher's background goroutines. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsWatcher != nil {
			_ = w.fsWatcher.Close()
		}
	})
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Name != w.store.Path() {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.maybeReload()
			}
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.changedOnDisk() {
				w.maybeReload()
			}
		}
	}
}

// changedOnDisk compares the file's mtime/size against the last observed
// values, used as the polling fallback's change signal.
func (w *Watcher) changedOnDisk() bool {
	info, err := os.Stat(w.store.Path())
	if err != nil {
		return false
	}
	w.mu.RLock()
	same := info.ModTime().Equal(w.modTime) && info.Size() == w.size
	w.mu.RUnlock()
	return !same
}

func (w *Watcher) statFile() {
	info, err := os.Stat(w.store.Path())
	if err != nil {
		return
	}
	w.mu.Lock()
	w.modTime = info.ModTime()
	w.size = info.Size()
	w.mu.Unlock()
}

// Reload forces an immediate reload pass, as if the file had just changed
// on disk. Exported so a caller can trigger a manual reload outside the
// fsnotify/poll cadence.
func (w *Watcher) Reload() {
	w.maybeReload()
}

// maybeReload performs the §4.6 reload sequence: load, validate, diff,
// atomic swap, emit. A parse failure leaves the previous document intact
// and emits ReloadFailedEvent instead.
func (w *Watcher) maybeReload() {
	newDoc, err := w.store.Load()
	if err != nil {
		log.Warn().Err(err).Str("path", w.store.Path()).Msg("credentials reload failed, keeping previous document")
		if w.onFailure != nil {
			w.onFailure(ReloadFailedEvent{Path: w.store.Path(), Err: err})
		}
		return
	}

	w.mu.Lock()
	before := w.current
	w.current = newDoc
	w.mu.Unlock()
	w.statFile()

	log.Info().Int("accounts", len(newDoc.Credentials)).Msg("credentials reloaded")
	if w.onReload != nil {
		w.onReload(ReloadEvent{Before: before, After: newDoc})
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
