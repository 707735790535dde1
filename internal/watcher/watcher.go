// Package watcher reports changes to a single file, such as the service
// config, after a quiet period.
package watcher

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeCallback is called with the watched path once changes settle.
type ChangeCallback func(path string)

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher monitors one file for writes, creates and renames.
type Watcher struct {
	path     string
	callback ChangeCallback
	debounce time.Duration
	log      *slog.Logger

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a watcher for path. Call Start to begin watching.
func New(path string, callback ChangeCallback, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		callback: callback,
		debounce: opts.Debounce,
		log:      opts.Logger.With("path", path),
		cancel:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start watches the file's directory, so the file may be replaced or
// created after Start.
func (w *Watcher) Start() error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(w.path)); err != nil {
		fsW.Close()
		return err
	}
	w.fsWatcher = fsW

	go w.watchLoop()
	return nil
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.cancel:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "err", err)
		}
	}
}

// schedule resets the debounce timer on each event.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.cancel:
			return
		default:
		}
		w.log.Debug("file changed")
		if w.callback != nil {
			w.callback(w.path)
		}
	})
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.cancel)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if w.fsWatcher != nil {
			err = w.fsWatcher.Close()
			<-w.done
		}
	})
	return err
}
