// Package filewatch implements the Watch/FileChanged stimulus source
// (spec.md §4.4): toggling a recursive or non-recursive watch on a path
// and installing per-path/per-condition filters that enqueue an event
// on a matching fsnotify event. Grounded on the config-reload watcher in
// rubiojr-ergs/cmd/serve.go (fsnotify.NewWatcher, the Write/Create/
// Rename/Remove event-classification switch), generalized from one
// fixed config path to an arbitrary, runtime-mutable set of watched
// paths and filters.
package filewatch

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/payload"
)

// ChangeKind is the condition a FileChanged filter matches against.
type ChangeKind string

const (
	Created ChangeKind = "created"
	Written ChangeKind = "written"
	Removed ChangeKind = "removed"
)

func classify(op fsnotify.Op) (ChangeKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return Created, true
	case op.Has(fsnotify.Write):
		return Written, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return Removed, true
	default:
		return "", false
	}
}

// EnqueueFunc delivers a synthesized (name, payload) onto the
// dispatcher's ready channel.
type EnqueueFunc func(name string, p payload.Payload)

type filter struct {
	when      ChangeKind
	eventName string
}

// Watcher wraps one shared fsnotify.Watcher and the path/filter tables
// that Watch and FileChanged event kinds mutate at runtime.
type Watcher struct {
	fs *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]bool     // path -> explicitly watched by Watch(start)
	filters map[string][]filter // path -> FileChanged filters

	state   *payload.StateMap
	enqueue EnqueueFunc
	logger  *slog.Logger
}

// New creates a Watcher backed by a fresh fsnotify.Watcher and starts
// its event loop in the background.
func New(state *payload.StateMap, enqueue EnqueueFunc, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, herrors.NewSource("filewatch.New", "fsnotify init", err)
	}

	w := &Watcher{
		fs:      fw,
		watched: map[string]bool{},
		filters: map[string][]filter{},
		state:   state,
		enqueue: enqueue,
		logger:  logger,
	}
	go w.loop()
	return w, nil
}

// Start begins watching path; if recursive, every subdirectory found at
// start time is added too (fsnotify does not recurse on its own).
func (w *Watcher) Start(path string, recursive bool) error {
	w.mu.Lock()
	w.watched[path] = true
	w.mu.Unlock()

	if err := w.fs.Add(path); err != nil {
		return herrors.NewSource("filewatch.Start", path, err)
	}
	if !recursive {
		return nil
	}

	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && p != path {
			if err := w.fs.Add(p); err != nil {
				w.logger.Warn("filewatch: failed to add subdirectory", "path", p, "error", err)
			}
		}
		return nil
	})
}

// Stop removes path from the watch set. A Start followed by Stop on the
// same path is a no-op in aggregate, per spec.md §9.
func (w *Watcher) Stop(path string) error {
	w.mu.Lock()
	delete(w.watched, path)
	w.mu.Unlock()

	if err := w.fs.Remove(path); err != nil {
		return herrors.NewSource("filewatch.Stop", path, err)
	}
	return nil
}

// OnChange installs a filter: when fs emits an event at exactly path
// matching when, eventName is enqueued with data set to path.
func (w *Watcher) OnChange(path string, when ChangeKind, eventName string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.filters[path] = append(w.filters[path], filter{when: when, eventName: eventName})
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filewatch: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	kind, ok := classify(ev.Op)
	if !ok {
		return
	}

	w.mu.Lock()
	matches := append([]filter{}, w.filters[ev.Name]...)
	w.mu.Unlock()

	for _, f := range matches {
		if f.when != kind {
			continue
		}
		pl := payload.New(w.state)
		pl.Data = payload.String(ev.Name)
		w.enqueue(f.eventName, pl)
	}
}

// Close shuts down the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
