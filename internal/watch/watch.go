// Package watch adapts raw fsnotify events into the small FS-event enum the
// Event Fan-out path consumes, following the same translation shape as
// webbben-p2p-file-share's syncdir.WatchForFileChanges: classify Op bits and
// stat the path to tell a file apart from a directory.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Kind is the closed set of filesystem changes the core reacts to.
type Kind int

const (
	FileCreate Kind = iota
	FileDelete
	FileModify
	DirectoryCreate
	DirectoryDelete
)

func (k Kind) String() string {
	switch k {
	case FileCreate:
		return "FILE_CREATE"
	case FileDelete:
		return "FILE_DELETE"
	case FileModify:
		return "FILE_MODIFY"
	case DirectoryCreate:
		return "DIRECTORY_CREATE"
	case DirectoryDelete:
		return "DIRECTORY_DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event is one classified filesystem change, with PathName relative to the
// watched root and slash-separated regardless of host OS.
type Event struct {
	Kind     Kind
	PathName string
}

// Watcher watches a directory tree rooted at root and emits classified
// Events. Newly created subdirectories are added to the watch automatically.
type Watcher struct {
	root string
	fsw  *fsnotify.Watcher

	mu    sync.Mutex
	dirs  map[string]bool // absolute dir paths currently watched, for delete classification
}

// New creates a Watcher over root, recursively watching every existing
// subdirectory.
func New(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch: resolve root: %w", err)
	}

	w := &Watcher{root: abs, fsw: fsw, dirs: make(map[string]bool)}
	if err := filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := fsw.Add(path); err != nil {
				return err
			}
			w.dirs[path] = true
		}
		return nil
	}); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch: initial scan: %w", err)
	}
	return w, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run translates fsnotify events into classified Events delivered to onEvent
// until ctx is canceled. Errors from the underlying watcher are delivered to
// onErr; Run returns when ctx is done or the watcher's channels close.
func (w *Watcher) Run(ctx context.Context, onEvent func(Event), onErr func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if evt, ok := w.classify(ev); ok {
				onEvent(evt)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if onErr != nil {
				onErr(err)
			}
		}
	}
}

func (w *Watcher) classify(ev fsnotify.Event) (Event, bool) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return Event{}, false
	}
	rel = filepath.ToSlash(rel)

	switch {
	case ev.Op&fsnotify.Create == fsnotify.Create:
		info, err := os.Stat(ev.Name)
		if err != nil {
			return Event{}, false
		}
		if info.IsDir() {
			w.mu.Lock()
			w.dirs[ev.Name] = true
			w.mu.Unlock()
			_ = w.fsw.Add(ev.Name)
			return Event{Kind: DirectoryCreate, PathName: rel}, true
		}
		return Event{Kind: FileCreate, PathName: rel}, true

	case ev.Op&fsnotify.Write == fsnotify.Write:
		info, err := os.Stat(ev.Name)
		if err != nil || info.IsDir() {
			return Event{}, false
		}
		return Event{Kind: FileModify, PathName: rel}, true

	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.mu.Lock()
		wasDir := w.dirs[ev.Name]
		delete(w.dirs, ev.Name)
		w.mu.Unlock()
		if wasDir || strings.HasSuffix(ev.Name, string(filepath.Separator)) {
			return Event{Kind: DirectoryDelete, PathName: rel}, true
		}
		return Event{Kind: FileDelete, PathName: rel}, true
	}
	return Event{}, false
}
