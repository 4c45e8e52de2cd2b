package daemon

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind mirrors the IngestEvent variants a filesystem change can
// produce.
type EventKind uint8

const (
	EventFileChanged EventKind = iota
	EventDirCreated
	EventSymlinkCreated
	EventRemoved
)

// IngestEvent is one debounced filesystem change destined for the ingest
// worker.
type IngestEvent struct {
	Kind EventKind
	Path string
}

const debounceWindow = 100 * time.Millisecond

// Watcher recursively watches a project root with fsnotify, debounces
// bursts of events per path, and emits one IngestEvent per settled change
// onto Events. Ignored patterns (e.g. the daemon's own staging directory)
// are never surfaced.
type Watcher struct {
	root    string
	ignore  []string
	fsw     *fsnotify.Watcher
	Events  chan IngestEvent

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a Watcher rooted at root, ignoring any path with one
// of the given prefixes (relative to root).
func NewWatcher(root string, ignore []string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    root,
		ignore:  ignore,
		fsw:     fsw,
		Events:  make(chan IngestEvent, 256),
		pending: make(map[string]*time.Timer),
	}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addRecursive walks root and registers every directory with fsnotify,
// which (unlike some watcher APIs) only watches the directories it is
// explicitly given, not their descendants.
func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if w.ignored(path) && path != root {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// Run drains fsnotify's event and error channels until Close is called.
// It mirrors the select-over-watcher.Events/watcher.Errors loop common
// across this codebase's daemons, adding a per-path debounce timer before
// forwarding to Events.
func (w *Watcher) Run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("vdird: watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				log.Printf("vdird: watching new directory %q: %v", event.Name, err)
			}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[event.Name]; ok {
		t.Stop()
	}
	w.pending[event.Name] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, event.Name)
		w.mu.Unlock()
		w.Events <- classify(event)
	})
}

func classify(event fsnotify.Event) IngestEvent {
	switch {
	case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
		return IngestEvent{Kind: EventRemoved, Path: event.Name}
	case event.Op&fsnotify.Create != 0:
		return IngestEvent{Kind: EventFileChanged, Path: event.Name}
	default:
		return IngestEvent{Kind: EventFileChanged, Path: event.Name}
	}
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, pattern := range w.ignore {
		if strings.HasPrefix(rel, pattern) {
			return true
		}
	}
	return false
}

// Close stops the underlying fsnotify watcher and any pending debounce
// timers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = nil
	w.mu.Unlock()
	return w.fsw.Close()
}
