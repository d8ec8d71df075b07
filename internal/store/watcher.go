package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChangeOp represents the kind of external page change observed on disk.
type ChangeOp int

const (
	// ChangeWrite indicates a page file was created or modified.
	ChangeWrite ChangeOp = iota
	// ChangeDelete indicates a page file was deleted.
	ChangeDelete
)

// String returns a human-readable representation of the operation.
func (op ChangeOp) String() string {
	switch op {
	case ChangeWrite:
		return "write"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// PageChange is an externally observed modification to a stored page,
// e.g. a user editing a page file directly on disk.
type PageChange struct {
	// PageID is the page the change applies to.
	PageID string
	// Op is what happened to the page file.
	Op ChangeOp
}

// Watcher watches a file store's page directory for external edits.
// It uses fsnotify for cross-platform file system event monitoring.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan PageChange
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	root    string
}

// NewWatcher creates a new Watcher instance.
// The watcher must be started with Start() before it will emit events.
func NewWatcher() (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher: watcher,
		events:  make(chan PageChange, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the page directory for changes.
// Only *.json page files produce events; temp files are ignored.
func (w *Watcher) Start(root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	w.root = root
	if err := w.watcher.Add(root); err != nil {
		return fmt.Errorf("failed to watch page directory %s: %w", root, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the channel that emits PageChange notifications.
// This channel is closed when the watcher is stopped.
func (w *Watcher) Events() <-chan PageChange {
	return w.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// processEvents converts fsnotify events to PageChange notifications.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if change, ok := w.convertEvent(event); ok {
				select {
				case w.events <- change:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to a PageChange.
// Returns (PageChange, true) if the event should be processed,
// or (PageChange{}, false) if the event should be ignored.
func (w *Watcher) convertEvent(event fsnotify.Event) (PageChange, bool) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, ".json") {
		return PageChange{}, false
	}

	var op ChangeOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = ChangeWrite
	case event.Has(fsnotify.Remove):
		op = ChangeDelete
	case event.Has(fsnotify.Rename):
		// Treat rename as delete (the new name will trigger a create)
		op = ChangeDelete
	default:
		// Ignore chmod and other events
		return PageChange{}, false
	}

	return PageChange{
		PageID: strings.TrimSuffix(name, ".json"),
		Op:     op,
	}, true
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
