// Package notify provides best-effort fan-out of push notifications to
// registered observers, plus a WebSocket server that relays them to
// connected clients.
//
// Delivery runs through the dispatcher's worker pool, off the originating
// operation's path. A failing observer is logged and does not affect
// delivery to the others or the operation that raised the event.
package notify

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// EventType classifies a push notification.
type EventType string

const (
	// EventPageWritten indicates a page snapshot was persisted.
	EventPageWritten EventType = "page_written"

	// EventPageChanged indicates a page was modified outside the
	// application (observed by the file store watcher).
	EventPageChanged EventType = "page_changed"

	// EventPageDeleted indicates a page was removed from the store.
	EventPageDeleted EventType = "page_deleted"

	// EventStoreDown indicates the backing store became unreachable.
	EventStoreDown EventType = "store_down"
)

// Event carries a notification snapshot. It is safe for observers to
// retain.
type Event struct {
	Type      EventType `json:"type"`
	Target    string    `json:"target,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives events. Deliver runs on a dispatcher worker; a returned
// error (or panic) is logged and otherwise ignored.
type Observer interface {
	Deliver(ctx context.Context, ev Event) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, ev Event) error

// Deliver implements Observer.
func (f ObserverFunc) Deliver(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// asyncRunner schedules best-effort work; satisfied by
// dispatch.Dispatcher's SubmitAsync.
type asyncRunner interface {
	SubmitAsync(fn func(ctx context.Context)) error
}

// Registry fans events out to registered observers.
type Registry struct {
	logger *log.Logger

	mu        sync.RWMutex
	runner    asyncRunner
	observers map[string]Observer
}

// NewRegistry creates a registry delivering through runner. The runner may
// be nil at construction (the dispatcher is wired to the registry's store
// decorator and vice versa); set it with SetRunner before the first Notify,
// otherwise delivery falls back to a plain goroutine.
// If logger is nil, a default stderr logger is used.
func NewRegistry(runner asyncRunner, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Registry{
		runner:    runner,
		logger:    logger,
		observers: make(map[string]Observer),
	}
}

// SetRunner installs the worker pool used for delivery.
func (r *Registry) SetRunner(runner asyncRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runner = runner
}

// Register adds an observer under a unique name, replacing any previous
// observer with the same name.
func (r *Registry) Register(name string, obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[name] = obs
}

// Unregister removes the named observer. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, name)
}

// Notify delivers ev to every registered observer, fire-and-forget.
// It never blocks the caller and never reports delivery failures back.
func (r *Registry) Notify(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.mu.RLock()
	runner := r.runner
	targets := make(map[string]Observer, len(r.observers))
	for name, obs := range r.observers {
		targets[name] = obs
	}
	r.mu.RUnlock()

	for name, obs := range targets {
		name, obs := name, obs
		fn := func(ctx context.Context) {
			if err := r.deliver(ctx, name, obs, ev); err != nil {
				r.logger.Printf("Warning: delivery to observer %q failed: %v", name, err)
			}
		}
		if runner == nil {
			go fn(context.Background())
			continue
		}
		if err := runner.SubmitAsync(fn); err != nil {
			r.logger.Printf("Warning: notification for %q not scheduled: %v", name, err)
		}
	}
}

// deliver invokes one observer, containing panics.
func (r *Registry) deliver(ctx context.Context, name string, obs Observer, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("observer panic: %v", rec)
		}
	}()
	return obs.Deliver(ctx, ev)
}

// Count returns the number of registered observers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}
