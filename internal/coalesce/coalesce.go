// Package coalesce collapses bursts of editor mutations into a single
// durable write per quiescence cycle.
//
// Each open editing session owns an independent single-shot timer. A
// mutation arms the timer (or pushes its deadline out if already armed);
// when it fires, exactly one write carrying the latest snapshot is submitted
// to the dispatcher and the session returns to the unarmed state. Explicit
// triggers (page navigation, window close) flush immediately and cancel any
// armed timer.
//
// There is deliberately no feedback loop from the fire-and-forget write
// lane: a failed flush is healed by the next mutation, which re-arms and
// sends the then-current snapshot.
package coalesce

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pagevault/pagevault/internal/dispatch"
	"github.com/pagevault/pagevault/internal/store"
)

// ErrUnknownSession is returned for a session ID that was never opened or
// has been closed.
var ErrUnknownSession = errors.New("unknown session")

// Config holds coalescer tuning parameters.
type Config struct {
	// QuiescenceWindow is the idle duration after the last mutation
	// before a coalesced flush fires.
	QuiescenceWindow time.Duration

	// Logger receives coalescer activity. Defaults to stderr.
	Logger *log.Logger

	// Verbose enables armed/fired/cancelled debug logging.
	Verbose bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		QuiescenceWindow: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[coalesce] ", log.LstdFlags),
	}
}

// session tracks one open editor document.
type session struct {
	target   string // page ID the session persists to
	snapshot []byte // latest in-memory content, authoritative for reads back to the UI
	title    string
	gen      uint64      // bumped on every arm/cancel; stale timers check it
	timer    *time.Timer // nil when unarmed
}

// Coalescer batches rapid local mutations per session and submits at most
// one pending flush to the dispatcher per quiescence cycle.
type Coalescer struct {
	cfg    *Config
	disp   *dispatch.Dispatcher
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a coalescer that flushes through disp.
func New(cfg *Config, disp *dispatch.Dispatcher) (*Coalescer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if disp == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if cfg.QuiescenceWindow <= 0 {
		return nil, fmt.Errorf("quiescence window must be positive, got %v", cfg.QuiescenceWindow)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[coalesce] ", log.LstdFlags)
	}

	return &Coalescer{
		cfg:      cfg,
		disp:     disp,
		logger:   logger,
		sessions: make(map[string]*session),
	}, nil
}

// Open registers a session persisting to the given page.
// Opening an already-open session just updates its target.
func (c *Coalescer) Open(sessionID, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[sessionID]; ok {
		s.target = target
		return
	}
	c.sessions[sessionID] = &session{target: target}
	if c.cfg.Verbose {
		c.logger.Printf("Session %s opened (target %s)", sessionID, target)
	}
}

// OnMutation records a new content snapshot and (re)arms the session's
// quiescence timer. It never blocks the caller.
func (c *Coalescer) OnMutation(sessionID, title string, snapshot []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	s.snapshot = snapshot
	s.title = title
	s.gen++
	gen := s.gen

	if s.timer != nil {
		// Push the deadline out. Stop may race an in-flight fire; the
		// generation check in the callback discards the stale fire.
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(c.cfg.QuiescenceWindow, func() {
		c.fire(sessionID, gen)
	})
	if c.cfg.Verbose {
		c.logger.Printf("Session %s armed (deadline +%v)", sessionID, c.cfg.QuiescenceWindow)
	}
	return nil
}

// fire is the timer callback: if the arming generation is still current,
// flush and disarm.
func (c *Coalescer) fire(sessionID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok || s.gen != gen {
		// Re-armed, flushed, or closed since this timer was set.
		return
	}
	s.timer = nil
	c.submitLocked(sessionID, s)
	if c.cfg.Verbose {
		c.logger.Printf("Session %s fired", sessionID)
	}
}

// FlushNow cancels any armed timer and immediately submits one write with
// the session's current snapshot.
func (c *Coalescer) FlushNow(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	c.cancelTimerLocked(sessionID, s)
	c.submitLocked(sessionID, s)
	return nil
}

// Close forces a final flush and destroys the session. Closing a session
// never silently drops the last edit.
func (c *Coalescer) Close(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	c.cancelTimerLocked(sessionID, s)
	c.submitLocked(sessionID, s)
	delete(c.sessions, sessionID)
	if c.cfg.Verbose {
		c.logger.Printf("Session %s closed", sessionID)
	}
	return nil
}

// CloseAll flushes and destroys every session. Used on shutdown.
func (c *Coalescer) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, s := range c.sessions {
		c.cancelTimerLocked(id, s)
		c.submitLocked(id, s)
		delete(c.sessions, id)
	}
}

// Snapshot returns the session's current in-memory content, which is always
// at least as fresh as the last successful flush.
func (c *Coalescer) Snapshot(sessionID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return s.snapshot, nil
}

// Sessions returns the IDs of all open sessions.
func (c *Coalescer) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// cancelTimerLocked disarms the session. The generation bump guarantees a
// concurrently-firing timer callback becomes a no-op.
func (c *Coalescer) cancelTimerLocked(sessionID string, s *session) {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		if c.cfg.Verbose {
			c.logger.Printf("Session %s timer cancelled", sessionID)
		}
	}
}

// submitLocked sends one fire-and-forget write with the latest snapshot.
// Sessions with no recorded mutation yet have nothing to persist.
func (c *Coalescer) submitLocked(sessionID string, s *session) {
	if s.snapshot == nil {
		return
	}

	op := store.Op{
		Kind:     store.OpWrite,
		Target:   s.target,
		Title:    s.title,
		Payload:  s.snapshot,
		IssuedAt: time.Now(),
	}
	if _, err := c.disp.Submit(op); err != nil {
		// Only possible during dispatcher shutdown; the snapshot stays
		// in memory and the next flush carries it.
		c.logger.Printf("Warning: flush for session %s not accepted: %v", sessionID, err)
		return
	}
	if c.cfg.Verbose {
		c.logger.Printf("Session %s flushed %d bytes to %s", sessionID, len(s.snapshot), s.target)
	}
}
