// Package pool provides a bounded connection pool with leased checkout
// semantics for the page store.
//
// The pool owns every connection it creates. Callers check a connection out
// with Acquire and must return it with Release on every exit path; a
// background reaper evicts idle and expired connections, keeps a minimum
// idle floor warm, and flags leases held past the leak detection threshold.
//
// Construction runs the startup connect sequence with bounded retry; a pool
// that fails to establish its first connection is never returned to callers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Conn is a single pooled connection. Implementations are created by the
// pool's Factory and closed by the pool when retired.
type Conn interface {
	// Ping is a cheap liveness probe.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// Factory establishes a new connection to the backing store.
type Factory func(ctx context.Context) (Conn, error)

// Config holds pool tuning parameters.
type Config struct {
	// MaxPoolSize bounds the total number of connections.
	MaxPoolSize int

	// MinIdle is the idle floor the reaper keeps warm.
	MinIdle int

	// ConnectionTimeout bounds how long Acquire blocks before failing.
	ConnectionTimeout time.Duration

	// IdleTimeout evicts connections idle longer than this, above MinIdle.
	IdleTimeout time.Duration

	// MaxLifetime retires connections older than this even if reused.
	MaxLifetime time.Duration

	// LeakDetectionThreshold flags leases held longer than this.
	// Flagged leases are logged, never reclaimed.
	LeakDetectionThreshold time.Duration

	// MaxRetries is the number of startup connect attempts.
	MaxRetries int

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration

	// ReapInterval is how often the reaper runs.
	ReapInterval time.Duration

	// Logger receives pool activity. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxPoolSize:            10,
		MinIdle:                2,
		ConnectionTimeout:      30 * time.Second,
		IdleTimeout:            10 * time.Minute,
		MaxLifetime:            30 * time.Minute,
		LeakDetectionThreshold: 60 * time.Second,
		MaxRetries:             3,
		BackoffBase:            time.Second,
		ReapInterval:           30 * time.Second,
		Logger:                 log.New(os.Stderr, "[pool] ", log.LstdFlags),
	}
}

// Pool errors surfaced to callers.
var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool is closed")

	// ErrAcquireTimeout is returned when no connection becomes available
	// within the connection timeout.
	ErrAcquireTimeout = errors.New("timed out waiting for a connection")

	// ErrConnectFailed is returned when Acquire cannot establish a fresh
	// connection to the backing store. A healthy pool that goes unhealthy
	// surfaces this on the next acquire; the pool does not auto-retry.
	ErrConnectFailed = errors.New("failed to establish connection")
)

// pconn is the pool's internal record for one connection.
type pconn struct {
	conn      Conn
	createdAt time.Time
	lastUsed  time.Time

	// reclaimed marks connections Close has taken ownership of,
	// so a late Release does not close them a second time.
	reclaimed bool
}

// Lease is a connection checked out by exactly one caller.
// It must be returned with Pool.Release on every exit path.
type Lease struct {
	pc         *pconn
	acquiredAt time.Time
	leakLogged bool
	released   bool
}

// Conn returns the leased connection.
func (l *Lease) Conn() Conn {
	return l.pc.conn
}

// Stats is a point-in-time readout of pool occupancy.
type Stats struct {
	Active  int
	Idle    int
	Total   int
	Waiting int
}

// String formats the readout for logs.
func (s Stats) String() string {
	return fmt.Sprintf("active=%d idle=%d total=%d waiting=%d", s.Active, s.Idle, s.Total, s.Waiting)
}

// Pool manages a bounded set of leased connections.
type Pool struct {
	cfg     *Config
	factory Factory
	logger  *log.Logger

	mu      sync.Mutex
	idle    []*pconn
	active  map[*Lease]struct{}
	total   int
	waiting int
	closed  bool

	// notify wakes one waiter when a slot or idle connection frees up.
	notify chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a pool and runs the startup connect sequence.
//
// The first connection is established with up to cfg.MaxRetries attempts and
// exponential backoff (BackoffBase * 2^attempt); each failed attempt is
// logged as a warning. Exhausting all attempts fails construction and no
// pool is returned — the caller may call New again to retry the sequence.
func New(cfg *Config, factory Factory) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if factory == nil {
		return nil, fmt.Errorf("factory cannot be nil")
	}
	if cfg.MaxPoolSize <= 0 {
		return nil, fmt.Errorf("max pool size must be positive, got %d", cfg.MaxPoolSize)
	}
	if cfg.MinIdle < 0 || cfg.MinIdle > cfg.MaxPoolSize {
		return nil, fmt.Errorf("min idle %d out of range [0, %d]", cfg.MinIdle, cfg.MaxPoolSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[pool] ", log.LstdFlags)
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		active:  make(map[*Lease]struct{}),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	first, err := p.connectWithRetry()
	if err != nil {
		return nil, err
	}
	p.idle = append(p.idle, first)
	p.total = 1

	if cfg.ReapInterval > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}

	return p, nil
}

// connectWithRetry performs the bounded startup connect sequence.
func (p *Pool) connectWithRetry() (*pconn, error) {
	attempts := p.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.cfg.BackoffBase << (attempt - 1)
			p.logger.Printf("Warning: connect attempt %d/%d failed: %v (retrying in %v)",
				attempt, attempts, lastErr, delay)
			time.Sleep(delay)
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
		conn, err := p.factory(ctx)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		now := time.Now()
		return &pconn{conn: conn, createdAt: now, lastUsed: now}, nil
	}

	return nil, fmt.Errorf("failed to establish initial connection after %d attempts: %w", attempts, lastErr)
}

// Acquire checks a connection out of the pool.
//
// It blocks until a connection is available, bounded by the pool's
// connection timeout (or ctx, whichever ends first): the timeout surfaces
// as ErrAcquireTimeout, ctx ending as ctx.Err(). Idle connections are
// probed before handout; a connection failing the probe is discarded and a
// fresh one established within the same call. A dial that fails is
// reported as ErrConnectFailed.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		// Prefer an idle connection.
		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			remaining := len(p.idle)

			if p.expired(pc, time.Now()) {
				p.total--
				p.mu.Unlock()
				p.closeConn(pc)
				p.signal()
				continue
			}
			p.mu.Unlock()

			// A single wakeup token may cover several releases; pass
			// it on while idle connections remain.
			if remaining > 0 {
				p.signal()
			}

			if err := pc.conn.Ping(ctx); err != nil {
				p.logger.Printf("Warning: discarding connection that failed liveness probe: %v", err)
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.closeConn(pc)
				p.signal()
				continue
			}
			return p.checkout(pc), nil
		}

		// Room to grow: establish a fresh connection.
		if p.total < p.cfg.MaxPoolSize {
			p.total++
			room := p.total < p.cfg.MaxPoolSize
			p.mu.Unlock()
			if room {
				p.signal()
			}

			conn, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.signal()
				if parent.Err() != nil {
					return nil, parent.Err()
				}
				if ctx.Err() != nil {
					return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, err)
				}
				return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
			}

			now := time.Now()
			return p.checkout(&pconn{conn: conn, createdAt: now, lastUsed: now}), nil
		}

		// Pool is saturated: wait for a release.
		p.waiting++
		p.mu.Unlock()

		select {
		case <-p.notify:
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
		case <-ctx.Done():
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
			if parent.Err() != nil {
				return nil, parent.Err()
			}
			return nil, ErrAcquireTimeout
		case <-p.done:
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
			return nil, ErrClosed
		}
	}
}

// checkout records pc as active and returns its lease.
func (p *Pool) checkout(pc *pconn) *Lease {
	l := &Lease{pc: pc, acquiredAt: time.Now()}
	p.mu.Lock()
	p.active[l] = struct{}{}
	p.mu.Unlock()
	return l
}

// Release returns a lease to the pool.
//
// Connections past their lifetime are retired instead of going back on the
// idle list. Releasing the same lease twice is a logged no-op.
func (p *Pool) Release(l *Lease) {
	if l == nil {
		return
	}

	p.mu.Lock()
	if l.released {
		p.mu.Unlock()
		p.logger.Printf("Warning: lease released twice")
		return
	}
	l.released = true
	delete(p.active, l)

	if p.closed {
		reclaimed := l.pc.reclaimed
		p.mu.Unlock()
		// Close handled every connection it saw; anything that checked
		// out after its snapshot is ours to tear down.
		if !reclaimed {
			p.closeConn(l.pc)
		}
		return
	}

	now := time.Now()
	if p.expired(l.pc, now) {
		p.total--
		p.mu.Unlock()
		p.closeConn(l.pc)
		p.signal()
		return
	}

	l.pc.lastUsed = now
	p.idle = append(p.idle, l.pc)
	p.mu.Unlock()
	p.signal()
}

// expired reports whether pc is past the configured max lifetime.
// Callers must hold p.mu.
func (p *Pool) expired(pc *pconn, now time.Time) bool {
	return p.cfg.MaxLifetime > 0 && now.Sub(pc.createdAt) >= p.cfg.MaxLifetime
}

// signal wakes at most one waiter.
func (p *Pool) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) closeConn(pc *pconn) {
	if err := pc.conn.Close(); err != nil {
		p.logger.Printf("Warning: error closing connection: %v", err)
	}
}

// Stats returns a point-in-time occupancy readout.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:  len(p.active),
		Idle:    len(p.idle),
		Total:   p.total,
		Waiting: p.waiting,
	}
}

// Close shuts the pool down.
//
// Idle and in-use connections are closed and subsequent Acquire calls fail
// with ErrClosed. Blocked waiters are woken and fail the same way.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	idle := p.idle
	p.idle = nil
	for _, pc := range idle {
		pc.reclaimed = true
	}
	var held []*pconn
	for l := range p.active {
		l.pc.reclaimed = true
		held = append(held, l.pc)
	}
	p.total = 0
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	for _, pc := range idle {
		p.closeConn(pc)
	}
	for _, pc := range held {
		p.closeConn(pc)
	}

	p.logger.Printf("Pool closed (%d idle, %d in use)", len(idle), len(held))
	return nil
}

// reapLoop runs eviction, warm-up, and leak detection on a ticker.
func (p *Pool) reapLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reap()
			p.warmUp()
			p.checkLeaks()
		}
	}
}

// reap evicts idle connections past the idle timeout (keeping the MinIdle
// floor) and retires connections past their lifetime regardless.
func (p *Pool) reap() {
	now := time.Now()

	p.mu.Lock()
	var keep []*pconn
	var evict []*pconn
	for _, pc := range p.idle {
		switch {
		case p.expired(pc, now):
			evict = append(evict, pc)
		case p.cfg.IdleTimeout > 0 &&
			now.Sub(pc.lastUsed) >= p.cfg.IdleTimeout &&
			len(keep) >= p.cfg.MinIdle:
			evict = append(evict, pc)
		default:
			keep = append(keep, pc)
		}
	}
	p.idle = keep
	p.total -= len(evict)
	p.mu.Unlock()

	for _, pc := range evict {
		p.closeConn(pc)
	}
	if len(evict) > 0 {
		p.logger.Printf("Evicted %d connection(s)", len(evict))
		p.signal()
	}
}

// warmUp establishes connections until the idle floor is met, best effort.
func (p *Pool) warmUp() {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle) >= p.cfg.MinIdle || p.total >= p.cfg.MaxPoolSize {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
		conn, err := p.factory(ctx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.logger.Printf("Warning: failed to warm idle connection: %v", err)
			return
		}

		now := time.Now()
		p.mu.Lock()
		if p.closed {
			p.total--
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.idle = append(p.idle, &pconn{conn: conn, createdAt: now, lastUsed: now})
		p.mu.Unlock()
		p.signal()
	}
}

// checkLeaks logs leases held past the leak detection threshold.
// Flagged leases are never reclaimed; forced reclamation mid-use risks
// corrupting the caller's operation.
func (p *Pool) checkLeaks() {
	if p.cfg.LeakDetectionThreshold <= 0 {
		return
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	for l := range p.active {
		if l.leakLogged {
			continue
		}
		if held := now.Sub(l.acquiredAt); held >= p.cfg.LeakDetectionThreshold {
			l.leakLogged = true
			p.logger.Printf("Warning: possible connection leak: lease held for %v (threshold %v)",
				held.Round(time.Second), p.cfg.LeakDetectionThreshold)
		}
	}
}
