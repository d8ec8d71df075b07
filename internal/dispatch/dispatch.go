// Package dispatch provides the bounded worker pool that fronts the page
// store for remote callers.
//
// Reads are synchronous: the caller blocks on a completion handle until a
// worker resolves it. Writes are fire-and-forget: submission returns
// immediately and failures inside the worker are logged, never surfaced.
//
// Operations are sharded across workers by target ID, so two operations
// against the same page execute strictly in submission order while
// operations against distinct pages stay parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pagevault/pagevault/internal/pool"
	"github.com/pagevault/pagevault/internal/store"
)

// Failures surfaced across the dispatcher boundary. Internal worker and
// pool error types are always translated into one of these.
var (
	// ErrUnavailable indicates the backing store could not be reached.
	ErrUnavailable = errors.New("store unavailable")

	// ErrRejected indicates the store rejected a well-formed operation.
	ErrRejected = errors.New("operation rejected")

	// ErrInterrupted indicates a blocked wait was abandoned before the
	// operation completed.
	ErrInterrupted = errors.New("operation interrupted")

	// ErrShuttingDown is returned by Submit after Shutdown has begun.
	ErrShuttingDown = errors.New("dispatcher is shutting down")
)

// Config holds dispatcher tuning parameters.
type Config struct {
	// Workers is the number of worker goroutines.
	Workers int

	// QueueDepth is the per-worker queue capacity.
	QueueDepth int

	// DrainTimeout bounds how long Shutdown waits for in-flight work.
	DrainTimeout time.Duration

	// Logger receives dispatcher activity. Defaults to stderr.
	Logger *log.Logger

	// Verbose enables per-submission debug logging.
	Verbose bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:      10,
		QueueDepth:   256,
		DrainTimeout: 60 * time.Second,
		Logger:       log.New(os.Stderr, "[dispatch] ", log.LstdFlags),
	}
}

// Handle is the single-assignment completion slot returned for reads.
// It is resolved exactly once, with either a result or a failure.
type Handle struct {
	once sync.Once
	done chan struct{}
	res  store.Result
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// resolve assigns the handle's outcome. Later calls are ignored.
func (h *Handle) resolve(res store.Result, err error) {
	h.once.Do(func() {
		h.res = res
		h.err = err
		close(h.done)
	})
}

// Wait blocks until the handle resolves or ctx ends.
//
// Abandoning the wait via ctx yields ErrInterrupted; the underlying worker
// task is not cancelled and may still complete, resolving the handle with
// no one left waiting.
func (h *Handle) Wait(ctx context.Context) (store.Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return store.Result{}, ErrInterrupted
	}
}

// task is one unit of queued work.
type task struct {
	op     store.Op
	handle *Handle          // nil for writes
	fn     func(ctx context.Context) // side work (notification delivery)
}

// Dispatcher is a fixed-size worker pool fronting a PageStore.
type Dispatcher struct {
	cfg    *Config
	st     store.PageStore
	logger *log.Logger

	shards  []chan task
	rr      atomic.Uint64 // round-robin counter for side work
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New creates a dispatcher over st and starts its workers.
func New(cfg *Config, st store.PageStore) (*Dispatcher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.Workers)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dispatch] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:    cfg,
		st:     st,
		logger: logger,
		shards: make([]chan task, cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	for i := range d.shards {
		d.shards[i] = make(chan task, depth)
		d.wg.Add(1)
		go d.worker(i)
	}

	return d, nil
}

// shardFor maps a target ID to its worker shard. All operations against one
// target land on the same shard, preserving per-target submission order.
func (d *Dispatcher) shardFor(target string) chan task {
	h := fnv.New32a()
	_, _ = h.Write([]byte(target))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

// Submit enqueues an operation.
//
// For reads it returns a Handle the caller blocks on; for writes it returns
// (nil, nil) immediately and any failure is logged inside the worker.
func (d *Dispatcher) Submit(op store.Op) (*Handle, error) {
	if op.IssuedAt.IsZero() {
		op.IssuedAt = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrShuttingDown
	}

	shard := d.shardFor(op.Target)

	switch op.Kind {
	case store.OpRead:
		h := newHandle()
		select {
		case shard <- task{op: op, handle: h}:
			if d.cfg.Verbose {
				d.logger.Printf("Submitted read for %s", op.Target)
			}
			return h, nil
		case <-d.ctx.Done():
			return nil, ErrShuttingDown
		}

	case store.OpWrite:
		// Fire-and-forget: never block the caller. A saturated shard
		// drops the write; the coalescer's next flush carries the
		// current snapshot anyway.
		select {
		case shard <- task{op: op}:
			if d.cfg.Verbose {
				d.logger.Printf("Submitted write for %s (%d bytes)", op.Target, len(op.Payload))
			}
		default:
			d.logger.Printf("Warning: write queue saturated, dropping write for %s", op.Target)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unknown operation kind %d", ErrRejected, op.Kind)
	}
}

// SubmitAsync runs fn on the worker pool, best effort. It is used for
// notification delivery and shares the write lane's semantics: failures and
// panics are logged, never surfaced.
func (d *Dispatcher) SubmitAsync(fn func(ctx context.Context)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrShuttingDown
	}

	shard := d.shards[d.rr.Add(1)%uint64(len(d.shards))]
	select {
	case shard <- task{fn: fn}:
		return nil
	default:
		d.logger.Printf("Warning: worker queue saturated, dropping async task")
		return nil
	}
}

// worker drains one shard until its channel closes or the dispatcher
// context is cancelled past the drain timeout.
func (d *Dispatcher) worker(i int) {
	defer d.wg.Done()

	for t := range d.shards[i] {
		select {
		case <-d.ctx.Done():
			// Past the drain timeout: abandon remaining work.
			if t.handle != nil {
				t.handle.resolve(store.Result{}, ErrInterrupted)
			}
			continue
		default:
		}
		d.run(t)
	}
}

// run executes one task, translating failures and containing panics so a
// misbehaving operation cannot take the worker down.
func (d *Dispatcher) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("Warning: worker recovered from panic: %v", r)
			if t.handle != nil {
				t.handle.resolve(store.Result{}, fmt.Errorf("%w: internal failure", ErrRejected))
			}
		}
	}()

	if t.fn != nil {
		t.fn(d.ctx)
		return
	}

	switch t.op.Kind {
	case store.OpRead:
		res, err := d.st.Read(d.ctx, t.op)
		if err != nil {
			t.handle.resolve(store.Result{}, translate(err))
			return
		}
		t.handle.resolve(res, nil)

	case store.OpWrite:
		if err := d.st.Write(d.ctx, t.op); err != nil {
			d.logger.Printf("Warning: write to %s failed: %v", t.op.Target, err)
		}
	}
}

// translate maps internal errors onto the dispatcher's public failure
// kinds. Pool and context errors become connectivity/interruption failures;
// everything else is an operation rejection wrapping the cause.
func translate(err error) error {
	switch {
	case errors.Is(err, pool.ErrClosed),
		errors.Is(err, pool.ErrAcquireTimeout),
		errors.Is(err, pool.ErrConnectFailed),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, context.Canceled):
		return ErrInterrupted
	default:
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
}

// Shutdown stops intake, drains in-flight work up to the drain timeout, and
// abandons whatever remains past it.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, shard := range d.shards {
		close(shard)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	drain := d.cfg.DrainTimeout
	if drain <= 0 {
		drain = 60 * time.Second
	}
	timer := time.NewTimer(drain)
	defer timer.Stop()

	select {
	case <-done:
		d.cancel()
		d.logger.Printf("Dispatcher drained cleanly")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Cancel stragglers and wait for the workers to observe it.
	d.cancel()
	<-done
	d.logger.Printf("Warning: dispatcher shutdown abandoned undrained work")
	return fmt.Errorf("shutdown drain timed out after %v", drain)
}
