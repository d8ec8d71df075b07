package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pagevault/pagevault/internal/pool"
	"github.com/pagevault/pagevault/internal/store"
)

// fakeStore records operations and serves canned responses.
type fakeStore struct {
	mu       sync.Mutex
	pages    map[string][]byte
	writes   map[string][][]byte // per-target write payloads, in arrival order
	readErr  error
	writeErr error
	delay    time.Duration
	panicOn  string // target that triggers a panic
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pages:  make(map[string][]byte),
		writes: make(map[string][][]byte),
	}
}

func (s *fakeStore) Read(ctx context.Context, op store.Op) (store.Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return store.Result{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if op.Target == s.panicOn {
		panic("store invariant violated")
	}
	if s.readErr != nil {
		return store.Result{}, s.readErr
	}
	content, ok := s.pages[op.Target]
	if !ok {
		return store.Result{}, fmt.Errorf("%w: %s", store.ErrNotFound, op.Target)
	}
	return store.Result{Target: op.Target, Content: content}, nil
}

func (s *fakeStore) Write(ctx context.Context, op store.Op) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.pages[op.Target] = op.Payload
	s.writes[op.Target] = append(s.writes[op.Target], op.Payload)
	return nil
}

func (s *fakeStore) List(ctx context.Context) ([]store.PageInfo, error) { return nil, nil }
func (s *fakeStore) Close() error                                       { return nil }

func (s *fakeStore) writesFor(target string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes[target]))
	copy(out, s.writes[target])
	return out
}

func newTestDispatcher(t *testing.T, cfg *Config, st store.PageStore) *Dispatcher {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.DrainTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(&bytes.Buffer{}, "", 0)
	}
	d, err := New(cfg, st)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func TestReadResolvesHandle(t *testing.T) {
	st := newFakeStore()
	st.pages["home"] = []byte("hello")

	d := newTestDispatcher(t, nil, st)

	h, err := d.Submit(store.Op{Kind: store.OpRead, Target: "home"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if h == nil {
		t.Fatal("read submission returned nil handle")
	}

	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if string(res.Content) != "hello" {
		t.Errorf("content = %q, want %q", res.Content, "hello")
	}
}

func TestWriteReturnsImmediately(t *testing.T) {
	st := newFakeStore()
	st.delay = 100 * time.Millisecond

	d := newTestDispatcher(t, nil, st)

	start := time.Now()
	h, err := d.Submit(store.Op{Kind: store.OpWrite, Target: "home", Payload: []byte("x")})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if h != nil {
		t.Error("write submission returned a handle, want nil")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("write submission blocked for %v", elapsed)
	}
}

func TestErrorTranslation(t *testing.T) {
	tests := []struct {
		name    string
		readErr error
		want    error
	}{
		{"not found becomes rejection", fmt.Errorf("%w: home", store.ErrNotFound), ErrRejected},
		{"pool timeout becomes unavailable", pool.ErrAcquireTimeout, ErrUnavailable},
		{"pool closed becomes unavailable", pool.ErrClosed, ErrUnavailable},
		{"connect failure becomes unavailable", fmt.Errorf("%w: connection refused", pool.ErrConnectFailed), ErrUnavailable},
		{"wrapped connect failure becomes unavailable", fmt.Errorf("read page: %w", pool.ErrConnectFailed), ErrUnavailable},
		{"deadline becomes unavailable", context.DeadlineExceeded, ErrUnavailable},
		{"arbitrary error becomes rejection", errors.New("disk on fire"), ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore()
			st.readErr = tt.readErr

			d := newTestDispatcher(t, nil, st)

			h, err := d.Submit(store.Op{Kind: store.OpRead, Target: "home"})
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			_, err = h.Wait(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("Wait error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWorkerPanicDoesNotCorruptPool(t *testing.T) {
	st := newFakeStore()
	st.panicOn = "boom"
	st.pages["home"] = []byte("still here")

	cfg := DefaultConfig()
	cfg.Workers = 1 // a single worker must survive the panic
	cfg.DrainTimeout = 2 * time.Second
	d := newTestDispatcher(t, cfg, st)

	h, err := d.Submit(store.Op{Kind: store.OpRead, Target: "boom"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := h.Wait(context.Background()); !errors.Is(err, ErrRejected) {
		t.Fatalf("panicking read = %v, want ErrRejected", err)
	}

	// The dispatcher remains usable for subsequent calls.
	h, err = d.Submit(store.Op{Kind: store.OpRead, Target: "home"})
	if err != nil {
		t.Fatalf("Submit after panic failed: %v", err)
	}
	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait after panic failed: %v", err)
	}
	if string(res.Content) != "still here" {
		t.Errorf("content = %q, want %q", res.Content, "still here")
	}
}

func TestInterruptedWaitAbandonsResult(t *testing.T) {
	st := newFakeStore()
	st.delay = 200 * time.Millisecond
	st.pages["home"] = []byte("late")

	d := newTestDispatcher(t, nil, st)

	h, err := d.Submit(store.Op{Kind: store.OpRead, Target: "home"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("abandoned Wait = %v, want ErrInterrupted", err)
	}

	// The worker still completes; its result lands in the handle and is
	// simply never observed again. A later Wait sees the real outcome.
	time.Sleep(300 * time.Millisecond)
	if _, err := h.Wait(context.Background()); err != nil {
		t.Errorf("worker result discarded entirely: %v", err)
	}
}

func TestSilentWriteFailureIsLogged(t *testing.T) {
	st := newFakeStore()
	st.writeErr = errors.New("constraint violation")

	buf := &bytes.Buffer{}
	var mu sync.Mutex
	cfg := DefaultConfig()
	cfg.DrainTimeout = 2 * time.Second
	cfg.Logger = log.New(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	}), "", 0)

	d := newTestDispatcher(t, cfg, st)

	if _, err := d.Submit(store.Op{Kind: store.OpWrite, Target: "home", Payload: []byte("x")}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		logged := strings.Contains(buf.String(), "write to home failed")
		mu.Unlock()
		if logged {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("write failure never logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestPerTargetOrdering(t *testing.T) {
	st := newFakeStore()

	cfg := DefaultConfig()
	cfg.Workers = 8
	cfg.DrainTimeout = 5 * time.Second
	d := newTestDispatcher(t, cfg, st)

	const n = 200
	for i := 0; i < n; i++ {
		op := store.Op{
			Kind:    store.OpWrite,
			Target:  "page-a",
			Payload: []byte(fmt.Sprintf("rev-%03d", i)),
		}
		if _, err := d.Submit(op); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	writes := st.writesFor("page-a")
	if len(writes) != n {
		t.Fatalf("got %d writes, want %d", len(writes), n)
	}
	for i, payload := range writes {
		want := fmt.Sprintf("rev-%03d", i)
		if string(payload) != want {
			t.Fatalf("write %d = %q, want %q (same-target writes reordered)", i, payload, want)
		}
	}
}

func TestShutdownDrainsInFlightWork(t *testing.T) {
	st := newFakeStore()
	st.delay = 50 * time.Millisecond

	cfg := DefaultConfig()
	cfg.DrainTimeout = 2 * time.Second
	d := newTestDispatcher(t, cfg, st)

	for i := 0; i < 5; i++ {
		op := store.Op{
			Kind:    store.OpWrite,
			Target:  fmt.Sprintf("page-%d", i),
			Payload: []byte("final"),
		}
		if _, err := d.Submit(op); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		target := fmt.Sprintf("page-%d", i)
		if len(st.writesFor(target)) != 1 {
			t.Errorf("write to %s not drained before shutdown", target)
		}
	}
}

func TestShutdownAbandonsWorkPastDrainTimeout(t *testing.T) {
	st := newFakeStore()
	st.delay = 5 * time.Second // far past the drain timeout

	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.DrainTimeout = 50 * time.Millisecond
	d := newTestDispatcher(t, cfg, st)

	h, err := d.Submit(store.Op{Kind: store.OpRead, Target: "slow"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err == nil {
		t.Error("Shutdown = nil, want drain timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown took %v, want prompt abandonment after drain timeout", elapsed)
	}

	// The abandoned read resolves with a translated failure, not a hang.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if _, err := h.Wait(waitCtx); err == nil {
		t.Error("abandoned read resolved successfully, want failure")
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	st := newFakeStore()
	d := newTestDispatcher(t, nil, st)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if _, err := d.Submit(store.Op{Kind: store.OpRead, Target: "home"}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Submit after Shutdown = %v, want ErrShuttingDown", err)
	}
	if err := d.SubmitAsync(func(ctx context.Context) {}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("SubmitAsync after Shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestSubmitAsyncRunsOnWorkerPool(t *testing.T) {
	st := newFakeStore()
	d := newTestDispatcher(t, nil, st)

	done := make(chan struct{})
	if err := d.SubmitAsync(func(ctx context.Context) { close(done) }); err != nil {
		t.Fatalf("SubmitAsync failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async task never ran")
	}
}
