package notify

import (
	"context"
	"errors"

	"github.com/pagevault/pagevault/internal/pool"
	"github.com/pagevault/pagevault/internal/store"
)

// storeHook decorates a page store with event emission: a page_written
// event after each successful write, and a store_down event when the
// store's connection pool reports the backend unreachable. Notification
// runs on the dispatcher's async lane, off the operation's path.
type storeHook struct {
	store.PageStore
	reg *Registry
}

// WrapStore returns st decorated to raise events on reg.
func WrapStore(st store.PageStore, reg *Registry) store.PageStore {
	return &storeHook{PageStore: st, reg: reg}
}

func (s *storeHook) Read(ctx context.Context, op store.Op) (store.Result, error) {
	res, err := s.PageStore.Read(ctx, op)
	s.observe(op, err)
	return res, err
}

func (s *storeHook) Write(ctx context.Context, op store.Op) error {
	err := s.PageStore.Write(ctx, op)
	s.observe(op, err)
	if err != nil {
		return err
	}
	s.reg.Notify(Event{Type: EventPageWritten, Target: op.Target})
	return nil
}

// observe raises store_down when err indicates the backend is unreachable.
func (s *storeHook) observe(op store.Op, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, pool.ErrClosed) ||
		errors.Is(err, pool.ErrAcquireTimeout) ||
		errors.Is(err, pool.ErrConnectFailed) {
		s.reg.Notify(Event{Type: EventStoreDown, Target: op.Target, Detail: err.Error()})
	}
}
