package sched

import (
	"context"
	"sync"
)

// Future is the caller's handle on a submitted request. It resolves exactly once.
type Future struct {
	id   string
	once sync.Once
	done chan struct{}

	resp   any
	err    error
	cached bool
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

func (f *Future) ID() string { return f.id }

// Done is closed once the request reaches a terminal state.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the request resolves or ctx ends. Ending ctx does not
// cancel the request; use Scheduler.Cancel or the Submit context for that.
func (f *Future) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future) Result() (resp any, err error, ok bool) {
	select {
	case <-f.done:
		return f.resp, f.err, true
	default:
		return nil, nil, false
	}
}

// Cached reports whether the response came from the deduplication cache.
func (f *Future) Cached() bool {
	select {
	case <-f.done:
		return f.cached
	default:
		return false
	}
}

// resolve reports whether this call performed the transition.
func (f *Future) resolve(resp any, err error, cached bool) bool {
	won := false
	f.once.Do(func() {
		f.resp, f.err, f.cached = resp, err, cached
		close(f.done)
		won = true
	})
	return won
}
