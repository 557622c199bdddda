package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExec struct {
	mu    sync.Mutex
	calls []Call
	delay time.Duration
	fn    func(ctx context.Context, c Call) (any, error)

	active atomic.Int32
	peak   atomic.Int32
}

func (f *fakeExec) Execute(ctx context.Context, c Call) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	n := f.active.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer f.active.Add(-1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fn != nil {
		return f.fn(ctx, c)
	}
	return "resp:" + c.ID, nil
}

func (f *fakeExec) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *fakeExec) ids() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.ID)
	}
	return out
}

type batchExec struct {
	fakeExec

	bmu     sync.Mutex
	batches [][]Call
	at      []time.Time
	batchFn func(n int, calls []Call) ([]any, error)
}

func (b *batchExec) ExecuteBatch(ctx context.Context, calls []Call) ([]any, error) {
	b.bmu.Lock()
	b.batches = append(b.batches, append([]Call(nil), calls...))
	b.at = append(b.at, time.Now())
	n := len(b.batches)
	b.bmu.Unlock()

	if b.batchFn != nil {
		return b.batchFn(n, calls)
	}
	out := make([]any, len(calls))
	for i, c := range calls {
		out[i] = "batch:" + c.ID
	}
	return out, nil
}

func (b *batchExec) Batches() ([][]Call, []time.Time) {
	b.bmu.Lock()
	defer b.bmu.Unlock()
	return append([][]Call(nil), b.batches...), append([]time.Time(nil), b.at...)
}

// gate blocks calls until released. Tests defer release so blocked executor
// goroutines finish before the scheduler cleanup stops it.
type gate struct {
	ch   chan struct{}
	once sync.Once
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) release() { g.once.Do(func() { close(g.ch) }) }

func (g *gate) wait() { <-g.ch }

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, cfg Config, exec Executor, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(cfg, exec, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func mustSubmit(t *testing.T, s *Scheduler, req Request) *Future {
	t.Helper()
	f, err := s.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit(%q): %v", req.ID, err)
	}
	return f
}

func await(t *testing.T, f *Future) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := f.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("future %s did not resolve", f.ID())
	}
	return resp, err
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
