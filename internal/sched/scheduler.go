package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"llmsched/internal/eventbus"
	rtsup "llmsched/internal/runtime/supervisor"
	logx "llmsched/pkg/logx"
)

// Scheduler admits requests, orders them by priority, and dispatches them to an
// Executor under a concurrency limit.
//
// All queue, cache and slot mutations happen under mu. Executor calls run in
// their own goroutines and re-enter through settle.
type Scheduler struct {
	mu    sync.Mutex
	cfg   Config
	exec  Executor
	bexec BatchExecutor
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	newID func() string

	queue    Queue
	window   *BatchCollector
	dedup    *DedupCache
	analyzer *Analyzer
	pending  map[string]*request
	inFlight int

	started bool
	stopped bool
	sup     *rtsup.Supervisor
	calls   sync.WaitGroup

	m *metrics
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithBus publishes lifecycle events (see events.go) on b.
func WithBus(b eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }

// WithClock replaces time.Now for timestamps and cache expiry. Timers still use
// the runtime clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func New(cfg Config, exec Executor, opts ...Option) (*Scheduler, error) {
	if exec == nil {
		return nil, errors.New("sched: executor is nil")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("sched: %w", err)
	}
	s := &Scheduler{
		cfg:     cfg,
		exec:    exec,
		log:     logx.Nop(),
		now:     time.Now,
		newID:   uuid.NewString,
		pending: map[string]*request{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.log = s.log.With(logx.String("comp", "sched"))
	if be, ok := exec.(BatchExecutor); ok {
		s.bexec = be
	}
	s.dedup = NewDedupCache(cfg.DedupMaxEntries, cfg.DedupTTL, s.now)
	s.analyzer = NewAnalyzer(cfg.ComplexityMaxEntries, cfg.ComplexityTTL, cfg.VolatileKeys, s.now)
	s.window = newBatchCollector(s.onWindowExpired)
	s.m = newMetrics(s.now)
	return s, nil
}

// Start launches background maintenance. Submit works without it; Start only
// adds the cache janitor.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	every := s.cfg.JanitorInterval
	s.mu.Unlock()

	sup.GoRestart("sched.janitor", func(ctx context.Context) error {
		return s.janitor(ctx, every)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	s.log.Info("scheduler started", logx.Duration("janitor_interval", every))
}

// Stop rejects new submissions, cancels everything still queued, and waits for
// dispatched calls to settle or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		queued := append(s.window.take(), s.queue.drain()...)
		for _, r := range queued {
			s.cancelledLocked(r, ErrStopped)
		}
		if len(queued) > 0 {
			s.log.Info("cancelled queued requests on stop", logx.Int("count", len(queued)))
		}
	}
	sup := s.sup
	s.mu.Unlock()

	var errs []error
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for in-flight calls: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// Submit admits req. The returned error is non-nil only when the request was
// not admitted: invalid input, a stopped scheduler, or a full queue
// (a *RequestError matching ErrQueueFull). Everything else is delivered
// through the Future.
//
// Ending ctx before the request settles cancels it.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*Future, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, &RequestError{Kind: KindCancelled, RequestID: req.ID, Err: fmt.Errorf("%w: %w", ErrCancelled, err)}
	}
	if req.Priority < 0 {
		return nil, fmt.Errorf("%w: priority must be >= 0, got %v", ErrInvalidRequest, req.Priority)
	}
	id := req.ID
	if id == "" {
		id = s.newID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	if _, dup := s.pending[id]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	cfg := s.cfg
	r := &request{
		id:          id,
		payload:     req.Payload,
		priority:    req.Priority,
		fingerprint: req.Fingerprint,
		stream:      req.Stream,
		timeout:     req.Timeout,
		labels:      req.Labels,
		submittedAt: s.now(),
		state:       StateQueued,
		fut:         newFuture(id),
	}
	if r.priority == 0 {
		r.priority = cfg.Levels.Normal
	}
	if r.fingerprint == "" && (cfg.EnableDeduplication || cfg.EnableComplexityRouting) {
		fp, err := Fingerprint(req.Payload, cfg.VolatileKeys)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		r.fingerprint = fp
	}

	if cfg.EnableDeduplication {
		if resp, ok := s.dedup.Get(r.fingerprint); ok {
			r.state = StateCompleted
			ev := s.requestEvent(r, nil)
			ev.Cached = true
			s.m.cacheHit()
			s.publish(EventCacheHit, ev)
			r.fut.resolve(resp, nil, true)
			return r.fut, nil
		}
	}

	if s.queuedLocked() >= cfg.MaxQueueSize {
		s.m.rejected()
		s.publish(EventRejected, s.requestEvent(r, ErrQueueFull))
		s.log.Debug("request rejected: queue full", logx.String("id", id), logx.Int("max_queue_size", cfg.MaxQueueSize))
		return nil, &RequestError{Kind: KindQueueFull, RequestID: id, Err: ErrQueueFull}
	}

	r.route = RouteStandard
	if cfg.EnableComplexityRouting {
		a := s.analyzer.Analyze(r.fingerprint, r.payload)
		r.score = a.Score
		if a.Score < cfg.ComplexityThreshold {
			r.route = RouteFast
		}
	}

	s.pending[id] = r
	s.m.submitted()
	s.publish(EventQueued, s.requestEvent(r, nil))
	if ctx.Done() != nil {
		r.stopAF = context.AfterFunc(ctx, func() { s.cancelRequest(id, context.Cause(ctx)) })
	}
	s.admitLocked(r)
	return r.fut, nil
}

// Cancel cancels a pending request. A queued request is removed and never
// reaches the executor. A dispatched request is rejected now; its slot stays
// occupied until the call returns and the result is discarded.
func (s *Scheduler) Cancel(id string) bool { return s.cancelRequest(id, nil) }

func (s *Scheduler) cancelRequest(id string, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.pending[id]
	if !ok {
		return false
	}
	switch r.state {
	case StateQueued, StateRetrying:
		if !s.window.remove(r) {
			s.queue.removeRequest(r)
		}
	case StateDispatched:
		r.discard = true
		if u := r.unit; u != nil && allDiscarded(u) && r.cancel != nil {
			r.cancel()
		}
	default:
		return false
	}
	s.cancelledLocked(r, cause)
	return true
}

func allDiscarded(u *unit) bool {
	for _, r := range u.reqs {
		if !r.discard {
			return false
		}
	}
	return true
}

// Promote changes the priority of a request that has not been dispatched yet.
// Priority 0 means the NORMAL level, as in Submit, and values more urgent than
// the HIGH level are raised to it.
func (s *Scheduler) Promote(id string, priority float64) bool {
	if priority < 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.pending[id]
	if !ok || r.state != StateQueued {
		return false
	}
	if priority == 0 {
		priority = s.cfg.Levels.Normal
	}
	if priority < s.cfg.Levels.High {
		priority = s.cfg.Levels.High
	}
	prev := r.priority
	r.priority = priority
	if s.window.contains(r) {
		if !s.batchableLocked(r) {
			s.window.remove(r)
			s.queue.push(&unit{reqs: []*request{r}})
		}
	} else {
		s.queue.fix(r.unit)
	}
	s.publish(EventPromoted, s.requestEvent(r, nil))
	s.log.Debug("request promoted", logx.String("id", id), logx.Float64("from", prev), logx.Float64("to", priority))
	s.pumpLocked()
	return true
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:       s.started && !s.stopped,
		QueueLength:   s.queue.Len(),
		WindowLength:  s.window.Len(),
		InFlight:      s.inFlight,
		MaxConcurrent: s.cfg.MaxConcurrent,
		MaxQueueSize:  s.cfg.MaxQueueSize,
		DedupEntries:  s.dedup.Len(),
	}
	s.mu.Unlock()
	st.Metrics = s.m.snapshot()
	return st
}

// Metrics never blocks on the scheduler lock.
func (s *Scheduler) Metrics() MetricsSnapshot { return s.m.snapshot() }

// EstimatedWait predicts how long a request submitted now at priority would
// wait. Priority 0 means the normal level.
func (s *Scheduler) EstimatedWait(priority float64) time.Duration {
	s.mu.Lock()
	if priority == 0 {
		priority = s.cfg.Levels.Normal
	}
	ahead := s.queue.countAtOrAbove(priority) + s.window.countAtOrAbove(priority)
	inFlight := s.inFlight
	s.mu.Unlock()
	return estimateWait(ahead, inFlight, s.m.snapshot().AvgProcessing)
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cfg
	c.VolatileKeys = append([]string(nil), s.cfg.VolatileKeys...)
	return c
}

// UpdateConfig applies p atomically; on a validation error nothing changes.
// Requests already admitted keep their priority numbers.
func (s *Scheduler) UpdateConfig(p ConfigPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := p.apply(s.cfg)
	if err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	prev := s.cfg
	s.cfg = next

	if prev.EnableBatching && !next.EnableBatching {
		s.flushWindowLocked()
	} else if s.window.Len() >= next.MaxBatchSize {
		s.flushWindowLocked()
	}
	if prev.EnableDeduplication && !next.EnableDeduplication {
		s.dedup.Purge()
	}
	if next.DedupTTL != prev.DedupTTL {
		s.dedup.SetTTL(next.DedupTTL)
	}
	s.pumpLocked()

	s.log.Info("scheduler config updated",
		logx.Int("max_concurrent", next.MaxConcurrent),
		logx.Int("max_queue_size", next.MaxQueueSize),
		logx.Bool("batching", next.EnableBatching),
		logx.Bool("dedup", next.EnableDeduplication),
		logx.Bool("complexity_routing", next.EnableComplexityRouting),
	)
	return nil
}

func (s *Scheduler) queuedLocked() int { return s.queue.Len() + s.window.Len() }

func (s *Scheduler) batchableLocked(r *request) bool {
	return s.cfg.EnableBatching && s.bexec != nil && !r.stream && r.priority > s.cfg.Levels.High
}

// admitLocked places r in the batch window or the priority queue and pumps.
func (s *Scheduler) admitLocked(r *request) {
	r.state = StateQueued
	r.unit = nil
	if s.batchableLocked(r) {
		if s.window.add(r, s.now(), s.cfg.BatchTimeout, s.cfg.MaxBatchSize) {
			s.flushWindowLocked()
		}
		return
	}
	s.queue.push(&unit{reqs: []*request{r}})
	s.pumpLocked()
}

// flushWindowLocked turns the open window into one queued unit. The window is
// cleared before the unit can be dispatched.
func (s *Scheduler) flushWindowLocked() {
	reqs := s.window.take()
	if len(reqs) == 0 {
		return
	}
	s.queue.push(&unit{reqs: reqs, batch: len(reqs) > 1})
	s.pumpLocked()
}

func (s *Scheduler) onWindowExpired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.window.current(gen) {
		return
	}
	s.flushWindowLocked()
}

func (s *Scheduler) janitor(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.prune()
		}
	}
}

func (s *Scheduler) prune() {
	s.mu.Lock()
	d := s.dedup.Prune()
	c := s.analyzer.Prune()
	s.mu.Unlock()
	if d+c > 0 {
		s.log.Debug("pruned expired cache entries", logx.Int("dedup", d), logx.Int("complexity", c))
	}
}
