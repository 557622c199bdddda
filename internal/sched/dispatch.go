package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "llmsched/pkg/logx"
)

// pumpLocked dispatches queued units while slots are free. It runs after every
// admission and every settlement.
func (s *Scheduler) pumpLocked() {
	if s.stopped {
		return
	}
	for s.inFlight < s.cfg.MaxConcurrent {
		u := s.queue.pop()
		if u == nil {
			return
		}
		if len(u.reqs) == 0 {
			continue
		}
		s.dispatchLocked(u)
	}
}

func (s *Scheduler) dispatchLocked(u *unit) {
	s.inFlight++
	now := s.now()
	// Cancellations may have shrunk a flushed window to one member.
	u.batch = len(u.reqs) > 1

	var timeout time.Duration
	for _, r := range u.reqs {
		if r.timeout > timeout {
			timeout = r.timeout
		}
	}
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := make([]Call, len(u.reqs))
	fast := 0
	for i, r := range u.reqs {
		r.state = StateDispatched
		r.dispatchedAt = now
		r.cancel = cancel
		r.unit = u
		calls[i] = r.call()
		if r.route == RouteFast {
			fast++
		}
		s.publish(EventDispatched, s.requestEvent(r, nil))
	}
	if fast > 0 {
		s.m.fastRouted(fast)
	}
	if u.batch {
		ids := make([]string, len(u.reqs))
		first := 0
		for i, r := range u.reqs {
			ids[i] = r.id
			if !r.batched {
				r.batched = true
				first++
			}
		}
		s.m.batch(first)
		s.publish(EventBatchDispatched, BatchEvent{IDs: ids, Size: len(ids), Priority: u.priority})
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("dispatching",
			logx.String("id", u.reqs[0].id),
			logx.Int("size", len(u.reqs)),
			logx.Float64("priority", u.priority),
			logx.Int("in_flight", s.inFlight),
			logx.Duration("timeout", timeout),
		)
	}

	s.calls.Add(1)
	go s.run(ctx, cancel, u, calls, timeout)
}

type outcome struct {
	resps []any
	err   error
}

// run races the executor against the unit timeout. A timeout settles the
// unit and frees its slot; whatever the executor returns afterwards is dropped.
func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, u *unit, calls []Call, timeout time.Duration) {
	defer s.calls.Done()
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("executor panicked", logx.String("id", calls[0].ID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
				o = outcome{err: ServerError(fmt.Errorf("executor panic: %v", p))}
			}
			done <- o
		}()
		if u.batch {
			o.resps, o.err = s.bexec.ExecuteBatch(ctx, calls)
			return
		}
		resp, err := s.exec.Execute(ctx, calls[0])
		o.resps, o.err = []any{resp}, err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		s.settle(u, o, false)
	case <-timer.C:
		cancel()
		s.settle(u, outcome{err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}, true)
	}
}

// settle releases the unit's slot and routes each member to completion or the
// retry controller. Members cancelled while dispatched were already resolved.
func (s *Scheduler) settle(u *unit, o outcome, timedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--

	err := o.err
	if err == nil && len(o.resps) != len(u.reqs) {
		err = ServerError(fmt.Errorf("batch returned %d responses for %d calls", len(o.resps), len(u.reqs)))
	}
	now := s.now()
	for i, r := range u.reqs {
		r.cancel = nil
		if r.discard {
			continue
		}
		if timedOut {
			s.m.timedOut()
		}
		rerr := err
		var resp any
		if rerr == nil {
			resp = o.resps[i]
			if e, ok := resp.(error); ok {
				resp, rerr = nil, e
			}
		}
		if rerr == nil {
			s.completeLocked(r, resp, now)
			continue
		}
		s.failOrRetryLocked(r, rerr)
	}
	s.pumpLocked()
}

func (s *Scheduler) completeLocked(r *request, resp any, now time.Time) {
	r.state = StateCompleted
	delete(s.pending, r.id)
	if s.cfg.EnableDeduplication {
		s.dedup.Set(r.fingerprint, resp)
	}
	s.m.completed(now.Sub(r.dispatchedAt))
	s.publish(EventCompleted, s.requestEvent(r, nil))
	s.finishLocked(r)
	r.fut.resolve(resp, nil, false)
}

func (s *Scheduler) cancelledLocked(r *request, cause error) {
	r.state = StateCancelled
	delete(s.pending, r.id)
	err := ErrCancelled
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	rerr := &RequestError{
		Kind:      KindCancelled,
		RequestID: r.id,
		Attempts:  r.retries + 1,
		Retries:   r.retries,
		Elapsed:   s.now().Sub(r.submittedAt),
		Err:       err,
	}
	s.m.cancelled()
	s.publish(EventCancelled, s.requestEvent(r, rerr))
	s.log.Debug("request cancelled", logx.String("id", r.id), logx.Bool("in_flight", r.discard))
	s.finishLocked(r)
	r.fut.resolve(nil, rerr, false)
}

// finishLocked detaches the caller context watcher.
func (s *Scheduler) finishLocked(r *request) {
	if r.stopAF != nil {
		r.stopAF()
		r.stopAF = nil
	}
}
