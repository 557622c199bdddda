package sched

import (
	"fmt"

	logx "llmsched/pkg/logx"
)

// failOrRetryLocked is the retry controller. Retryable kinds go back through
// admission with a lower priority number until MaxRetries is spent; everything
// else rejects the Future.
func (s *Scheduler) failOrRetryLocked(r *request, err error) {
	kind := Classify(err)
	if !kind.Retryable() || r.retries >= s.cfg.MaxRetries || s.stopped {
		s.failLocked(r, kind, err)
		return
	}
	if s.queuedLocked() >= s.cfg.MaxQueueSize {
		s.failLocked(r, KindQueueFull, fmt.Errorf("%w: requeue after %v", ErrQueueFull, err))
		return
	}

	r.retries++
	r.priority = retryPriority(r.priority, s.cfg.RetryPriorityStep, s.cfg.Levels.High)
	r.state = StateRetrying
	s.m.retried()
	s.publish(EventRetrying, s.requestEvent(r, err))
	s.log.Debug("retrying request",
		logx.String("id", r.id),
		logx.Int("retries", r.retries),
		logx.Float64("priority", r.priority),
		logx.Err(err),
	)
	s.admitLocked(r)
}

// retryPriority lowers p by step without crossing floor. A request already
// below floor keeps its number.
func retryPriority(p, step, floor float64) float64 {
	if p <= floor {
		return p
	}
	p -= step
	if p < floor {
		p = floor
	}
	return p
}

func (s *Scheduler) failLocked(r *request, kind Kind, err error) {
	r.state = StateFailed
	delete(s.pending, r.id)
	rerr := &RequestError{
		Kind:      kind,
		RequestID: r.id,
		Attempts:  r.retries + 1,
		Retries:   r.retries,
		Elapsed:   s.now().Sub(r.submittedAt),
		Err:       err,
	}
	s.m.failed()
	s.publish(EventFailed, s.requestEvent(r, err))
	s.log.Warn("request failed",
		logx.String("id", r.id),
		logx.String("kind", kind.String()),
		logx.Int("attempts", rerr.Attempts),
		logx.Duration("elapsed", rerr.Elapsed),
		logx.Err(err),
	)
	s.finishLocked(r)
	r.fut.resolve(nil, rerr, false)
}
