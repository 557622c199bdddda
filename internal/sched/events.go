package sched

import (
	"time"

	"llmsched/internal/eventbus"
)

// Event types published on the bus. Subscribers filter on the "request." and
// "batch." prefixes.
const (
	EventQueued     = "request.queued"
	EventCacheHit   = "request.cache_hit"
	EventRejected   = "request.rejected"
	EventDispatched = "request.dispatched"
	EventRetrying   = "request.retrying"
	EventCompleted  = "request.completed"
	EventFailed     = "request.failed"
	EventCancelled  = "request.cancelled"
	EventPromoted   = "request.promoted"

	EventBatchDispatched = "batch.dispatched"
)

// RequestEvent is the Data of every request.* event.
type RequestEvent struct {
	ID          string            `json:"id"`
	State       string            `json:"state"`
	Priority    float64           `json:"priority"`
	Attempt     int               `json:"attempt,omitempty"`
	Retries     int               `json:"retries"`
	Score       float64           `json:"score,omitempty"`
	Route       Route             `json:"route,omitempty"`
	Cached      bool              `json:"cached,omitempty"`
	Batched     bool              `json:"batched,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Error       string            `json:"error,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Elapsed     time.Duration     `json:"elapsed_ns,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// BatchEvent is the Data of batch.dispatched.
type BatchEvent struct {
	IDs      []string `json:"ids"`
	Size     int      `json:"size"`
	Priority float64  `json:"priority"`
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func (s *Scheduler) requestEvent(r *request, err error) RequestEvent {
	ev := RequestEvent{
		ID:          r.id,
		State:       r.state.String(),
		Priority:    r.priority,
		Attempt:     r.retries + 1,
		Retries:     r.retries,
		Score:       r.score,
		Route:       r.route,
		Batched:     r.unit != nil && r.unit.batch,
		SubmittedAt: r.submittedAt,
		Labels:      r.labels,
	}
	if !r.submittedAt.IsZero() {
		ev.Elapsed = s.now().Sub(r.submittedAt)
	}
	if err != nil {
		ev.ErrorKind = Classify(err).String()
		ev.Error = err.Error()
	}
	return ev
}
