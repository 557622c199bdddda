package sched

import (
	"container/heap"
	"time"
)

// request is the scheduler's bookkeeping for one submitted Request.
type request struct {
	id          string
	payload     any
	priority    float64
	fingerprint string
	stream      bool
	timeout     time.Duration
	labels      map[string]string

	submittedAt  time.Time
	dispatchedAt time.Time
	retries      int
	score        float64
	route        Route
	state        State
	discard      bool
	batched      bool // counted in Batched; retries re-batch without recounting

	fut    *Future
	unit   *unit
	cancel func() // cancels the executor context while dispatched
	stopAF func() bool
}

func (r *request) call() Call {
	return Call{ID: r.id, Payload: r.payload, Attempt: r.retries + 1, Priority: r.priority, Score: r.score, Route: r.route, Labels: r.labels}
}

// unit is one dispatchable entry: a single request or a flushed batch.
type unit struct {
	reqs  []*request
	batch bool

	priority    float64
	submittedAt time.Time
	seq         uint64
	index       int // heap index, -1 when not queued
}

// refresh recomputes the ordering key from the members: most urgent priority,
// earliest submission.
func (u *unit) refresh() {
	for i, r := range u.reqs {
		if i == 0 || r.priority < u.priority {
			u.priority = r.priority
		}
		if i == 0 || r.submittedAt.Before(u.submittedAt) {
			u.submittedAt = r.submittedAt
		}
	}
}

func (u *unit) remove(r *request) bool {
	for i, m := range u.reqs {
		if m == r {
			u.reqs = append(u.reqs[:i], u.reqs[i+1:]...)
			return true
		}
	}
	return false
}

// Queue orders units by priority (ascending), then submission time, then
// insertion sequence, so equal-priority first attempts leave in FIFO order.
type Queue struct {
	h       unitHeap
	seq     uint64
	members int
}

func (q *Queue) push(u *unit) {
	q.seq++
	u.seq = q.seq
	for _, r := range u.reqs {
		r.unit = u
	}
	u.refresh()
	heap.Push(&q.h, u)
	q.members += len(u.reqs)
}

func (q *Queue) pop() *unit {
	if len(q.h) == 0 {
		return nil
	}
	u := heap.Pop(&q.h).(*unit)
	q.members -= len(u.reqs)
	return u
}

func (q *Queue) peek() *unit {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// removeRequest drops r from its unit, and the unit from the heap once empty.
func (q *Queue) removeRequest(r *request) bool {
	u := r.unit
	if u == nil || u.index < 0 || !u.remove(r) {
		return false
	}
	q.members--
	r.unit = nil
	if len(u.reqs) == 0 {
		heap.Remove(&q.h, u.index)
		return true
	}
	u.refresh()
	heap.Fix(&q.h, u.index)
	return true
}

func (q *Queue) fix(u *unit) {
	if u == nil || u.index < 0 {
		return
	}
	u.refresh()
	heap.Fix(&q.h, u.index)
}

// Len counts queued requests (batch members individually).
func (q *Queue) Len() int { return q.members }

// countAtOrAbove counts queued requests at least as urgent as p.
func (q *Queue) countAtOrAbove(p float64) int {
	n := 0
	for _, u := range q.h {
		for _, r := range u.reqs {
			if r.priority <= p {
				n++
			}
		}
	}
	return n
}

func (q *Queue) drain() []*request {
	var out []*request
	for _, u := range q.h {
		out = append(out, u.reqs...)
		u.index = -1
	}
	q.h = nil
	q.members = 0
	return out
}

type unitHeap []*unit

func (h unitHeap) Len() int { return len(h) }

func (h unitHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].submittedAt.Equal(h[j].submittedAt) {
		return h[i].submittedAt.Before(h[j].submittedAt)
	}
	return h[i].seq < h[j].seq
}

func (h unitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *unitHeap) Push(x any) {
	u := x.(*unit)
	u.index = len(*h)
	*h = append(*h, u)
}

func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	u := old[n-1]
	old[n-1] = nil
	u.index = -1
	*h = old[:n-1]
	return u
}
