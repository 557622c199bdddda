package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsSnapshot is a point-in-time copy of the scheduler counters.
type MetricsSnapshot struct {
	Total     uint64 `json:"total"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Cancelled uint64 `json:"cancelled"`
	Rejected  uint64 `json:"rejected"`
	TimedOut  uint64 `json:"timed_out"`
	CacheHits uint64 `json:"cache_hits"`
	// Batched counts requests dispatched as part of a batch at least once.
	// Batches counts batch dispatches, including re-batched retries.
	Batched uint64 `json:"batched"`
	Batches uint64 `json:"batches"`
	// FastRouted counts dispatches that carried the fast route hint.
	FastRouted uint64 `json:"fast_routed"`

	AvgProcessing time.Duration `json:"avg_processing_ns"`
	CacheHitRate  float64       `json:"cache_hit_rate"`
	BatchingRate  float64       `json:"batching_rate"`

	UpdatedAt time.Time `json:"updated_at"`
}

// metrics keeps a mutable set of counters behind a mutex and publishes an
// immutable snapshot after each change, so readers never take the lock.
type metrics struct {
	mu  sync.Mutex
	cur MetricsSnapshot
	// processed is the number of samples folded into AvgProcessing.
	processed uint64
	now       func() time.Time

	snap atomic.Pointer[MetricsSnapshot]
}

func newMetrics(now func() time.Time) *metrics {
	m := &metrics{now: now}
	m.publishLocked()
	return m
}

func (m *metrics) update(fn func(s *MetricsSnapshot)) {
	m.mu.Lock()
	fn(&m.cur)
	m.publishLocked()
	m.mu.Unlock()
}

func (m *metrics) publishLocked() {
	s := m.cur
	if s.Total > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(s.Total)
		s.BatchingRate = float64(s.Batched) / float64(s.Total)
	}
	s.UpdatedAt = m.now()
	m.snap.Store(&s)
}

func (m *metrics) submitted() { m.update(func(s *MetricsSnapshot) { s.Total++ }) }

func (m *metrics) cacheHit() {
	m.update(func(s *MetricsSnapshot) {
		s.Total++
		s.CacheHits++
		s.Completed++
	})
}

func (m *metrics) rejected() {
	m.update(func(s *MetricsSnapshot) {
		s.Total++
		s.Rejected++
	})
}

// batch records one batch dispatch carrying newMembers requests that were
// never batched before.
func (m *metrics) batch(newMembers int) {
	m.update(func(s *MetricsSnapshot) {
		s.Batches++
		s.Batched += uint64(newMembers)
	})
}

func (m *metrics) fastRouted(n int) { m.update(func(s *MetricsSnapshot) { s.FastRouted += uint64(n) }) }

func (m *metrics) retried() { m.update(func(s *MetricsSnapshot) { s.Retried++ }) }

func (m *metrics) cancelled() { m.update(func(s *MetricsSnapshot) { s.Cancelled++ }) }

func (m *metrics) timedOut() { m.update(func(s *MetricsSnapshot) { s.TimedOut++ }) }

func (m *metrics) failed() { m.update(func(s *MetricsSnapshot) { s.Failed++ }) }

// completed folds one processing-time sample into the running mean.
func (m *metrics) completed(d time.Duration) {
	m.update(func(s *MetricsSnapshot) {
		s.Completed++
		m.processed++
		s.AvgProcessing += (d - s.AvgProcessing) / time.Duration(m.processed)
	})
}

func (m *metrics) snapshot() MetricsSnapshot { return *m.snap.Load() }

// estimateWait is (ahead + inFlight/2) times the mean processing time.
func estimateWait(ahead, inFlight int, avg time.Duration) time.Duration {
	if avg <= 0 {
		return 0
	}
	return time.Duration((float64(ahead) + 0.5*float64(inFlight)) * float64(avg))
}
