package sched

import (
	"testing"
	"time"
)

func TestMetricsRunningAverage(t *testing.T) {
	t.Parallel()

	m := newMetrics(time.Now)
	for _, d := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond} {
		m.submitted()
		m.completed(d)
	}
	s := m.snapshot()
	if s.AvgProcessing != 200*time.Millisecond {
		t.Fatalf("avg = %v, want 200ms", s.AvgProcessing)
	}
	if s.Completed != 3 || s.Total != 3 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestMetricsRates(t *testing.T) {
	t.Parallel()

	m := newMetrics(time.Now)
	m.submitted()
	m.submitted()
	m.cacheHit()
	m.rejected()
	m.batch(2)

	s := m.snapshot()
	if s.Total != 4 {
		t.Fatalf("total = %d, want 4", s.Total)
	}
	if s.CacheHitRate != 0.25 || s.BatchingRate != 0.5 {
		t.Fatalf("rates = %v / %v", s.CacheHitRate, s.BatchingRate)
	}

	// Snapshots are copies.
	m.failed()
	if s.Failed != 0 {
		t.Fatal("earlier snapshot changed")
	}
}

func TestEstimateWait(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ahead, inFlight int
		avg, want       time.Duration
	}{
		{0, 0, time.Second, 0},
		{2, 2, time.Second, 3 * time.Second},
		{1, 1, 100 * time.Millisecond, 150 * time.Millisecond},
		{5, 1, 0, 0},
	}
	for _, tc := range cases {
		if got := estimateWait(tc.ahead, tc.inFlight, tc.avg); got != tc.want {
			t.Errorf("estimateWait(%d, %d, %v) = %v, want %v", tc.ahead, tc.inFlight, tc.avg, got, tc.want)
		}
	}
}
