package sched

import (
	"testing"
	"time"
)

func single(id string, prio float64, at time.Time) *unit {
	return &unit{reqs: []*request{{id: id, priority: prio, submittedAt: at}}}
}

func popIDs(q *Queue) []string {
	var out []string
	for u := q.pop(); u != nil; u = q.pop() {
		for _, r := range u.reqs {
			out = append(out, r.id)
		}
	}
	return out
}

func TestQueueOrdering(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var q Queue
	q.push(single("n1", 5, t0))
	q.push(single("low", 10, t0))
	q.push(single("n2", 5, t0)) // same instant as n1, later seq
	q.push(single("high", 1, t0.Add(time.Second)))
	q.push(single("retried", 4.5, t0.Add(2*time.Second)))

	if q.Len() != 5 {
		t.Fatalf("Len = %d, want 5", q.Len())
	}
	got := popIDs(&q)
	want := []string{"high", "retried", "n1", "n2", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if q.Len() != 0 || q.peek() != nil {
		t.Fatal("queue not empty after draining")
	}
}

func TestQueueEarlierSubmissionWinsTie(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var q Queue
	// A retry keeps its original submission time, so it sorts ahead of a newer
	// request that lands on the same number.
	q.push(single("new", 4.5, t0.Add(time.Minute)))
	q.push(single("old", 4.5, t0))
	if got := popIDs(&q); got[0] != "old" {
		t.Fatalf("order = %v, want old first", got)
	}
}

func TestQueueRemoveAndFix(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	var q Queue
	a, b, c := single("a", 5, t0), single("b", 5, t0), single("c", 5, t0)
	q.push(a)
	q.push(b)
	q.push(c)

	if !q.removeRequest(b.reqs[0]) {
		t.Fatal("removeRequest(b) = false")
	}
	if q.removeRequest(&request{id: "stray"}) {
		t.Fatal("removeRequest on a stray request = true")
	}
	c.reqs[0].priority = 1
	q.fix(c)

	if got := popIDs(&q); len(got) != 2 || got[0] != "c" || got[1] != "a" {
		t.Fatalf("order = %v, want [c a]", got)
	}
}

func TestQueueBatchUnit(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	var q Queue
	q.push(single("solo", 4, t0))
	batch := &unit{batch: true, reqs: []*request{
		{id: "m1", priority: 6, submittedAt: t0},
		{id: "m2", priority: 3, submittedAt: t0.Add(time.Millisecond)},
	}}
	q.push(batch)

	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3 members", q.Len())
	}
	if got := q.countAtOrAbove(4); got != 2 {
		t.Fatalf("countAtOrAbove(4) = %d, want 2", got)
	}
	// Batch priority follows its most urgent member.
	if u := q.pop(); u != batch {
		t.Fatalf("first unit = %v, want the batch", u.reqs[0].id)
	}

	q.push(batch)
	if !q.removeRequest(batch.reqs[1]) {
		t.Fatal("removeRequest(m2) = false")
	}
	if batch.priority != 6 {
		t.Fatalf("batch priority = %v after removing its urgent member, want 6", batch.priority)
	}
	if got := popIDs(&q); got[0] != "solo" {
		t.Fatalf("order = %v, want solo first", got)
	}
}

func TestQueueDrain(t *testing.T) {
	t.Parallel()

	var q Queue
	q.push(single("a", 1, time.Now()))
	q.push(single("b", 2, time.Now()))
	out := q.drain()
	if len(out) != 2 || q.Len() != 0 || q.pop() != nil {
		t.Fatalf("drain = %d requests, Len after = %d", len(out), q.Len())
	}
}
