package sched

import "time"

// batchWindow is the open set of batchable requests. It exists between the
// first add and the flush; gen identifies it so a stale timer firing after a
// size-triggered flush is ignored.
type batchWindow struct {
	reqs     []*request
	deadline time.Time
	timer    *time.Timer
	gen      uint64
}

// BatchCollector accumulates batchable requests into time- and size-bounded
// windows. It is driven under the scheduler lock; onExpire is called from the
// window timer goroutine and must take that lock itself.
type BatchCollector struct {
	win      *batchWindow
	gen      uint64
	onExpire func(gen uint64)
}

func newBatchCollector(onExpire func(gen uint64)) *BatchCollector {
	return &BatchCollector{onExpire: onExpire}
}

// add appends r to the open window, opening one with the given timeout if
// needed. It reports whether the window reached maxSize.
func (c *BatchCollector) add(r *request, now time.Time, timeout time.Duration, maxSize int) bool {
	if c.win == nil {
		c.gen++
		gen := c.gen
		c.win = &batchWindow{deadline: now.Add(timeout), gen: gen}
		c.win.timer = time.AfterFunc(timeout, func() { c.onExpire(gen) })
	}
	c.win.reqs = append(c.win.reqs, r)
	return len(c.win.reqs) >= maxSize
}

// take clears the window and returns its members. The window is gone before
// the caller hands the set to the executor, so later requests open a new one.
func (c *BatchCollector) take() []*request {
	if c.win == nil {
		return nil
	}
	w := c.win
	c.win = nil
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.reqs
}

// current reports whether gen still names the open window.
func (c *BatchCollector) current(gen uint64) bool {
	return c.win != nil && c.win.gen == gen
}

func (c *BatchCollector) remove(r *request) bool {
	if c.win == nil {
		return false
	}
	for i, m := range c.win.reqs {
		if m == r {
			c.win.reqs = append(c.win.reqs[:i], c.win.reqs[i+1:]...)
			if len(c.win.reqs) == 0 {
				c.take()
			}
			return true
		}
	}
	return false
}

func (c *BatchCollector) contains(r *request) bool {
	if c.win == nil {
		return false
	}
	for _, m := range c.win.reqs {
		if m == r {
			return true
		}
	}
	return false
}

func (c *BatchCollector) Len() int {
	if c.win == nil {
		return 0
	}
	return len(c.win.reqs)
}

func (c *BatchCollector) countAtOrAbove(p float64) int {
	if c.win == nil {
		return 0
	}
	n := 0
	for _, r := range c.win.reqs {
		if r.priority <= p {
			n++
		}
	}
	return n
}
