package sched

import (
	"container/list"
	"time"
)

// ttlCache is a capacity-bounded LRU whose entries expire after a TTL.
// Expired entries are treated as misses and removed on access; prune sweeps
// the rest. Not safe for concurrent use; the scheduler serializes access.
type ttlCache struct {
	ttl   time.Duration
	max   int
	now   func() time.Time
	ll    *list.List
	items map[string]*list.Element

	evicted uint64
}

type cacheEntry struct {
	key       string
	value     any
	expiresAt time.Time
}

func newTTLCache(max int, ttl time.Duration, now func() time.Time) *ttlCache {
	if max <= 0 {
		max = 1000
	}
	if now == nil {
		now = time.Now
	}
	return &ttlCache{ttl: ttl, max: max, now: now, ll: list.New(), items: map[string]*list.Element{}}
}

func (c *ttlCache) get(key string) (any, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if !c.now().Before(ent.expiresAt) {
		c.removeElement(el)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return ent.value, true
}

func (c *ttlCache) set(key string, value any) {
	if key == "" {
		return
	}
	exp := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.value = value
		ent.expiresAt = exp
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&cacheEntry{key: key, value: value, expiresAt: exp})
	for c.ll.Len() > c.max {
		c.removeElement(c.ll.Back())
		c.evicted++
	}
}

// prune drops expired entries and returns how many were removed.
func (c *ttlCache) prune() int {
	now := c.now()
	n := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*cacheEntry).expiresAt) {
			c.removeElement(el)
			n++
		}
		el = prev
	}
	return n
}

func (c *ttlCache) setTTL(ttl time.Duration) {
	if ttl > 0 {
		c.ttl = ttl
	}
}

func (c *ttlCache) purge() {
	c.ll.Init()
	c.items = map[string]*list.Element{}
}

func (c *ttlCache) len() int { return c.ll.Len() }

func (c *ttlCache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).key)
}
