package sched

import "time"

// DedupCache maps a request fingerprint to the response of the last request
// with that fingerprint that reached Completed. It only coalesces sequential
// duplicates: two identical requests in flight at once both reach the executor.
type DedupCache struct {
	c *ttlCache
}

func NewDedupCache(maxEntries int, ttl time.Duration, now func() time.Time) *DedupCache {
	return &DedupCache{c: newTTLCache(maxEntries, ttl, now)}
}

func (d *DedupCache) Get(fingerprint string) (any, bool) {
	if d == nil || fingerprint == "" {
		return nil, false
	}
	return d.c.get(fingerprint)
}

func (d *DedupCache) Set(fingerprint string, response any) {
	if d == nil || fingerprint == "" {
		return
	}
	d.c.set(fingerprint, response)
}

func (d *DedupCache) Len() int { return d.c.len() }

func (d *DedupCache) Prune() int { return d.c.prune() }

func (d *DedupCache) SetTTL(ttl time.Duration) { d.c.setTTL(ttl) }

func (d *DedupCache) Purge() { d.c.purge() }
