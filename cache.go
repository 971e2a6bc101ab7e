// SPDX-License-Identifier: MPL-2.0

package panel

import (
	"sync"
	"time"
)

// cacheEntry pairs a cached value with its monotonic creation time (§3
// "Cache entry").
type cacheEntry struct {
	value     any
	createdAt time.Time
}

// timeWindowCache is a per-key, monotonic-time-bounded cache (§4.B). Its own
// mutex guards the map: Snapshot issues its four fetches from separate
// goroutines (§5), and Circuits' panel-state re-synthesis can reach the
// same "panel_state" key from a goroutine other than the one that requested
// it, so the cache cannot rely on a caller serializing access for it.
type timeWindowCache struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	data   map[string]cacheEntry
}

func newTimeWindowCache(window time.Duration) *timeWindowCache {
	return &timeWindowCache{
		window: window,
		now:    time.Now,
		data:   make(map[string]cacheEntry),
	}
}

// get returns the cached value for key and true iff an entry exists and has
// not expired. A disabled cache (window == 0) always misses.
func (c *timeWindowCache) get(key string) (any, bool) {
	if c.window <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.createdAt) > c.window {
		return nil, false
	}
	return entry.value, true
}

// put stores value under key with the current time. A disabled cache is a
// no-op, and failed upstream operations must never call put (§4.B).
func (c *timeWindowCache) put(key string, value any) {
	if c.window <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{value: value, createdAt: c.now()}
}

// clear drops every entry. Called by every G2 write operation (§4.C
// invariant 4).
func (c *timeWindowCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]cacheEntry)
}
