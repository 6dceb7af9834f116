package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/nodegate/nodegate/internal/observ"
)

// Stats tracks cache effectiveness. All counters are cumulative.
type Stats struct {
	Requests   int64   `json:"requests"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	CallsSaved int64   `json:"calls_saved"`
	Size       int     `json:"size"`
}

type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

func (e entry[V]) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

// TTLCache is a generic key/value store with per-entry expiry. Expired
// entries are deleted lazily on read and may be swept eagerly with
// EvictExpired. An expired entry is never returned as a hit.
type TTLCache[V any] struct {
	mu      sync.Mutex
	name    string
	entries map[string]entry[V]

	requests int64
	hits     int64
	misses   int64
}

// New creates a named TTL cache. The name labels its metrics.
func New[V any](name string) *TTLCache[V] {
	return &TTLCache[V]{
		name:    name,
		entries: make(map[string]entry[V]),
	}
}

// Get returns the cached value, deleting and missing on expired entries.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	now := time.Now()

	c.mu.Lock()
	c.requests++
	e, ok := c.entries[key]
	if ok && e.expired(now) {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.misses++
		c.mu.Unlock()
		observ.IncCounter("cache_misses_total", map[string]string{"cache": c.name})
		return zero, false
	}
	c.hits++
	c.mu.Unlock()

	observ.IncCounter("cache_hits_total", map[string]string{"cache": c.name})
	return e.value, true
}

// Set stores value under key with the given TTL.
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, storedAt: time.Now(), ttl: ttl}
	c.mu.Unlock()
}

// GetOrCompute returns the cached value or computes, caches, and returns a
// fresh one. Concurrent misses for the same key may each run fn; the last
// writer wins, which is acceptable for idempotent computations.
func (c *TTLCache[V]) GetOrCompute(key string, ttl time.Duration, fn func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := fn()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

// EvictExpired sweeps the whole map and returns how many entries went.
func (c *TTLCache[V]) EvictExpired() int {
	now := time.Now()
	evicted := 0

	c.mu.Lock()
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			evicted++
		}
	}
	c.mu.Unlock()

	if evicted > 0 {
		observ.IncCounterBy("cache_evictions_total", map[string]string{"cache": c.name}, float64(evicted))
	}
	return evicted
}

// Clear drops every entry.
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}

// ClearPrefix drops entries whose key starts with prefix and returns the
// count removed.
func (c *TTLCache[V]) ClearPrefix(prefix string) int {
	removed := 0
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

// Stats returns a point-in-time snapshot. CallsSaved equals hits: each hit is
// one remote call or computation that did not happen.
func (c *TTLCache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRate := 0.0
	if c.requests > 0 {
		hitRate = float64(c.hits) / float64(c.requests)
	}
	return Stats{
		Requests:   c.requests,
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    hitRate,
		CallsSaved: c.hits,
		Size:       len(c.entries),
	}
}
