// Package governor implements the resource governor: the generic
// BoundedCollection every long-lived map in the core must be, the timer
// registry every long-lived timer must be registered in, and the periodic
// memory sampler that drives cleanup() / emergency_cleanup() under pressure.
//
// The governor is an explicit value created at startup and passed into
// components; there is no package-level singleton.
package governor

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entryMeta tracks the per-entry bookkeeping kept on top of what
// a raw LRU gives you.
type entryMeta struct {
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
}

// BoundedCollection is a generic associative container with max_size,
// cleanup_threshold, optional TTL and LRU eviction. Every long-lived map in
// the mixing core — pool entries, session edge queues, health snapshots,
// alert fingerprints — is one of these, registered with a Governor.
type BoundedCollection[K comparable, V any] struct {
	mu    sync.Mutex
	name  string
	cache *lru.Cache[K, V]
	meta  map[K]*entryMeta
	ttl   time.Duration

	maxSize          int
	cleanupThreshold float64
}

// CollectionConfig configures a BoundedCollection.
type CollectionConfig struct {
	Name string
	// MaxSize is the hard cap; the LRU evicts the oldest entry once
	// exceeded; size never passes max_size after any operation.
	MaxSize int
	// CleanupThreshold, in [0,1], is the occupancy fraction above which
	// Cleanup proactively evicts even before MaxSize is hit.
	CleanupThreshold float64
	// TTL, if non-zero, additionally expires entries on read/cleanup
	// regardless of LRU pressure.
	TTL time.Duration
}

// NewBoundedCollection creates a BoundedCollection. It does not register
// itself with a Governor — call Governor.RegisterCollection for that, since
// a collection may be constructed before a Governor exists (e.g. in tests).
func NewBoundedCollection[K comparable, V any](cfg CollectionConfig) *BoundedCollection[K, V] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.CleanupThreshold <= 0 || cfg.CleanupThreshold > 1 {
		cfg.CleanupThreshold = 0.9
	}
	bc := &BoundedCollection[K, V]{
		name:             cfg.Name,
		meta:             make(map[K]*entryMeta),
		ttl:              cfg.TTL,
		maxSize:          cfg.MaxSize,
		cleanupThreshold: cfg.CleanupThreshold,
	}
	cache, _ := lru.NewWithEvict[K, V](cfg.MaxSize, func(key K, _ V) {
		delete(bc.meta, key)
	})
	bc.cache = cache
	return bc
}

// Name returns the collection's registered name.
func (c *BoundedCollection[K, V]) Name() string { return c.name }

// Put inserts or updates a key. If the LRU evicts an entry to make room, its
// metadata is removed too.
func (c *BoundedCollection[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, value)
	now := time.Now()
	if m, ok := c.meta[key]; ok {
		m.lastAccessed = now
		m.accessCount++
	} else {
		c.meta[key] = &entryMeta{createdAt: now, lastAccessed: now, accessCount: 1}
	}
}

// Get returns a value and whether it is present and not TTL-expired. A
// TTL-expired entry is evicted lazily on access.
func (c *BoundedCollection[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl > 0 {
		if m, ok := c.meta[key]; ok && time.Since(m.createdAt) > c.ttl {
			c.cache.Remove(key)
			delete(c.meta, key)
			var zero V
			return zero, false
		}
	}

	v, ok := c.cache.Get(key)
	if ok {
		if m, ok := c.meta[key]; ok {
			m.lastAccessed = time.Now()
			m.accessCount++
		}
	}
	return v, ok
}

// Delete removes a key.
func (c *BoundedCollection[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
	delete(c.meta, key)
}

// Len returns the current size.
func (c *BoundedCollection[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Cleanup removes TTL-expired entries and, if occupancy exceeds
// cleanup_threshold, evicts the oldest entries by last_accessed until back
// under threshold. Invoked by the Governor on memory-warning.
func (c *BoundedCollection[K, V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked(c.cleanupThreshold)
}

// EmergencyCleanup removes at least 50% of entries by ascending
// last_accessed.
func (c *BoundedCollection[K, V]) EmergencyCleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := (c.cache.Len() + 1) / 2
	removed := 0
	for c.cache.Len() > 0 && removed < target {
		oldestKey, ok := c.oldestKeyLocked()
		if !ok {
			break
		}
		c.cache.Remove(oldestKey)
		delete(c.meta, oldestKey)
		removed++
	}
	return removed
}

func (c *BoundedCollection[K, V]) cleanupLocked(threshold float64) int {
	removed := 0
	if c.ttl > 0 {
		now := time.Now()
		for k, m := range c.meta {
			if now.Sub(m.createdAt) > c.ttl {
				c.cache.Remove(k)
				delete(c.meta, k)
				removed++
			}
		}
	}
	occupancy := float64(c.cache.Len()) / float64(c.maxSize)
	for occupancy > threshold {
		oldestKey, ok := c.oldestKeyLocked()
		if !ok {
			break
		}
		c.cache.Remove(oldestKey)
		delete(c.meta, oldestKey)
		removed++
		occupancy = float64(c.cache.Len()) / float64(c.maxSize)
	}
	return removed
}

func (c *BoundedCollection[K, V]) oldestKeyLocked() (K, bool) {
	var oldestKey K
	var oldestTime time.Time
	found := false
	for k, m := range c.meta {
		if !found || m.lastAccessed.Before(oldestTime) {
			oldestKey = k
			oldestTime = m.lastAccessed
			found = true
		}
	}
	return oldestKey, found
}

// Clear empties the collection entirely, used on Governor shutdown.
func (c *BoundedCollection[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
	c.meta = make(map[K]*entryMeta)
}

// Collection is the type-erased interface the Governor's registry holds, so
// BoundedCollection[K,V] instances of differing K/V can share one registry.
type Collection interface {
	Name() string
	Len() int
	Cleanup() int
	EmergencyCleanup() int
	Clear()
}

var _ Collection = (*BoundedCollection[string, int])(nil)
