package lru

import (
	"fmt"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// EvictFunc is called for every entry that leaves the cache, no matter if it
// was pushed out by a newer entry, replaced or dropped by EvictAll.
type EvictFunc[K comparable, V any] func(key K, value V)

// Cache is a bounded key-value mapping with least-recently-used eviction.
// Unlike a plain bounded map every entry that leaves the cache is reported to
// the EvictFunc, so values that represent external resources can be released.
//
// Cache is not safe for concurrent use; the owner has to serialize access.
type Cache[K comparable, V any] struct {
	capacity int
	entries  *simplelru.LRU[K, V]
}

// NewCache creates a new cache that holds at most capacity entries
func NewCache[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) (*Cache[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}

	var cb simplelru.EvictCallback[K, V]
	if onEvict != nil {
		cb = simplelru.EvictCallback[K, V](onEvict)
	}

	entries, err := simplelru.NewLRU[K, V](capacity, cb)
	if err != nil {
		return nil, err
	}

	return &Cache[K, V]{
		capacity: capacity,
		entries:  entries,
	}, nil
}

// --------------------------------------------------------------------------
// Lookup
// --------------------------------------------------------------------------

// Get returns the value for key and marks it as most recently used
func (c *Cache[K, V]) Get(key K) (value V, ok bool) {
	return c.entries.Get(key)
}

// Peek returns the value for key without updating its recency
func (c *Cache[K, V]) Peek(key K) (value V, ok bool) {
	return c.entries.Peek(key)
}

// Oldest returns the least recently used entry without removing it
func (c *Cache[K, V]) Oldest() (key K, value V, ok bool) {
	return c.entries.GetOldest()
}

// Len returns the number of entries in the cache
func (c *Cache[K, V]) Len() int {
	return c.entries.Len()
}

// Cap returns the maximum number of entries
func (c *Cache[K, V]) Cap() int {
	return c.capacity
}

// --------------------------------------------------------------------------
// Mutation
// --------------------------------------------------------------------------

// Put inserts or replaces the value for key.
// A new key makes room first: least recently used entries are evicted while
// the cache would overflow, so the size never exceeds the capacity, not even
// for a moment. Replacing an existing key evicts the replaced value.
func (c *Cache[K, V]) Put(key K, value V) {
	if c.entries.Contains(key) {
		// Remove reports the old value to the evict callback
		c.entries.Remove(key)
	} else {
		for c.entries.Len()+1 > c.capacity {
			if _, _, ok := c.entries.RemoveOldest(); !ok {
				break
			}
		}
	}
	c.entries.Add(key, value)
}

// RemoveOldest evicts the least recently used entry
func (c *Cache[K, V]) RemoveOldest() (key K, value V, ok bool) {
	return c.entries.RemoveOldest()
}

// Remove evicts the entry for key, if present
func (c *Cache[K, V]) Remove(key K) bool {
	return c.entries.Remove(key)
}

// EvictAll evicts every entry
func (c *Cache[K, V]) EvictAll() {
	c.entries.Purge()
}
