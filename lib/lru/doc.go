// Package lru provides a small least-recently-used cache with eviction
// notifications.
//
// The cache is used to mirror resources that live somewhere else, e.g. SQL
// texts stored on a database server. Dropping such an entry from memory is not
// enough, the remote side has to be told as well. For this reason every entry
// that leaves the cache is passed to an EvictFunc:
//
//   - when a new key pushes out the least recently used entry
//   - when an existing key is replaced with a new value
//   - when the cache is emptied with EvictAll
//
// Eviction is proactive: before a new entry is inserted, old entries are
// removed until the new one fits. The number of entries never exceeds the
// configured capacity.
//
// Example usage:
//
//	cache, _ := lru.NewCache[string, int](2, func(key string, handle int) {
//	    release(handle)
//	})
//	cache.Put("a", 1)
//	cache.Put("b", 2)
//	cache.Get("a")    // "a" is now the most recently used entry
//	cache.Put("c", 3) // evicts "b" and calls release(2)
//
// The cache is not thread-safe. Callers that share a cache between goroutines
// must provide their own synchronization.
package lru
