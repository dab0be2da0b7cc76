// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package correlation provides a small generic table for tracking
// in-flight requests by the key under which a later reply will arrive,
// e.g. a KV-store msg_id or a client (src, msg_id) pair encoded as a
// string.
package correlation

import "sync"

// Cache is a mutex-protected map. Handlers are only ever invoked from a
// single dispatch goroutine, so the locking here guards against nothing
// but future misuse rather than real contention.
type Cache[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

// New constructs an empty Cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{m: make(map[K]V)}
}

// Put stores v under k, overwriting any previous value.
func (c *Cache[K, V]) Put(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[k] = v
}

// Get returns the value stored under k, if any.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[k]
	return v, ok
}

// GetAndDelete atomically reads and removes the value stored under k.
// This is the primary operation used by the workload handlers: a reply
// correlates to exactly one outstanding request and is only ever
// consumed once.
func (c *Cache[K, V]) GetAndDelete(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[k]
	if ok {
		delete(c.m, k)
	}
	return v, ok
}

// Delete removes k without returning its value.
func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, k)
}

// Len reports the number of entries currently cached.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
