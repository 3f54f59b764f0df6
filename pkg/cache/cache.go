package cache

import (
	"sync"
	"time"
)

type item[T any] struct {
	value      T
	expiration time.Time
}

// TTL is a thread-safe in-memory cache whose entries expire after a fixed
// lifetime. Expired entries are dropped lazily on read and by Sweep.
type TTL[T any] struct {
	mu   sync.RWMutex
	data map[string]item[T]
	ttl  time.Duration
	now  func() time.Time
}

// New creates a cache whose entries live for ttl.
func New[T any](ttl time.Duration) *TTL[T] {
	return &TTL[T]{
		data: make(map[string]item[T]),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Get returns a cached value if present and not expired.
func (c *TTL[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	it, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false
	}
	if c.now().After(it.expiration) {
		c.mu.Lock()
		if cur, ok := c.data[key]; ok && cur.expiration.Equal(it.expiration) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		var zero T
		return zero, false
	}
	return it.value, true
}

// Put inserts or overwrites an entry.
func (c *TTL[T]) Put(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = item[T]{value: value, expiration: c.now().Add(c.ttl)}
}

// PutIfAbsent stores value unless a live entry exists, and reports whether
// it stored.
func (c *TTL[T]) PutIfAbsent(key string, value T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.data[key]; ok && !c.now().After(it.expiration) {
		return false
	}
	c.data[key] = item[T]{value: value, expiration: c.now().Add(c.ttl)}
	return true
}

// Bust deletes a single entry (e.g. on secret rotation).
func (c *TTL[T]) Bust(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Len counts stored entries, expired ones included until swept.
func (c *TTL[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Sweep removes every expired entry.
func (c *TTL[T]) Sweep() {
	now := c.now()
	c.mu.Lock()
	for k, v := range c.data {
		if now.After(v.expiration) {
			delete(c.data, k)
		}
	}
	c.mu.Unlock()
}

// StartSweeper runs Sweep every interval until stop is closed.
func (c *TTL[T]) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-stop:
			return
		}
	}
}
