// ABOUTME: Thread-safe TTL cache of idempotency keys and the results they produced.
// ABOUTME: Used by the send endpoint so a retried request returns the original message.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Status reports what Begin found for a key.
type Status int

const (
	// StatusNew means the key was unseen and the caller now owns it.
	// The caller must follow up with Complete or Abort.
	StatusNew Status = iota
	// StatusInFlight means another caller owns the key and has not finished.
	StatusInFlight
	// StatusDone means the key completed and its result was returned.
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusInFlight:
		return "in_flight"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// cacheEntry stores the timestamp, result and list element for a cached key.
type cacheEntry[V any] struct {
	timestamp time.Time
	done      bool
	value     V
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited map from idempotency
// key to result. Uses a doubly-linked list to maintain insertion order for
// O(1) eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry[V]
	order   *list.List // List of keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		seen:    make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Begin atomically claims key or reports its existing state. With StatusDone
// the stored result is returned. Expired keys are treated as unseen.
func (c *Cache[V]) Begin(key string) (V, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.seen[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		if entry.done {
			return entry.value, StatusDone
		}
		return zero, StatusInFlight
	}

	// Not seen (or expired), claim it
	c.markLocked(key)
	return zero, StatusNew
}

// Complete stores the result for a key claimed by Begin and restarts its TTL.
func (c *Cache[V]) Complete(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.markLocked(key)
	entry.done = true
	entry.value = value
}

// Abort releases a key claimed by Begin without storing a result, so a retry
// runs again.
func (c *Cache[V]) Abort(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok || entry.done {
		return
	}
	c.order.Remove(entry.element)
	delete(c.seen, key)
}

// Len returns the number of tracked keys, including expired ones not yet cleaned up.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked refreshes or inserts key. Must be called with mu held.
func (c *Cache[V]) markLocked(key string) *cacheEntry[V] {
	now := time.Now()

	// If key already exists, reset it and move to back
	if entry, exists := c.seen[key]; exists {
		var zero V
		entry.timestamp = now
		entry.done = false
		entry.value = zero
		c.order.MoveToBack(entry.element)
		return entry
	}

	// Evict oldest if at capacity
	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	entry := &cacheEntry[V]{
		timestamp: now,
		element:   elem,
	}
	c.seen[key] = entry
	return entry
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
