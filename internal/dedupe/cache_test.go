// ABOUTME: Tests for the idempotency cache used to collapse retried sends.
// ABOUTME: Validates claim/complete/abort, TTL expiration, size limits, cleanup, and concurrency safety.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Begin_NewKey(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	v, status := cache.Begin("never-seen-key")
	assert.Equal(t, StatusNew, status)
	assert.Empty(t, v)
}

func TestCache_Begin_InFlight(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	_, status := cache.Begin("my-key")
	assert.Equal(t, StatusNew, status)

	// Second caller sees the first still working
	_, status = cache.Begin("my-key")
	assert.Equal(t, StatusInFlight, status)
}

func TestCache_Complete_ReturnsStoredValue(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	cache.Begin("my-key")
	cache.Complete("my-key", "msg-1")

	v, status := cache.Begin("my-key")
	assert.Equal(t, StatusDone, status)
	assert.Equal(t, "msg-1", v)
}

func TestCache_Abort_AllowsRetry(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	cache.Begin("my-key")
	cache.Abort("my-key")

	_, status := cache.Begin("my-key")
	assert.Equal(t, StatusNew, status)
}

func TestCache_Abort_KeepsCompleted(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	cache.Begin("my-key")
	cache.Complete("my-key", "msg-1")
	cache.Abort("my-key")

	v, status := cache.Begin("my-key")
	assert.Equal(t, StatusDone, status)
	assert.Equal(t, "msg-1", v)
}

func TestCache_Expired(t *testing.T) {
	// Use a very short TTL for testing
	cache := New[string](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Begin("expiring-key")
	cache.Complete("expiring-key", "msg-1")

	// Wait for TTL to expire
	time.Sleep(20 * time.Millisecond)

	// Expired keys are claimable again
	v, status := cache.Begin("expiring-key")
	assert.Equal(t, StatusNew, status)
	assert.Empty(t, v)
}

func TestCache_SizeLimit_EvictsOldest(t *testing.T) {
	cache := New[int](5*time.Minute, 3)
	defer cache.Close()

	for i, key := range []string{"key-1", "key-2", "key-3"} {
		cache.Begin(key)
		cache.Complete(key, i)
	}
	assert.Equal(t, 3, cache.Len())

	// Adding a 4th key evicts key-1
	cache.Begin("key-4")
	assert.Equal(t, 3, cache.Len())

	_, status := cache.Begin("key-1")
	assert.Equal(t, StatusNew, status, "oldest key should have been evicted")

	v, status := cache.Begin("key-3")
	assert.Equal(t, StatusDone, status)
	assert.Equal(t, 2, v)
}

func TestCache_RunCleanup(t *testing.T) {
	cache := New[string](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Begin("key-1")
	cache.Begin("key-2")
	time.Sleep(20 * time.Millisecond)

	cache.runCleanup()
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, 0, cache.order.Len())
}

func TestCache_Close_Idempotent(t *testing.T) {
	cache := New[string](5*time.Minute, 100)

	// Should not panic
	cache.Close()
	cache.Close()
}

func TestCache_ConcurrentBegin_OneOwner(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	var owners atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			if _, status := cache.Begin("shared"); status == StatusNew {
				owners.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), owners.Load())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "new", StatusNew.String())
	assert.Equal(t, "in_flight", StatusInFlight.String())
	assert.Equal(t, "done", StatusDone.String())
	assert.Equal(t, "unknown", Status(99).String())
}
