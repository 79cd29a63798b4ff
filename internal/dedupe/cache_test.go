// ABOUTME: Tests for the signal dedupe cache.
// ABOUTME: Validates TTL expiration, capacity eviction, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Seen_FirstTimeFalse(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("conn-1/ack/audio-1"))
	assert.True(t, cache.Seen("conn-1/ack/audio-1"))
}

func TestCache_Seen_DistinctKeysIndependent(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("conn-1/ack/audio-1"))
	assert.False(t, cache.Seen("conn-2/ack/audio-1"))
	assert.False(t, cache.Seen("conn-1/played/audio-1"))
}

func TestCache_Contains_DoesNotMark(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Contains("conn-1/ack/audio-1"))
	assert.False(t, cache.Contains("conn-1/ack/audio-1"), "a bare check must not mark the key")
	assert.False(t, cache.Seen("conn-1/ack/audio-1"))
	assert.True(t, cache.Contains("conn-1/ack/audio-1"))
}

func TestCache_Seen_ExpiresAfterTTL(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("key"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, cache.Seen("key"), "expired key counts as new")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	for i := 0; i < 3; i++ {
		cache.Seen(fmt.Sprintf("key-%d", i))
	}
	cache.Seen("key-3") // evicts key-0

	assert.Equal(t, 3, cache.Len())
	assert.False(t, cache.Seen("key-0"), "oldest key was evicted")
	assert.True(t, cache.Seen("key-3"))
}

func TestCache_Expire(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Seen("a")
	cache.Seen("b")
	time.Sleep(20 * time.Millisecond)
	cache.expire()

	assert.Equal(t, 0, cache.Len())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.Seen(fmt.Sprintf("key-%d-%d", n, j))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, cache.Len())
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
