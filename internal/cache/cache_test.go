package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetSet(t *testing.T) {
	c := NewLRU(4)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", 42, 0)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	c.Set("k", 43, 0)
	v, _ = c.Get("k")
	assert.Equal(t, 43, v)
	assert.Equal(t, 1, c.Len())
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(2)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)

	// Touch a so b becomes the eviction candidate.
	_, _ = c.Get("a")
	c.Set("c", 3, 0)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestTTLExpiry(t *testing.T) {
	c := NewLRU(4)
	c.Set("short", 1, time.Millisecond)
	c.Set("forever", 2, 0)

	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("forever")
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	c := NewLRU(4)
	c.Set("k", 1, 0)
	c.Delete("k")
	c.Delete("k") // second delete is a no-op

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestStats(t *testing.T) {
	c := NewLRU(4)
	c.Set("k", 1, 0)
	_, _ = c.Get("k")
	_, _ = c.Get("k")
	_, _ = c.Get("missing")

	hits, misses := c.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestConcurrentAccess(t *testing.T) {
	c := NewLRU(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", j%32)
				c.Set(key, j, time.Minute)
				_, _ = c.Get(key)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}
