package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRU_PutGet(t *testing.T) {
	c := NewLRU[bool](4, time.Minute)

	c.Put("0xblock1", true)
	v, ok := c.Get("0xblock1")
	assert.True(t, ok)
	assert.True(t, v)

	_, ok = c.Get("0xblock2")
	assert.False(t, ok)
}

func TestLRU_OverwriteRefreshes(t *testing.T) {
	c := NewLRU[bool](4, time.Minute)

	c.Put("0xblock1", true)
	c.Put("0xblock1", false)

	v, ok := c.Get("0xblock1")
	assert.True(t, ok)
	assert.False(t, v, "a rolled-back block overwrites the live flag")
	assert.Equal(t, 1, c.Len())
}

func TestLRU_EvictsOldestAtCapacity(t *testing.T) {
	c := NewLRU[bool](2, time.Minute)

	c.Put("0xblock1", true)
	c.Put("0xblock2", true)
	c.Put("0xblock3", true)

	_, ok := c.Get("0xblock1")
	assert.False(t, ok, "oldest entry is evicted")
	_, ok = c.Get("0xblock3")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRU_GetPromotesEntry(t *testing.T) {
	c := NewLRU[bool](2, time.Minute)

	c.Put("0xblock1", true)
	c.Put("0xblock2", true)
	c.Get("0xblock1")
	c.Put("0xblock3", true)

	_, ok := c.Get("0xblock1")
	assert.True(t, ok, "recently read entry survives eviction")
	_, ok = c.Get("0xblock2")
	assert.False(t, ok)
}

func TestLRU_TTLExpiry(t *testing.T) {
	c := NewLRU[bool](4, time.Minute)
	now := time.Now()
	c.nowFn = func() time.Time { return now }

	c.Put("0xblock1", true)
	now = now.Add(2 * time.Minute)

	_, ok := c.Get("0xblock1")
	assert.False(t, ok, "expired entry is a miss")
	assert.Equal(t, 0, c.Len(), "expired entry is removed on access")
}

func TestLRU_Stats(t *testing.T) {
	c := NewLRU[bool](4, time.Minute)

	c.Put("0xblock1", true)
	c.Get("0xblock1")
	c.Get("0xblock1")
	c.Get("0xmissing")

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func BenchmarkLRU_Get(b *testing.B) {
	c := NewLRU[bool](1024, time.Minute)
	for i := 0; i < 1024; i++ {
		c.Put(fmt.Sprintf("0xblock%d", i), true)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(fmt.Sprintf("0xblock%d", i%1024))
	}
}
