package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeyIgnoresDescriptorOrder(t *testing.T) {
	a := fileDescriptor{name: "a.pdf", size: 100, lastModified: 1}
	b := fileDescriptor{name: "b.pdf", size: 200, lastModified: 2}

	assert.Equal(t,
		cacheKey([]fileDescriptor{a, b}),
		cacheKey([]fileDescriptor{b, a}))
}

func TestCacheKeySensitiveToEveryField(t *testing.T) {
	base := []fileDescriptor{{name: "a.pdf", size: 100, lastModified: 1}}
	key := cacheKey(base)

	assert.NotEqual(t, key, cacheKey([]fileDescriptor{{name: "b.pdf", size: 100, lastModified: 1}}))
	assert.NotEqual(t, key, cacheKey([]fileDescriptor{{name: "a.pdf", size: 101, lastModified: 1}}))
	assert.NotEqual(t, key, cacheKey([]fileDescriptor{{name: "a.pdf", size: 100, lastModified: 2}}))
}

func TestCacheRoundTrip(t *testing.T) {
	c := newResultCache(time.Minute, 4)

	_, _, ok := c.get("missing")
	assert.False(t, ok)

	c.put("k", []byte("merged"), 2)
	data, warnings, ok := c.get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("merged"), data)
	assert.Equal(t, 2, warnings, "the warning count survives the round trip")
	assert.Equal(t, 1, c.size())
}

func TestCacheEntriesExpire(t *testing.T) {
	c := newResultCache(10*time.Millisecond, 4)
	c.put("k", []byte("merged"), 0)

	time.Sleep(25 * time.Millisecond)
	_, _, ok := c.get("k")
	assert.False(t, ok)
	assert.Zero(t, c.size(), "expired lookup drops the entry")
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newResultCache(time.Minute, 2)
	c.put("a", []byte("1"), 0)
	time.Sleep(2 * time.Millisecond)
	c.put("b", []byte("2"), 0)
	time.Sleep(2 * time.Millisecond)

	// Touch "a" so "b" is the eviction candidate.
	_, _, ok := c.get("a")
	require.True(t, ok)
	time.Sleep(2 * time.Millisecond)

	c.put("c", []byte("3"), 0)
	_, _, ok = c.get("b")
	assert.False(t, ok)
	_, _, ok = c.get("a")
	assert.True(t, ok)
	_, _, ok = c.get("c")
	assert.True(t, ok)
}

func TestCachePurgeEmptiesEverything(t *testing.T) {
	c := newResultCache(time.Minute, 8)
	for i := 0; i < 5; i++ {
		c.put(fmt.Sprintf("k%d", i), []byte("x"), 0)
	}
	require.Equal(t, 5, c.size())

	c.Purge()
	assert.Zero(t, c.size())
}

func TestCacheDisabledWithZeroEntries(t *testing.T) {
	c := newResultCache(time.Minute, 0)
	c.put("k", []byte("merged"), 0)
	_, _, ok := c.get("k")
	assert.False(t, ok)
}
