package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// resultCache is a bounded in-memory TTL cache of merged outputs. A hit
// skips the merge engine entirely. Registered with the memory governor so
// reclaim can empty it.
type resultCache struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	data      []byte
	warnings  int
	expiresAt time.Time
	lastUsed  time.Time
}

func newResultCache(ttl time.Duration, maxEntries int) *resultCache {
	return &resultCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*cacheEntry),
	}
}

// cacheKey derives a deterministic key from the uploaded file descriptors.
// Tuples are sorted so field order in the multipart body does not matter.
func cacheKey(descriptors []fileDescriptor) string {
	tuples := make([]string, len(descriptors))
	for i, d := range descriptors {
		tuples[i] = fmt.Sprintf("%s|%d|%d", d.name, d.size, d.lastModified)
	}
	sort.Strings(tuples)
	sum := sha256.Sum256([]byte(strings.Join(tuples, "\n")))
	return hex.EncodeToString(sum[:])
}

func (c *resultCache) get(key string) ([]byte, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, 0, false
	}
	e.lastUsed = time.Now()
	return e.data, e.warnings, true
}

// put stores a merged output with the warning count it was produced with,
// so replayed responses carry the same warning signal.
func (c *resultCache) put(key string, data []byte, warnings int) {
	if c.maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = &cacheEntry{
		data:      data,
		warnings:  warnings,
		expiresAt: time.Now().Add(c.ttl),
		lastUsed:  time.Now(),
	}
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (c *resultCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey = k
			oldest = e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Purge implements memguard.Purgeable.
func (c *resultCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

func (c *resultCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
