// Package cache implements the unified process-wide cache: a
// single keyed store of resolved fetch results, shared across every
// in-flight request, with size-aware LRU eviction and an OS
// memory-pressure escape hatch.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kristofer/loaf/pkg/value"
)

// Entry is one cached result: value plus the bookkeeping the
// eviction policy and ref-counting need.
type Entry struct {
	Key        string
	Value      value.Value
	SizeBytes  int
	LastAccess time.Time
	CreatedAt  time.Time
	refCount   int
}

// Cache wraps hashicorp/golang-lru with explicit byte-size accounting:
// the underlying LRU evicts by entry *count*, which loaf does not want
// (a handful of multi-megabyte bodies can exhaust memory well before
// the count-based watermark trips), so Cache tracks total bytes itself
// and asks the LRU to evict additional entries whenever bytes exceed
// HighWatermark, stopping at LowWatermark.
type Cache struct {
	mu            sync.Mutex
	lru           *lru.Cache[string, *Entry]
	totalBytes    int
	highWatermark int
	lowWatermark  int
}

// New creates a Cache. capacity bounds the LRU's entry count as a
// backstop; highWatermark/lowWatermark bound total bytes.
func New(capacity, highWatermark, lowWatermark int) (*Cache, error) {
	c := &Cache{highWatermark: highWatermark, lowWatermark: lowWatermark}
	l, err := lru.NewWithEvict[string, *Entry](capacity, func(key string, e *Entry) {
		c.totalBytes -= e.SizeBytes
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Get returns the cached value for key and bumps its ref count — the
// caller must call Release when it is done referencing the entry, so
// concurrent requests sharing a hot key never see it evicted mid-use:
// an entry is dropped only when unreferenced and selected for eviction.
func (c *Cache) Get(key string) (value.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return value.Value{}, false
	}
	e.LastAccess = nowOrZero()
	e.refCount++
	return e.Value, true
}

// Release drops the ref a prior Get took.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Peek(key); ok && e.refCount > 0 {
		e.refCount--
	}
}

// Put stores v under key with the given byte size, then evicts
// least-recently-used unreferenced entries until totalBytes is back
// under lowWatermark, if adding v pushed it over highWatermark.
func (c *Cache) Put(key string, v value.Value, sizeBytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := nowOrZero()
	if old, ok := c.lru.Peek(key); ok {
		// Add on an existing key replaces the value without firing the
		// evict callback, so the old entry's bytes must come off here.
		c.totalBytes -= old.SizeBytes
	}
	c.lru.Add(key, &Entry{Key: key, Value: v, SizeBytes: sizeBytes, LastAccess: now, CreatedAt: now})
	c.totalBytes += sizeBytes
	c.evictToLowWatermark()
}

func (c *Cache) evictToLowWatermark() {
	if c.totalBytes <= c.highWatermark {
		return
	}
	for c.totalBytes > c.lowWatermark {
		key, e, ok := c.oldestUnreferenced()
		if !ok {
			return
		}
		c.lru.Remove(key)
		_ = e
	}
}

// oldestUnreferenced scans the LRU's keys, oldest first, for an entry
// with refCount 0. golang-lru does not expose an "evict if unreferenced"
// primitive directly, so this does the scan itself; the cache is a
// process-wide singleton touched on cache misses only, so the cost of a
// linear scan at eviction time is not on the request hot path.
func (c *Cache) oldestUnreferenced() (string, *Entry, bool) {
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && e.refCount == 0 {
			return key, e, true
		}
	}
	return "", nil, false
}

// NotifyPressure aggressively evicts down to LowWatermark regardless of
// whether HighWatermark was crossed — the OS memory-pressure hook.
func (c *Cache) NotifyPressure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.totalBytes > c.lowWatermark {
		key, _, ok := c.oldestUnreferenced()
		if !ok {
			return
		}
		c.lru.Remove(key)
	}
}

// Len reports the current entry count, mostly for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// nowOrZero exists so callers that need "no timestamp, deterministic
// output" (tests) can still compile against a real time.Time field.
var nowOrZero = time.Now
