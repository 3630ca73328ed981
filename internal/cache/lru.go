// Package cache provides the bounded caches used by the archive: embedding
// vectors keyed by image digest and reassembled blob payloads.
package cache

import (
	"encoding/hex"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
)

// node is an element of the recency ring. The sentinel's next is the most
// recently used entry and its prev the least.
type node[K comparable, V any] struct {
	key        K
	value      V
	prev, next *node[K, V]
}

// LRU is a thread-safe least-recently-used map bounded by entry count.
// Evicted entries are reported to the optional callback while the cache
// lock is held.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	index    map[K]*node[K, V]
	ring     node[K, V]
	onEvict  func(K, V)

	hits   atomic.Int64
	misses atomic.Int64
}

// NewLRU creates a cache holding at most capacity entries. A capacity
// below one is treated as one.
func NewLRU[K comparable, V any](capacity int) *LRU[K, V] {
	return NewLRUWithEvict[K, V](capacity, nil)
}

// NewLRUWithEvict is NewLRU with an eviction callback
func NewLRUWithEvict[K comparable, V any](capacity int, onEvict func(K, V)) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	c := &LRU[K, V]{
		capacity: capacity,
		index:    make(map[K]*node[K, V]),
		onEvict:  onEvict,
	}
	c.ring.prev, c.ring.next = &c.ring, &c.ring
	return c
}

func (c *LRU[K, V]) unlink(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
}

func (c *LRU[K, V]) pushFront(n *node[K, V]) {
	n.prev = &c.ring
	n.next = c.ring.next
	c.ring.next.prev = n
	c.ring.next = n
}

func (c *LRU[K, V]) oldest() *node[K, V] {
	if c.ring.prev == &c.ring {
		return nil
	}
	return c.ring.prev
}

// Get returns the value for key and marks it most recently used
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.index[key]
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	c.unlink(n)
	c.pushFront(n)
	return n.value, true
}

// Peek returns the value for key without changing recency or statistics
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.index[key]; ok {
		return n.value, true
	}
	var zero V
	return zero, false
}

// Put inserts or replaces key, evicting the oldest entry when full
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.index[key]; ok {
		n.value = value
		c.unlink(n)
		c.pushFront(n)
		return
	}
	if len(c.index) >= c.capacity {
		c.evictLocked()
	}
	n := &node[K, V]{key: key, value: value}
	c.index[key] = n
	c.pushFront(n)
}

func (c *LRU[K, V]) evictLocked() (K, V, bool) {
	n := c.oldest()
	if n == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	c.unlink(n)
	delete(c.index, n.key)
	if c.onEvict != nil {
		c.onEvict(n.key, n.value)
	}
	return n.key, n.value, true
}

// RemoveOldest evicts and returns the least recently used entry
func (c *LRU[K, V]) RemoveOldest() (K, V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}

// Delete removes key; the eviction callback is not called
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.index[key]; ok {
		c.unlink(n)
		delete(c.index, key)
	}
}

// Len returns the number of entries
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Clear drops every entry without calling the eviction callback
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index = make(map[K]*node[K, V])
	c.ring.prev, c.ring.next = &c.ring, &c.ring
}

// Stats returns the hit and miss counts of Get
func (c *LRU[K, V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// HitRate returns hits / (hits + misses) in [0, 1], or 0 before any Get
func (c *LRU[K, V]) HitRate() float64 {
	hits, misses := c.Stats()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// EmbeddingCache caches feature vectors keyed by a digest of the image bytes,
// so re-ingesting the same image skips the embedding provider.
type EmbeddingCache struct {
	lru *LRU[string, []float32]
}

// NewEmbeddingCache creates an embedding cache holding capacity vectors
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	return &EmbeddingCache{lru: NewLRU[string, []float32](capacity)}
}

// Get returns a copy of the vector cached for image
func (c *EmbeddingCache) Get(image []byte) ([]float32, bool) {
	v, ok := c.lru.Get(imageKey(image))
	if !ok {
		return nil, false
	}
	return append([]float32(nil), v...), true
}

// Put caches a copy of vector for image
func (c *EmbeddingCache) Put(image []byte, vector []float32) {
	c.lru.Put(imageKey(image), append([]float32(nil), vector...))
}

// Stats returns hits, misses and the hit rate as a fraction
func (c *EmbeddingCache) Stats() (hits, misses int64, hitRate float64) {
	hits, misses = c.lru.Stats()
	return hits, misses, c.lru.HitRate()
}

// BlobCache holds recently read image payloads keyed by blob id. It is
// bounded by total bytes rather than entry count.
type BlobCache struct {
	mu       sync.Mutex
	maxBytes int64
	size     atomic.Int64
	lru      *LRU[string, []byte]
}

// blobCacheEntries caps the entry count; the byte bound normally binds first
const blobCacheEntries = 1 << 16

// NewBlobCache creates a byte-bounded blob cache. maxBytes <= 0 disables it.
func NewBlobCache(maxBytes int64) *BlobCache {
	if maxBytes <= 0 {
		return nil
	}
	c := &BlobCache{maxBytes: maxBytes}
	c.lru = NewLRUWithEvict(blobCacheEntries, func(_ string, data []byte) {
		c.size.Add(-int64(len(data)))
	})
	return c
}

// Get returns a cached payload. A nil cache always misses.
func (c *BlobCache) Get(blobID string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(blobID)
}

// Put caches data unless it alone exceeds the byte bound. Oldest entries
// are evicted until the bound holds.
func (c *BlobCache) Put(blobID string, data []byte) {
	if c == nil || int64(len(data)) > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropLocked(blobID)
	c.lru.Put(blobID, data)
	c.size.Add(int64(len(data)))
	for c.size.Load() > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

func (c *BlobCache) dropLocked(blobID string) {
	if old, ok := c.lru.Peek(blobID); ok {
		c.lru.Delete(blobID)
		c.size.Add(-int64(len(old)))
	}
}

// Delete drops a cached payload
func (c *BlobCache) Delete(blobID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(blobID)
}

// Clear empties the cache
func (c *BlobCache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Clear()
	c.size.Store(0)
}

// Size returns the cached payload bytes
func (c *BlobCache) Size() int64 {
	if c == nil {
		return 0
	}
	return c.size.Load()
}

func imageKey(image []byte) string {
	sum := blake2b.Sum256(image)
	return hex.EncodeToString(sum[:16])
}
