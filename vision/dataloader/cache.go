package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// ImageCache is an LRU cache of preprocessed CHW images keyed by path.
// Entries are never modified after Put; callers copy before augmenting.
type ImageCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List
	maxItems int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key  string
	data []float32
}

// NewImageCache creates a cache holding at most maxItems images. A
// non-positive maxItems disables caching.
func NewImageCache(maxItems int) *ImageCache {
	return &ImageCache{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		maxItems: maxItems,
	}
}

// Get returns the cached image for key and marks it most recently used.
func (c *ImageCache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).data, true
	}
	c.misses++
	return nil, false
}

// Put stores data under key, evicting the least recently used images
// beyond capacity.
func (c *ImageCache) Put(key string, data []float32) {
	if c.maxItems <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).data = data
		c.lru.MoveToFront(elem)
		return
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, data: data})

	for c.lru.Len() > c.maxItems {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached images.
func (c *ImageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the maximum number of cached images.
func (c *ImageCache) Capacity() int {
	return c.maxItems
}

// Clear drops every entry; statistics are kept.
func (c *ImageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Stats returns a snapshot of the cache counters.
func (c *ImageCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{Size: c.lru.Len(), MaxSize: c.maxItems, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	return s
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d images, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
