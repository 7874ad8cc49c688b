package engine

import "sync"

// blobCache is the coarse-grained, mutex-protected map plus FIFO
// eviction queue described for the engine's shared in-memory cache: a
// small (≈100 entry) bound with plain FIFO trim, not LRU.
type blobCache struct {
	mu      sync.Mutex
	limit   int
	order   []string
	entries map[string][]byte
}

func newBlobCache(limit int) *blobCache {
	if limit < 1 {
		limit = 1
	}
	return &blobCache{
		limit:   limit,
		entries: make(map[string][]byte),
	}
}

func (c *blobCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[key]
	return b, ok
}

func (c *blobCache) Put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		c.entries[key] = value
		return
	}
	c.entries[key] = value
	c.order = append(c.order, key)
	for len(c.order) > c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}
