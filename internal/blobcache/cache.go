package blobcache

import "sync"

// Cache maps resource URLs to previously downloaded bytes for the life of
// the process. Entries only leave through Delete.
type Cache struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func New() *Cache {
	return &Cache{blobs: make(map[string][]byte)}
}

// Put stores blob under url. Callers must not mutate blob afterwards.
func (c *Cache) Put(url string, blob []byte) {
	if url == "" || blob == nil {
		return
	}
	c.mu.Lock()
	c.blobs[url] = blob
	c.mu.Unlock()
}

func (c *Cache) Get(url string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	blob, ok := c.blobs[url]
	return blob, ok
}

func (c *Cache) Has(url string) bool {
	_, ok := c.Get(url)
	return ok
}

// Delete removes the given urls and reports how many were present.
func (c *Cache) Delete(urls ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, url := range urls {
		if _, ok := c.blobs[url]; ok {
			delete(c.blobs, url)
			removed++
		}
	}
	return removed
}

// Snapshot returns the cached subset of urls. With no urls it returns every entry.
func (c *Cache) Snapshot(urls ...string) map[string][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(urls) == 0 {
		out := make(map[string][]byte, len(c.blobs))
		for k, v := range c.blobs {
			out[k] = v
		}
		return out
	}
	out := make(map[string][]byte, len(urls))
	for _, url := range urls {
		if blob, ok := c.blobs[url]; ok {
			out[url] = blob
		}
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blobs)
}

// Bytes is the total payload size held by the cache.
func (c *Cache) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, blob := range c.blobs {
		total += int64(len(blob))
	}
	return total
}
