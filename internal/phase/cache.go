package phase

import (
	"hash/fnv"
	"slices"
	"sync"
)

// Cache memoizes finalized snapshots of stored messages. Entries are keyed by
// message id and hold the length and FNV-1a sum of the content they were built
// from, so an edit that keeps the id is re-parsed.
type Cache struct {
	mu      sync.Mutex
	max     int
	entries map[string]cacheEntry
}

type cacheEntry struct {
	length int
	sum    uint64
	snap   Snapshot
}

func NewCache(max int) *Cache {
	if max <= 0 {
		max = 1024
	}
	return &Cache{max: max, entries: make(map[string]cacheEntry)}
}

// Finalized returns the finalized snapshot of content stored under id.
func (c *Cache) Finalized(id, content string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	sum := contentSum(content)
	if e, ok := c.entries[id]; ok && e.length == len(content) && e.sum == sum {
		return clone(e.snap)
	}
	snap := Finalize(State{Buffer: content})
	if len(c.entries) >= c.max {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[id] = cacheEntry{length: len(content), sum: sum, snap: snap}
	return clone(snap)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func contentSum(content string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(content))
	return h.Sum64()
}

func clone(s Snapshot) Snapshot {
	s.Tools = slices.Clone(s.Tools)
	return s
}
