package intent

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// classificationCache bounds memory with LRU order and expires entries
// by TTL. Keys are FNV-1a hashes of the normalized input so the cache
// never retains raw user text.
type classificationCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[uint64]*list.Element
	order   *list.List // front = most recently used

	now func() time.Time // test hook
}

type cacheRecord struct {
	key      uint64
	result   Result
	storedAt time.Time
}

func newClassificationCache(maxSize int, ttl time.Duration) *classificationCache {
	return &classificationCache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[uint64]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// cacheKey hashes normalized text with FNV-1a.
func cacheKey(normalized string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(normalized))
	return h.Sum64()
}

// get returns the cached result and refreshes its LRU position.
// Expired entries are removed on access.
func (c *classificationCache) get(key uint64) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	record := elem.Value.(*cacheRecord)
	if c.ttl > 0 && c.now().Sub(record.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		return Result{}, false
	}
	c.order.MoveToFront(elem)
	return record.result, true
}

// put stores a result, evicting the least recently used entry at capacity.
func (c *classificationCache) put(key uint64, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		record := elem.Value.(*cacheRecord)
		record.result = result
		record.storedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}

	if c.maxSize > 0 && c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheRecord).key)
		}
	}

	elem := c.order.PushFront(&cacheRecord{key: key, result: result, storedAt: c.now()})
	c.entries[key] = elem
}

func (c *classificationCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *classificationCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*list.Element)
	c.order.Init()
}
