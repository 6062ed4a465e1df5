package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Size      int
	Capacity  int
	Evictions int64
	Expired   int64
}

// Cache is a threadsafe LRU keyed by path with optional TTL.
type Cache[V any] struct {
	mu          sync.Mutex
	ll          *list.List
	items       map[string]*list.Element
	capacity    int
	ttl         time.Duration
	now         func() time.Time
	stats       Stats
	cleanupStop context.CancelFunc
	cleanupDone chan struct{}
}

type entry[V any] struct {
	key    string
	value  V
	expire time.Time
}

// New returns a cache with given capacity and ttl.
// If ttl > 0, a background goroutine periodically drops expired entries
// until Close is called.
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = 1024
	}
	c := &Cache[V]{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
	if ttl > 0 {
		c.cleanupDone = make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		c.cleanupStop = cancel
		go c.cleanupExpired(ctx, ttl)
	}
	return c
}

// Get retrieves a value if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		ent := ele.Value.(*entry[V])
		if c.ttl > 0 && c.now().After(ent.expire) {
			c.removeElement(ele)
			c.stats.Expired++
			c.stats.Misses++
			var zero V
			return zero, false
		}
		c.ll.MoveToFront(ele)
		c.stats.Hits++
		return ent.value, true
	}
	c.stats.Misses++
	var zero V
	return zero, false
}

// Set inserts or updates a cache entry.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*entry[V])
		ent.value = value
		if c.ttl > 0 {
			ent.expire = c.now().Add(c.ttl)
		}
		return
	}
	if c.ll.Len() >= c.capacity {
		c.evictOldest()
	}
	ent := &entry[V]{key: key, value: value}
	if c.ttl > 0 {
		ent.expire = c.now().Add(c.ttl)
	}
	c.items[key] = c.ll.PushFront(ent)
}

// Delete removes a key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

// DeleteTree removes dir and every key below it, treating keys as slash
// separated paths. "/" clears the cache.
func (c *Cache[V]) DeleteTree(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == "" || dir == "/" {
		c.reset()
		return
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for key, ele := range c.items {
		if key == dir || strings.HasPrefix(key, prefix) {
			c.removeElement(ele)
		}
	}
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *Cache[V]) reset() {
	c.items = make(map[string]*list.Element)
	c.ll = list.New()
}

func (c *Cache[V]) evictOldest() {
	if ele := c.ll.Back(); ele != nil {
		c.removeElement(ele)
		c.stats.Evictions++
	}
}

func (c *Cache[V]) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	delete(c.items, ele.Value.(*entry[V]).key)
}

// Stats returns current cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Capacity = c.capacity
	return s
}

// Size returns the current number of entries in the cache.
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache[V]) cleanupExpired(ctx context.Context, interval time.Duration) {
	tick := interval / 2
	if tick < time.Minute {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	defer close(c.cleanupDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanupOnce()
		}
	}
}

// cleanupOnce removes all expired entries in one pass.
func (c *Cache[V]) cleanupOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	for _, ele := range c.items {
		if now.After(ele.Value.(*entry[V]).expire) {
			c.removeElement(ele)
			c.stats.Expired++
		}
	}
}

// Close stops the background cleanup goroutine and waits for it to finish.
// It is safe to call Close multiple times.
func (c *Cache[V]) Close() error {
	c.mu.Lock()
	stop, done := c.cleanupStop, c.cleanupDone
	c.cleanupStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	return nil
}
