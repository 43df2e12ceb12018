// Package ttlcache provides a bounded key/value cache with LRU eviction on
// overflow and absolute TTL expiry. Expiry is enforced lazily on read and by
// a periodic sweep, so idle entries are still reclaimed.
package ttlcache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	DefaultCapacity      = 1000
	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

// Config bounds one cache instance.
type Config struct {
	Capacity      int
	TTL           time.Duration
	SweepInterval time.Duration
}

func (c Config) WithDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	insertedAt time.Time
	lastAccess time.Time
}

// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	cfg   Config
	mu    sync.Mutex
	items map[K]*list.Element
	order *list.List // front = most recently used
	now   func() time.Time
}

func New[K comparable, V any](cfg Config) *Cache[K, V] {
	return &Cache[K, V]{
		cfg:   cfg.WithDefaults(),
		items: make(map[K]*list.Element),
		order: list.New(),
		now:   time.Now,
	}
}

// Set inserts or replaces a value, evicting the least recently used entry
// when the cache is at capacity.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[K, V])
		ent.value = value
		ent.insertedAt = now
		ent.lastAccess = now
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.cfg.Capacity {
		c.evictOldest()
	}
	el := c.order.PushFront(&entry[K, V]{key: key, value: value, insertedAt: now, lastAccess: now})
	c.items[key] = el
}

// Get returns the cached value. A read past the entry's TTL is a miss and
// removes the entry.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	ent := el.Value.(*entry[K, V])
	if c.now().Sub(ent.insertedAt) > c.cfg.TTL {
		c.removeElement(el)
		return zero, false
	}
	ent.lastAccess = c.now()
	c.order.MoveToFront(el)
	return ent.value, true
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Sweep removes every expired entry and reports how many were reclaimed.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var reclaimed int
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry[K, V])
		if now.Sub(ent.insertedAt) > c.cfg.TTL {
			c.removeElement(el)
			reclaimed++
		}
		el = prev
	}
	return reclaimed
}

// Run sweeps on the configured interval until ctx is canceled.
func (c *Cache[K, V]) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache[K, V]) evictOldest() {
	if el := c.order.Back(); el != nil {
		c.removeElement(el)
	}
}

func (c *Cache[K, V]) removeElement(el *list.Element) {
	ent := el.Value.(*entry[K, V])
	c.order.Remove(el)
	delete(c.items, ent.key)
}
