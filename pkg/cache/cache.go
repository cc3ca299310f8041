package cache

import (
	"context"
	"sync"
	"time"
)

// Item is a cached value together with its lifetime.
type Item[V any] struct {
	Value     V
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (i Item[V]) expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// TTL is a thread-safe map whose entries expire after a fixed duration.
// Expired entries are evicted lazily on lookup and by the optional janitor.
type TTL[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]Item[V]
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, used by tests to move time forward.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewTTL creates a cache whose entries live for ttl.
func NewTTL[K comparable, V any](ttl time.Duration, opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[K, V]{
		items: make(map[K]Item[V]),
		ttl:   ttl,
		now:   o.now,
	}
}

// Get returns the live value for key. An expired entry is removed.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	item, ok := c.Item(key)
	return item.Value, ok
}

// Item returns the live entry for key including its timestamps.
func (c *TTL[K, V]) Item(key K) (Item[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return Item[V]{}, false
	}
	if item.expired(c.now()) {
		delete(c.items, key)
		return Item[V]{}, false
	}
	return item, true
}

// Set stores value under key for the cache TTL.
func (c *TTL[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with a custom TTL.
func (c *TTL[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.items[key] = Item[V]{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Delete removes key from cache
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all items from cache
func (c *TTL[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]Item[V])
}

// Len counts stored entries, expired ones not yet evicted included.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Purge evicts every expired entry and returns how many were removed.
func (c *TTL[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, item := range c.items {
		if item.expired(now) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// StartJanitor purges expired entries every interval until ctx ends.
func (c *TTL[K, V]) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Purge()
			}
		}
	}()
}
