// Package cache provides the bounded, expiring cache the runner keeps its
// resident runs in. Entries are evicted by capacity (least recently used
// first) and by TTL; misses can be loaded through a single flight so
// concurrent readers of the same key share one backend call.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// LRU is a size and TTL bounded cache keyed by string. It is safe for
// concurrent use.
type LRU[V any] struct {
	lru   *expirable.LRU[string, V]
	group singleflight.Group
}

// New creates a cache holding at most size entries for at most ttl. A size
// of zero means unbounded, a ttl of zero means entries never expire.
func New[V any](size int, ttl time.Duration) *LRU[V] {
	return &LRU[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Get returns the cached value for key.
func (c *LRU[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

// Add stores v under key, evicting the least recently used entry when full.
func (c *LRU[V]) Add(key string, v V) {
	c.lru.Add(key, v)
}

// Remove drops key from the cache.
func (c *LRU[V]) Remove(key string) {
	c.lru.Remove(key)
}

// Len returns the number of resident entries.
func (c *LRU[V]) Len() int {
	return c.lru.Len()
}

// GetOrLoad returns the cached value for key or calls load, caches and
// returns its result. Concurrent misses for the same key share one load.
func (c *LRU[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return v, err
		}

		c.lru.Add(key, v)

		return v, nil
	})

	v, _ := res.(V)

	return v, err
}
