package kurir

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// TTLCache is a Cache backed by jellydator/ttlcache. No background cleanup
// goroutine is started; stale entries are removed when read.
type TTLCache[V any] struct {
	items *ttlcache.Cache[string, V]
}

// NewTTLCache returns an empty TTLCache. capacity <= 0 means unbounded;
// otherwise the least recently used entry is evicted on overflow.
func NewTTLCache[V any](capacity uint64) *TTLCache[V] {
	opts := []ttlcache.Option[string, V]{
		ttlcache.WithDisableTouchOnHit[string, V](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, V](capacity))
	}
	return &TTLCache[V]{items: ttlcache.New[string, V](opts...)}
}

func (c *TTLCache[V]) Get(key string) (V, bool) {
	item := c.items.Get(key)
	if item == nil {
		c.items.Delete(key)
		var zero V
		return zero, false
	}
	return item.Value(), true
}

func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	switch {
	case ttl < 0:
		c.items.Delete(key)
		return
	case ttl == 0:
		ttl = ttlcache.NoTTL
	}
	c.items.Set(key, value, ttl)
}

func (c *TTLCache[V]) Delete(key string) {
	c.items.Delete(key)
}

func (c *TTLCache[V]) Clear() {
	c.items.DeleteAll()
}

func (c *TTLCache[V]) Len() int {
	return c.items.Len()
}
