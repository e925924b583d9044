package kurir

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"net/url"
	"sync"
	"time"
)

// Cache stores values by key with a per-entry time-to-live. Expiry is lazy:
// a read of a stale entry deletes it and reports a miss. A ttl <= 0 means the
// entry never expires.
type Cache[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V, ttl time.Duration)
	Delete(key string)
	Clear()
	Len() int
}

// CacheEntry is one stored value.
type CacheEntry[V any] struct {
	Value    V
	StoredAt time.Time
	TTL      time.Duration
}

// Fresh reports whether the entry may still be served at now. A zero TTL
// never expires; a negative TTL is already stale.
func (e CacheEntry[V]) Fresh(now time.Time) bool {
	switch {
	case e.TTL == 0:
		return true
	case e.TTL < 0:
		return false
	}
	return now.Sub(e.StoredAt) <= e.TTL
}

// MemoryCache is a sharded in-process Cache.
type MemoryCache[V any] struct {
	shards    []*cacheShard[V]
	numShards int
	now       func() time.Time
}

type cacheShard[V any] struct {
	mu    sync.RWMutex
	store map[string]CacheEntry[V]
}

// NewMemoryCache returns an empty cache using the wall clock.
func NewMemoryCache[V any]() *MemoryCache[V] {
	return NewMemoryCacheWithClock[V](time.Now)
}

// NewMemoryCacheWithClock returns an empty cache reading time from now.
func NewMemoryCacheWithClock[V any](now func() time.Time) *MemoryCache[V] {
	numShards := 16
	shards := make([]*cacheShard[V], numShards)
	for i := range shards {
		shards[i] = &cacheShard[V]{
			store: make(map[string]CacheEntry[V]),
		}
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryCache[V]{
		shards:    shards,
		numShards: numShards,
		now:       now,
	}
}

func (c *MemoryCache[V]) getShard(key string) *cacheShard[V] {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

func (c *MemoryCache[V]) Get(key string) (V, bool) {
	var zero V
	shard := c.getShard(key)

	shard.mu.RLock()
	entry, exists := shard.store[key]
	shard.mu.RUnlock()
	if !exists {
		return zero, false
	}

	if entry.Fresh(c.now()) {
		return entry.Value, true
	}

	shard.mu.Lock()
	// A concurrent Set may have replaced the stale entry.
	if current, ok := shard.store[key]; ok && current.StoredAt.Equal(entry.StoredAt) {
		delete(shard.store, key)
	}
	shard.mu.Unlock()
	return zero, false
}

func (c *MemoryCache[V]) Set(key string, value V, ttl time.Duration) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.store[key] = CacheEntry[V]{Value: value, StoredAt: c.now(), TTL: ttl}
}

func (c *MemoryCache[V]) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.store, key)
}

func (c *MemoryCache[V]) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]CacheEntry[V])
		shard.mu.Unlock()
	}
}

// Len counts stored entries, including stale ones not yet read.
func (c *MemoryCache[V]) Len() int {
	n := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		n += len(shard.store)
		shard.mu.RUnlock()
	}
	return n
}

// CacheKey derives the cache key for a call: the explicit CachePolicy key
// when set, otherwise a SHA-256 over method, URL, sorted params and the
// encoded body. An io.Reader body is consumed.
func CacheKey(desc CallDescriptor) (string, error) {
	if desc.Cache != nil && desc.Cache.Key != "" {
		return desc.Cache.Key, nil
	}
	body, _, err := desc.encodeBody()
	if err != nil {
		return "", err
	}
	return cacheKey(desc.method(), desc.URL, desc.Params, body), nil
}

func cacheKey(method, rawURL string, params url.Values, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(rawURL))
	h.Write([]byte{'\n'})
	// Encode sorts by key.
	h.Write([]byte(params.Encode()))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
