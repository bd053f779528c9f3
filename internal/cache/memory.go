package cache

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusdb/tablestore"
)

// memoryCache is an in-process, map-backed Cache for single-node
// deployments and tests where a real Redis instance isn't available.
// Locking here is process-local only: it serializes this process's own
// callers but provides no cross-process guarantee, unlike redisCache.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	locks   map[string]time.Time // lock name -> expiry
}

type memoryEntry struct {
	value  []byte
	expiry time.Time
}

// NewMemoryCache returns a Cache backed by an in-process map.
func NewMemoryCache() tablestore.Cache {
	return &memoryCache{
		entries: make(map[string]memoryEntry),
		locks:   make(map[string]time.Time),
	}
}

func (c *memoryCache) Get(_ context.Context, key string) (bool, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false, nil, nil
	}
	if !e.expiry.IsZero() && time.Now().After(e.expiry) {
		delete(c.entries, key)
		return false, nil, nil
	}
	return true, e.value, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, expiration time.Duration) error {
	if expiration <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expiry: time.Now().Add(expiration)}
	return nil
}

func (c *memoryCache) Delete(_ context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *memoryCache) Lock(_ context.Context, name string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, held := c.locks[name]; held && time.Now().Before(exp) {
		return false, nil
	}
	c.locks[name] = time.Now().Add(ttl)
	return true, nil
}

func (c *memoryCache) Unlock(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, name)
	return nil
}

func (c *memoryCache) Close() error { return nil }

func init() {
	tablestore.RegisterCacheFactory(tablestore.InMemory, func() tablestore.Cache { return NewMemoryCache() })
}
