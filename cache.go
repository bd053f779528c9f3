package tablestore

import (
	"context"
	"time"
)

// Cache is the L2 (cross-process) cache contract used by the read path's
// row-cache cover-check (C9) and by the flush pipeline's cross-process
// "single flush in flight" guard (C7). Modeled on SharedCode-sop's
// redis-backed Cache client, generalized to the backend-agnostic interface.
type Cache interface {
	// Get retrieves a raw value. Returns (found, value, backend error).
	Get(ctx context.Context, key string) (bool, []byte, error)
	// Set stores a raw value with the given expiration; expiration <= 0
	// disables caching for this call.
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	// Delete removes the given keys.
	Delete(ctx context.Context, keys []string) error
	// Lock attempts to acquire a named, TTL-bound distributed lock. Returns
	// whether the lock was acquired.
	Lock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	// Unlock releases a previously acquired lock.
	Unlock(ctx context.Context, name string) error
	// Close releases any owned backend connection.
	Close() error
}

// CacheType identifies a registered Cache backend.
type CacheType int

const (
	// NoCache disables L2 caching; every Cache method is a deterministic miss.
	NoCache CacheType = iota
	// InMemory backs the Cache with an in-process map, used in tests and for
	// single-node deployments.
	InMemory
	// RedisCache backs the Cache with a shared Redis instance.
	RedisCache
)

// CacheFactory constructs a Cache instance.
type CacheFactory func() Cache

var (
	cacheRegistry      = make(map[CacheType]CacheFactory)
	globalCacheFactory CacheFactory
	globalCacheType    CacheType
)

// RegisterCacheFactory registers a constructor for the given cache type. The
// internal/cache package calls this from its init() for RedisCache.
func RegisterCacheFactory(t CacheType, f CacheFactory) {
	cacheRegistry[t] = f
}

// SetCacheFactory selects which registered factory NewCacheClient uses.
func SetCacheFactory(t CacheType) {
	if f, ok := cacheRegistry[t]; ok {
		globalCacheFactory = f
		globalCacheType = t
	}
}

// GetCacheType returns the currently selected cache type.
func GetCacheType() CacheType {
	return globalCacheType
}

// NewCacheClient constructs a Cache using the currently selected factory. It
// returns a no-op cache if none has been selected.
func NewCacheClient() Cache {
	if globalCacheFactory == nil {
		return noopCache{}
	}
	return globalCacheFactory()
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (bool, []byte, error)    { return false, nil, nil }
func (noopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (noopCache) Delete(context.Context, []string) error               { return nil }
func (noopCache) Lock(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}
func (noopCache) Unlock(context.Context, string) error { return nil }
func (noopCache) Close() error                         { return nil }

func init() {
	RegisterCacheFactory(NoCache, func() Cache { return noopCache{} })
	SetCacheFactory(NoCache)
}
