package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimbusdb/tablestore"
)

// redisCache implements tablestore.Cache against a shared redis.Client.
// Grounded on SharedCode-sop/redis/redis.go's client (Get/Set/Delete/Ping)
// and redis/locker.go's named-lock idiom, generalized from sop's
// L2Cache/LockKey types to this module's Cache interface.
type redisCache struct {
	conn *Connection

	// owned tracks which lock names this process believes it holds, keyed
	// by the lock's Redis key, so Unlock only deletes keys it actually set
	// (SharedCode-sop/redis/locker.go's Unlock: "delete lock keys that are
	// owned by this client only").
	mu    sync.Mutex
	owned map[string]string
}

// NewRedisCache opens (or reuses) the package singleton Redis connection
// and returns a tablestore.Cache backed by it.
func NewRedisCache(options Options) tablestore.Cache {
	conn := OpenConnection(options)
	return &redisCache{conn: conn, owned: make(map[string]string)}
}

func lockKey(name string) string { return "lock/" + name }

func (c *redisCache) Get(ctx context.Context, key string) (bool, []byte, error) {
	v, err := c.conn.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, tablestore.NewError(tablestore.FsRead, err, key)
	}
	return true, v, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if expiration <= 0 {
		return nil
	}
	if err := c.conn.Client.Set(ctx, key, value, expiration).Err(); err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, key)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.conn.Client.Del(ctx, keys...).Err(); err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, keys[0])
	}
	return nil
}

// Lock acquires a named TTL-bound lock via SETNX, the same "only the first
// setter owns it" mechanism SharedCode-sop/redis/locker.go builds with a
// get-then-set-then-reget dance; go-redis's SetNX does this atomically in
// one round trip instead.
func (c *redisCache) Lock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	k := lockKey(name)
	token := tablestore.NewTimeOrderedUUID().String()
	ok, err := c.conn.Client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return false, tablestore.NewError(tablestore.FsWrite, err, name)
	}
	if !ok {
		return false, nil
	}
	c.mu.Lock()
	c.owned[k] = token
	c.mu.Unlock()
	return true, nil
}

// Unlock deletes the lock key only if this process's token still matches
// the stored value, so a lock this process lost to TTL expiry and that was
// re-acquired by another holder is never deleted out from under them.
func (c *redisCache) Unlock(ctx context.Context, name string) error {
	k := lockKey(name)
	c.mu.Lock()
	token, held := c.owned[k]
	delete(c.owned, k)
	c.mu.Unlock()
	if !held {
		return nil
	}
	cur, err := c.conn.Client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, name)
	}
	if cur != token {
		return nil
	}
	if err := c.conn.Client.Del(ctx, k).Err(); err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, name)
	}
	return nil
}

func (c *redisCache) Close() error {
	return nil // the underlying connection is a shared singleton, closed via CloseConnection.
}

func init() {
	tablestore.RegisterCacheFactory(tablestore.RedisCache, func() tablestore.Cache {
		return NewRedisCache(DefaultOptions())
	})
}
