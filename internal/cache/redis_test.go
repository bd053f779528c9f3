package cache

import (
	"context"
	"testing"
	"time"
)

// These tests exercise redisCache against a live Redis instance, the same
// way SharedCode-sop/redis/redis_test.go does (DefaultOptions points at
// localhost:6379). They are skipped when no server answers.

func dialOrSkip(t *testing.T) *redisCache {
	t.Helper()
	c := NewRedisCache(DefaultOptions()).(*redisCache)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := c.conn.Client.Ping(ctx).Err(); err != nil {
		t.Skipf("no Redis reachable at %s: %v", DefaultOptions().Address, err)
	}
	return c
}

func TestRedisCache_SetGetDelete(t *testing.T) {
	c := dialOrSkip(t)
	ctx := context.Background()
	key := "tablestore-test/set-get-delete"
	defer c.Delete(ctx, []string{key})

	if err := c.Set(ctx, key, []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	found, v, err := c.Get(ctx, key)
	if err != nil || !found || string(v) != "v" {
		t.Fatalf("expected hit with value v, got found=%v v=%q err=%v", found, v, err)
	}
	if err := c.Delete(ctx, []string{key}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if found, _, _ := c.Get(ctx, key); found {
		t.Fatalf("expected miss after delete")
	}
}

func TestRedisCache_LockIsExclusiveAndUnlockReleasesOwnLockOnly(t *testing.T) {
	c1 := dialOrSkip(t)
	c2 := NewRedisCache(DefaultOptions()).(*redisCache)
	ctx := context.Background()
	name := "tablestore-test/lock"
	defer c1.conn.Client.Del(ctx, lockKey(name))

	ok, err := c1.Lock(ctx, name, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first lock attempt to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = c2.Lock(ctx, name, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second client's lock attempt to fail while held, ok=%v err=%v", ok, err)
	}

	// c2 never held the lock, so its Unlock must not clear c1's.
	if err := c2.Unlock(ctx, name); err != nil {
		t.Fatalf("unlock (non-owner): %v", err)
	}
	found, _, err := c1.Get(ctx, lockKey(name))
	if err != nil || !found {
		t.Fatalf("expected c1's lock key to still be present, found=%v err=%v", found, err)
	}

	if err := c1.Unlock(ctx, name); err != nil {
		t.Fatalf("unlock (owner): %v", err)
	}
	ok, err = c2.Lock(ctx, name, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock acquirable after owner unlocks, ok=%v err=%v", ok, err)
	}
	c2.Unlock(ctx, name)
}
