package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCache_SetGetDelete(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if found, _, err := c.Get(ctx, "k"); err != nil || found {
		t.Fatalf("expected miss before any Set, found=%v err=%v", found, err)
	}

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	found, v, err := c.Get(ctx, "k")
	if err != nil || !found || string(v) != "v" {
		t.Fatalf("expected hit with value v, got found=%v v=%q err=%v", found, v, err)
	}

	if err := c.Delete(ctx, []string{"k"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if found, _, _ := c.Get(ctx, "k"); found {
		t.Fatalf("expected miss after delete")
	}
}

func TestMemoryCache_SetWithNonPositiveExpirationDisablesCaching(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if found, _, _ := c.Get(ctx, "k"); found {
		t.Fatalf("expected a zero expiration to skip caching entirely")
	}
}

func TestMemoryCache_GetExpiresEntriesPastTTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if found, _, _ := c.Get(ctx, "k"); found {
		t.Fatalf("expected entry to have expired")
	}
}

func TestMemoryCache_LockIsExclusiveUntilUnlockedOrExpired(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	ok, err := c.Lock(ctx, "l", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first lock attempt to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = c.Lock(ctx, "l", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second lock attempt to fail while held, ok=%v err=%v", ok, err)
	}

	if err := c.Unlock(ctx, "l"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	ok, err = c.Lock(ctx, "l", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock to be acquirable again after unlock, ok=%v err=%v", ok, err)
	}
}

func TestMemoryCache_LockReacquirableAfterTTLExpires(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if ok, err := c.Lock(ctx, "l", time.Millisecond); err != nil || !ok {
		t.Fatalf("expected first lock to succeed, ok=%v err=%v", ok, err)
	}
	time.Sleep(5 * time.Millisecond)
	if ok, err := c.Lock(ctx, "l", time.Minute); err != nil || !ok {
		t.Fatalf("expected lock to be acquirable once the prior TTL expired, ok=%v err=%v", ok, err)
	}
}
