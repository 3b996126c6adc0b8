package authkit

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestIdentityCachePutAndInvalidate(t *testing.T) {
	t.Parallel()
	cache := NewIdentityCache(NewMemoryCacheBackend(), time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()
	user := User{ID: "user-1", Email: "alice@example.com", Roles: []string{RoleUser}}

	cache.Put(ctx, user)
	for _, key := range []string{"user-1", "alice@example.com"} {
		cached, ok := cache.Get(ctx, key)
		if !ok || cached.ID != user.ID || cached.Email != user.Email {
			t.Fatalf("expected hit for %q, got %+v ok=%v", key, cached, ok)
		}
	}

	cache.Invalidate(ctx, "user-1")
	if _, ok := cache.Get(ctx, "user-1"); ok {
		t.Fatalf("expected id key to be invalidated")
	}
	if _, ok := cache.Get(ctx, "alice@example.com"); !ok {
		t.Fatalf("invalidate must only remove the named key")
	}
}

func TestIdentityCacheIgnoresAnonymousUsers(t *testing.T) {
	t.Parallel()
	backend := NewMemoryCacheBackend()
	cache := NewIdentityCache(backend, time.Minute, zaptest.NewLogger(t))

	cache.Put(context.Background(), User{Email: "alice@example.com"})
	if len(backend.entries) != 0 {
		t.Fatalf("users without an id must not be cached")
	}
	if _, ok := cache.Get(context.Background(), ""); ok {
		t.Fatalf("empty key must miss")
	}
}

func TestIdentityCacheDropsUndecodableEntries(t *testing.T) {
	t.Parallel()
	backend := NewMemoryCacheBackend()
	cache := NewIdentityCache(backend, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	if err := backend.Set(ctx, cacheKey("user-1"), []byte("{not json"), time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok := cache.Get(ctx, "user-1"); ok {
		t.Fatalf("expected undecodable entry to miss")
	}
	if _, found, _ := backend.Get(ctx, cacheKey("user-1")); found {
		t.Fatalf("expected undecodable entry to be removed")
	}
}

func TestIdentityCacheEntriesExpireWithTTL(t *testing.T) {
	t.Parallel()
	backend := NewMemoryCacheBackend()
	current := time.Unix(1000, 0)
	backend.now = func() time.Time { return current }
	cache := NewIdentityCache(backend, 5*time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	cache.Put(ctx, User{ID: "user-1", Email: "alice@example.com"})
	current = current.Add(4 * time.Minute)
	if _, ok := cache.Get(ctx, "user-1"); !ok {
		t.Fatalf("expected entry within ttl")
	}
	current = current.Add(2 * time.Minute)
	if _, ok := cache.Get(ctx, "user-1"); ok {
		t.Fatalf("expected entry to expire after ttl")
	}
}

func TestNewIdentityCacheRequiresBackend(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for nil backend")
		}
	}()
	NewIdentityCache(nil, time.Minute, nil)
}

func TestIdentityCacheOmitsPasswordHash(t *testing.T) {
	t.Parallel()
	backend, server := newRedisBackend(t)
	cache := NewIdentityCache(backend, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()
	const storedHash = "$2a$04$storedhashvaluestoredhashvaluestoredhashvalue"

	cache.Put(ctx, User{ID: "user-1", Email: "alice@example.com", PasswordHash: storedHash, Roles: []string{RoleUser}})

	for _, key := range []string{"user-1", "alice@example.com"} {
		raw, err := server.Get(cacheKey(key))
		if err != nil {
			t.Fatalf("expected %q in redis: %v", key, err)
		}
		if strings.Contains(raw, storedHash) || strings.Contains(raw, "password") {
			t.Fatalf("cached snapshot must not carry the password hash: %s", raw)
		}
	}
	cached, ok := cache.Get(ctx, "alice@example.com")
	if !ok || cached.ID != "user-1" || cached.PasswordHash != "" {
		t.Fatalf("unexpected cached user: %+v ok=%v", cached, ok)
	}
	if len(cached.Roles) != 1 || cached.Roles[0] != RoleUser {
		t.Fatalf("expected roles to survive the cache, got %v", cached.Roles)
	}
}
