package authkit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

const identityCacheKeyPrefix = "identity:"

// cachedIdentity is the snapshot written to the backend. Password hashes stay in the durable store.
type cachedIdentity struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Roles     []string  `json:"roles"`
	Provider  string    `json:"provider,omitempty"`
	IsBlocked bool      `json:"is_blocked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newCachedIdentity(user User) cachedIdentity {
	return cachedIdentity{
		ID:        user.ID,
		Email:     user.Email,
		Roles:     user.Roles,
		Provider:  user.Provider,
		IsBlocked: user.IsBlocked,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}

func (snapshot cachedIdentity) toUser() User {
	return User{
		ID:        snapshot.ID,
		Email:     snapshot.Email,
		Roles:     snapshot.Roles,
		Provider:  snapshot.Provider,
		IsBlocked: snapshot.IsBlocked,
		CreatedAt: snapshot.CreatedAt,
		UpdatedAt: snapshot.UpdatedAt,
	}
}

// IdentityCache is a read-through projection of users keyed by id and by email.
// It is never authoritative: backend failures read as misses and writes are best-effort.
type IdentityCache struct {
	backend CacheBackend
	ttl     time.Duration
	logger  *zap.Logger
}

// NewIdentityCache builds a cache whose entries live for ttl, which callers set to the access-token lifetime.
func NewIdentityCache(backend CacheBackend, ttl time.Duration, logger *zap.Logger) *IdentityCache {
	if backend == nil {
		panic("cache backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityCache{backend: backend, ttl: ttl, logger: logger}
}

// Get returns the cached user for an id or email key. Cached users never carry a password hash.
func (cache *IdentityCache) Get(ctx context.Context, key string) (User, bool) {
	if strings.TrimSpace(key) == "" {
		return User{}, false
	}
	data, found, err := cache.backend.Get(ctx, cacheKey(key))
	if err != nil {
		cache.logger.Warn("identity cache read failed",
			zap.String("code", "identity_cache.get_failed"),
			zap.Error(err))
		return User{}, false
	}
	if !found {
		return User{}, false
	}
	var snapshot cachedIdentity
	if decodeErr := json.Unmarshal(data, &snapshot); decodeErr != nil || snapshot.ID == "" {
		cache.logger.Warn("identity cache entry undecodable",
			zap.String("code", "identity_cache.decode_failed"),
			zap.Error(decodeErr))
		cache.Invalidate(ctx, key)
		return User{}, false
	}
	return snapshot.toUser(), true
}

// Put stores the user under both its id and its email.
func (cache *IdentityCache) Put(ctx context.Context, user User) {
	if user.ID == "" {
		return
	}
	data, err := json.Marshal(newCachedIdentity(user))
	if err != nil {
		cache.logger.Warn("identity cache encode failed",
			zap.String("code", "identity_cache.encode_failed"),
			zap.Error(err))
		return
	}
	for _, key := range []string{user.ID, user.Email} {
		if key == "" {
			continue
		}
		if setErr := cache.backend.Set(ctx, cacheKey(key), data, cache.ttl); setErr != nil {
			cache.logger.Warn("identity cache write failed",
				zap.String("code", "identity_cache.set_failed"),
				zap.Error(setErr))
		}
	}
}

// Invalidate removes a single id or email key.
func (cache *IdentityCache) Invalidate(ctx context.Context, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if err := cache.backend.Delete(ctx, cacheKey(key)); err != nil {
		cache.logger.Warn("identity cache delete failed",
			zap.String("code", "identity_cache.delete_failed"),
			zap.Error(err))
	}
}

func cacheKey(key string) string {
	return identityCacheKeyPrefix + key
}
