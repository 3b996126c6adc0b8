package authkit

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	nonceByteLength     = 32
	redisNonceKeyPrefix = "nonce:"
)

var (
	// ErrNonceNotFound indicates the supplied nonce token was not issued or already consumed.
	ErrNonceNotFound = errors.New("nonce_store.not_found")
	// ErrNonceExpired indicates the nonce token expired before consumption.
	ErrNonceExpired = errors.New("nonce_store.expired")
)

// NonceStore issues one-time nonces that bind a Google ID token to the sign-in attempt that requested it.
type NonceStore interface {
	// Issue creates a new nonce token with the configured TTL.
	Issue(ctx context.Context) (string, error)
	// Consume validates and invalidates an issued nonce token.
	Consume(ctx context.Context, token string) error
}

type memoryNonceStore struct {
	mutex   sync.Mutex
	expires map[string]time.Time
	ttl     time.Duration
	clock   Clock
}

// NewMemoryNonceStore keeps nonces in process; use it for single-instance deployments.
func NewMemoryNonceStore(ttl time.Duration) NonceStore {
	return &memoryNonceStore{
		expires: make(map[string]time.Time),
		ttl:     ttl,
		clock:   NewSystemClock(),
	}
}

func (store *memoryNonceStore) Issue(ctx context.Context) (string, error) {
	token, err := randomURLToken(rand.Reader, nonceByteLength)
	if err != nil {
		return "", fmt.Errorf("nonce_store.random: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	now := store.clock.Now()
	store.purgeExpiredLocked(now)
	store.expires[token] = now.Add(store.ttl)
	return token, nil
}

func (store *memoryNonceStore) Consume(ctx context.Context, token string) error {
	if token == "" {
		return ErrNonceNotFound
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	now := store.clock.Now()
	expiry, issued := store.expires[token]
	delete(store.expires, token)
	store.purgeExpiredLocked(now)
	switch {
	case !issued:
		return ErrNonceNotFound
	case now.After(expiry):
		return ErrNonceExpired
	default:
		return nil
	}
}

func (store *memoryNonceStore) purgeExpiredLocked(now time.Time) {
	for token, expiry := range store.expires {
		if now.After(expiry) {
			delete(store.expires, token)
		}
	}
}

// RedisNonceStore shares nonces between instances. Redis expires entries itself,
// so an expired nonce reads as ErrNonceNotFound.
type RedisNonceStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisNonceStore stores nonces in client under the "nonce:" prefix.
func NewRedisNonceStore(client *redis.Client, ttl time.Duration) *RedisNonceStore {
	if client == nil {
		panic("redis client is required")
	}
	return &RedisNonceStore{client: client, ttl: ttl}
}

// Issue stores a fresh nonce that expires after the configured TTL.
func (store *RedisNonceStore) Issue(ctx context.Context) (string, error) {
	token, err := randomURLToken(rand.Reader, nonceByteLength)
	if err != nil {
		return "", fmt.Errorf("nonce_store.random: %w", err)
	}
	created, err := store.client.SetNX(ctx, redisNonceKeyPrefix+token, 1, store.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("nonce_store.redis.issue: %w", err)
	}
	if !created {
		return "", fmt.Errorf("nonce_store.redis.issue: duplicate nonce")
	}
	return token, nil
}

// Consume atomically reads and deletes token.
func (store *RedisNonceStore) Consume(ctx context.Context, token string) error {
	if token == "" {
		return ErrNonceNotFound
	}
	err := store.client.GetDel(ctx, redisNonceKeyPrefix+token).Err()
	if errors.Is(err, redis.Nil) {
		return ErrNonceNotFound
	}
	if err != nil {
		return fmt.Errorf("nonce_store.redis.consume: %w", err)
	}
	return nil
}
