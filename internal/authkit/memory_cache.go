package authkit

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCacheBackend is an in-process CacheBackend with per-entry expiry.
type MemoryCacheBackend struct {
	mutex   sync.Mutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

// NewMemoryCacheBackend constructs an empty in-process cache.
func NewMemoryCacheBackend() *MemoryCacheBackend {
	return &MemoryCacheBackend{
		entries: make(map[string]memoryCacheEntry),
		now:     time.Now,
	}
}

// Get returns the value for key unless it has expired.
func (backend *MemoryCacheBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	entry, ok := backend.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !backend.now().Before(entry.expiresAt) {
		delete(backend.entries, key)
		return nil, false, nil
	}
	return slices.Clone(entry.value), true, nil
}

// Set stores value under key until ttl elapses.
func (backend *MemoryCacheBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.purgeExpiredLocked()
	if ttl <= 0 {
		delete(backend.entries, key)
		return nil
	}
	backend.entries[key] = memoryCacheEntry{
		value:     slices.Clone(value),
		expiresAt: backend.now().Add(ttl),
	}
	return nil
}

// Delete removes key.
func (backend *MemoryCacheBackend) Delete(ctx context.Context, key string) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	delete(backend.entries, key)
	return nil
}

func (backend *MemoryCacheBackend) purgeExpiredLocked() {
	if len(backend.entries) == 0 {
		return
	}
	now := backend.now()
	for key, entry := range backend.entries {
		if !now.Before(entry.expiresAt) {
			delete(backend.entries, key)
		}
	}
}
