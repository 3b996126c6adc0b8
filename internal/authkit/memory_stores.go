package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryUserStore is an in-memory UserStore intended for tests and dev.
type MemoryUserStore struct {
	mutex    sync.Mutex
	byID     map[string]*User
	byEmail  map[string]string
	sessions SessionStore
	now      func() time.Time
}

// NewMemoryUserStore creates an empty store. When sessions is non-nil, deleting a user revokes its sessions.
func NewMemoryUserStore(sessions SessionStore) *MemoryUserStore {
	return &MemoryUserStore{
		byID:     make(map[string]*User),
		byEmail:  make(map[string]string),
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FindByIdentifier matches an id or an email.
func (store *MemoryUserStore) FindByIdentifier(ctx context.Context, identifier string) (User, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if record, ok := store.byID[identifier]; ok {
		return cloneUser(*record), true, nil
	}
	if userID, ok := store.byEmail[identifier]; ok {
		return cloneUser(*store.byID[userID]), true, nil
	}
	return User{}, false, nil
}

// UpsertByEmail creates or partially updates the user keyed by email.
func (store *MemoryUserStore) UpsertByEmail(ctx context.Context, upsert UserUpsert) (User, error) {
	if strings.TrimSpace(upsert.Email) == "" {
		return User{}, fmt.Errorf("user_store.upsert.memory: %w", ErrUserEmptyEmail)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	now := store.now()
	userID, exists := store.byEmail[upsert.Email]
	if !exists {
		record := &User{
			ID:        uuid.NewString(),
			Email:     upsert.Email,
			Roles:     defaultRoles(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if upsert.PasswordHash != nil {
			record.PasswordHash = *upsert.PasswordHash
		}
		if upsert.Provider != nil {
			record.Provider = *upsert.Provider
		}
		store.byID[record.ID] = record
		store.byEmail[record.Email] = record.ID
		return cloneUser(*record), nil
	}

	if upsert.CreateOnly {
		return User{}, fmt.Errorf("user_store.upsert.memory: %w", ErrUserExists)
	}
	record := store.byID[userID]
	if upsert.PasswordHash != nil {
		record.PasswordHash = *upsert.PasswordHash
	}
	if upsert.Provider != nil {
		record.Provider = *upsert.Provider
	}
	if upsert.Roles != nil {
		record.Roles = append([]string(nil), upsert.Roles...)
	}
	if upsert.IsBlocked != nil {
		record.IsBlocked = *upsert.IsBlocked
	}
	record.UpdatedAt = now
	return cloneUser(*record), nil
}

// DeleteByID removes the user and, when configured, the sessions it owns.
func (store *MemoryUserStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	store.mutex.Lock()
	record, ok := store.byID[id]
	if ok {
		delete(store.byEmail, record.Email)
		delete(store.byID, id)
	}
	store.mutex.Unlock()

	if !ok {
		return false, nil
	}
	if store.sessions != nil {
		if err := store.sessions.RevokeAllForUser(ctx, id); err != nil {
			return true, fmt.Errorf("user_store.delete.memory: %w", err)
		}
	}
	return true, nil
}

type sessionOwner struct {
	userID string
	agent  string
}

type memorySessionRecord struct {
	UserID       string
	Agent        string
	Hash         string
	ExpiresAt    time.Time
	IssuedAtUnix int64
}

// MemorySessionStore is an in-memory SessionStore intended for tests and dev.
type MemorySessionStore struct {
	mutex   sync.Mutex
	byHash  map[string]*memorySessionRecord
	byOwner map[sessionOwner]string
	now     func() time.Time
}

// NewMemorySessionStore creates an empty session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		byHash:  make(map[string]*memorySessionRecord),
		byOwner: make(map[sessionOwner]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// IssueOrRotate replaces the session for (userID, agent) under a single lock.
func (store *MemorySessionStore) IssueOrRotate(ctx context.Context, userID string, agent string, expiresAt time.Time) (RefreshSession, error) {
	if strings.TrimSpace(userID) == "" {
		return RefreshSession{}, fmt.Errorf("session_store.issue.memory: %w", ErrSessionEmptyUser)
	}
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return RefreshSession{}, fmt.Errorf("session_store.issue.memory: %w", err)
	}
	issuedAt := store.now()

	store.mutex.Lock()
	defer store.mutex.Unlock()

	owner := sessionOwner{userID: userID, agent: agent}
	if previousHash, ok := store.byOwner[owner]; ok {
		delete(store.byHash, previousHash)
	}
	store.byHash[hashValue] = &memorySessionRecord{
		UserID:       userID,
		Agent:        agent,
		Hash:         hashValue,
		ExpiresAt:    expiresAt,
		IssuedAtUnix: issuedAt.Unix(),
	}
	store.byOwner[owner] = hashValue
	return RefreshSession{
		Token:     opaque,
		UserID:    userID,
		Agent:     agent,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Unix(issuedAt.Unix(), 0).UTC(),
	}, nil
}

// Consume removes the session for token and returns it.
func (store *MemorySessionStore) Consume(ctx context.Context, token string) (RefreshSession, bool, error) {
	if strings.TrimSpace(token) == "" {
		return RefreshSession{}, false, nil
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.removeLocked(hashOpaque(token))
	if record == nil {
		return RefreshSession{}, false, nil
	}
	return RefreshSession{
		Token:     token,
		UserID:    record.UserID,
		Agent:     record.Agent,
		ExpiresAt: record.ExpiresAt,
		IssuedAt:  time.Unix(record.IssuedAtUnix, 0).UTC(),
	}, true, nil
}

// Revoke removes the session for token if present.
func (store *MemorySessionStore) Revoke(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.removeLocked(hashOpaque(token))
	return nil
}

// RevokeAllForUser removes every session owned by userID.
func (store *MemorySessionStore) RevokeAllForUser(ctx context.Context, userID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for owner, hashValue := range store.byOwner {
		if owner.userID == userID {
			delete(store.byHash, hashValue)
			delete(store.byOwner, owner)
		}
	}
	return nil
}

func (store *MemorySessionStore) removeLocked(hashValue string) *memorySessionRecord {
	record, ok := store.byHash[hashValue]
	if !ok {
		return nil
	}
	delete(store.byHash, hashValue)
	owner := sessionOwner{userID: record.UserID, agent: record.Agent}
	if store.byOwner[owner] == hashValue {
		delete(store.byOwner, owner)
	}
	return record
}
