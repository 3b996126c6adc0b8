package authkit

import (
	"context"
	"time"
)

// UserStore is the durable home of User records.
type UserStore interface {
	// FindByIdentifier matches either the id or the email. Absence is (User{}, false, nil).
	FindByIdentifier(ctx context.Context, identifier string) (User, bool, error)
	// UpsertByEmail creates the user with default roles or updates the supplied fields only.
	UpsertByEmail(ctx context.Context, upsert UserUpsert) (User, error)
	// DeleteByID removes the user and the sessions it owns. It reports whether a row existed.
	DeleteByID(ctx context.Context, id string) (bool, error)
}

// SessionStore manages rotating refresh sessions, one per (user, agent).
type SessionStore interface {
	// IssueOrRotate replaces any session for (userID, agent) with a fresh token in one atomic write.
	IssueOrRotate(ctx context.Context, userID string, agent string, expiresAt time.Time) (RefreshSession, error)
	// Consume deletes the session matching token and returns it. Absence is (RefreshSession{}, false, nil).
	Consume(ctx context.Context, token string) (RefreshSession, bool, error)
	// Revoke deletes the session matching token. Unknown tokens are not an error.
	Revoke(ctx context.Context, token string) error
	// RevokeAllForUser deletes every session owned by userID.
	RevokeAllForUser(ctx context.Context, userID string) error
}

// CacheBackend is the narrow key/value surface the identity cache needs.
type CacheBackend interface {
	// Get reports a miss as (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key; missing keys are not an error.
	Delete(ctx context.Context, key string) error
}
