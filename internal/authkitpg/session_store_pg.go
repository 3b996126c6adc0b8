package authkitpg

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tyemirov/tsession/internal/authkit"
)

const opaqueByteLength = 32

// PostgresSessionStore persists rotating refresh sessions in PostgreSQL through pgx.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ authkit.SessionStore = (*PostgresSessionStore)(nil)

// NewPostgresSessionStore constructs a Postgres store.
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// IssueOrRotate writes a fresh token for (userID, agent) in a single upsert.
func (store *PostgresSessionStore) IssueOrRotate(ctx context.Context, userID string, agent string, expiresAt time.Time) (authkit.RefreshSession, error) {
	if strings.TrimSpace(userID) == "" {
		return authkit.RefreshSession{}, fmt.Errorf("session_store.issue.pgx: %w", authkit.ErrSessionEmptyUser)
	}
	opaque, hashValue, err := randomOpaque()
	if err != nil {
		return authkit.RefreshSession{}, fmt.Errorf("session_store.issue.pgx: %w", err)
	}
	issuedAtUnix := store.now().Unix()
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO refresh_sessions (token_hash, user_id, agent, expires_unix, issued_at_unix)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, agent) DO UPDATE
SET token_hash = EXCLUDED.token_hash,
    expires_unix = EXCLUDED.expires_unix,
    issued_at_unix = EXCLUDED.issued_at_unix
`, hashValue, userID, agent, expiresAt.Unix(), issuedAtUnix)
	if execErr != nil {
		return authkit.RefreshSession{}, fmt.Errorf("session_store.issue.pgx: %w", execErr)
	}
	return authkit.RefreshSession{
		Token:     opaque,
		UserID:    userID,
		Agent:     agent,
		ExpiresAt: time.Unix(expiresAt.Unix(), 0).UTC(),
		IssuedAt:  time.Unix(issuedAtUnix, 0).UTC(),
	}, nil
}

// Consume deletes and returns the session for token. Concurrent callers race on the delete; one wins.
func (store *PostgresSessionStore) Consume(ctx context.Context, token string) (authkit.RefreshSession, bool, error) {
	if strings.TrimSpace(token) == "" {
		return authkit.RefreshSession{}, false, nil
	}
	var (
		userID       string
		agent        string
		expiresUnix  int64
		issuedAtUnix int64
	)
	row := store.pool.QueryRow(ctx, `
DELETE FROM refresh_sessions
WHERE token_hash = $1
RETURNING user_id, agent, expires_unix, issued_at_unix
`, hashOpaque(token))
	if scanErr := row.Scan(&userID, &agent, &expiresUnix, &issuedAtUnix); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authkit.RefreshSession{}, false, nil
		}
		return authkit.RefreshSession{}, false, fmt.Errorf("session_store.consume.pgx: %w", scanErr)
	}
	return authkit.RefreshSession{
		Token:     token,
		UserID:    userID,
		Agent:     agent,
		ExpiresAt: time.Unix(expiresUnix, 0).UTC(),
		IssuedAt:  time.Unix(issuedAtUnix, 0).UTC(),
	}, true, nil
}

// Revoke deletes the session for token if present.
func (store *PostgresSessionStore) Revoke(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if _, err := store.pool.Exec(ctx, `DELETE FROM refresh_sessions WHERE token_hash = $1`, hashOpaque(token)); err != nil {
		return fmt.Errorf("session_store.revoke.pgx: %w", err)
	}
	return nil
}

// RevokeAllForUser deletes every session owned by userID.
func (store *PostgresSessionStore) RevokeAllForUser(ctx context.Context, userID string) error {
	if _, err := store.pool.Exec(ctx, `DELETE FROM refresh_sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("session_store.revoke_all.pgx: %w", err)
	}
	return nil
}

func randomOpaque() (string, string, error) {
	randomBytes := make([]byte, opaqueByteLength)
	if _, err := io.ReadFull(rand.Reader, randomBytes); err != nil {
		return "", "", fmt.Errorf("session_store.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
