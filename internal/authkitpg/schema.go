package authkitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the refresh_sessions table if it does not exist.
// The layout matches the table the GORM store migrates, so both stores can share a database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS refresh_sessions (
    token_hash TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    agent TEXT NOT NULL DEFAULT '',
    expires_unix BIGINT NOT NULL,
    issued_at_unix BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_refresh_sessions_owner ON refresh_sessions (user_id, agent);
`)
	return err
}
