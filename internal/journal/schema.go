package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the session_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS session_events (
	event_id    UUID PRIMARY KEY,
	session_id  UUID NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	close_code  INTEGER,
	reason      TEXT,
	error       TEXT,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS session_events_session_idx
	ON session_events (session_id, occurred_at);
`

// Execer runs a statement. Satisfied by *pgxpool.Pool and *pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the journal table if it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create session_events: %w", err)
	}
	return nil
}
