// Package postgres provides a PostgreSQL-backed [store.Store] built on pgx.
//
// All tables share a single [pgxpool.Pool]. [Migrate] creates them on start.
// Child rows reference sessions with ON DELETE CASCADE, but
// [Store.PurgeSession] still deletes every table explicitly inside one
// transaction so that a purge never depends on schema details.
//
// Usage:
//
//	st, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.SaveSession(ctx, sess)
//	_ = st.AppendSegment(ctx, seg)
package postgres

import (
	"context"
	"fmt"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT         PRIMARY KEY,
    owner_id         TEXT         NOT NULL,
    status           TEXT         NOT NULL,
    platform         TEXT         NOT NULL DEFAULT 'desktop',
    session_type     TEXT         NOT NULL DEFAULT 'interview',
    retention_policy TEXT         NOT NULL DEFAULT 'auto',
    privacy_mode     BOOLEAN      NOT NULL DEFAULT false,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at       TIMESTAMPTZ,
    ended_at         TIMESTAMPTZ,
    duration_ms      BIGINT       NOT NULL DEFAULT 0,
    recording        BOOLEAN      NOT NULL DEFAULT false,
    overlay_visible  BOOLEAN      NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner_created
    ON sessions (owner_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_sessions_status
    ON sessions (status);
`

const ddlSegments = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    session_id   TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    sequence_no  BIGINT       NOT NULL,
    speaker      TEXT         NOT NULL DEFAULT 'unknown',
    text         TEXT         NOT NULL,
    produced_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    start_ms     BIGINT       NOT NULL DEFAULT 0,
    end_ms       BIGINT       NOT NULL DEFAULT 0,
    confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, sequence_no)
);
`

const ddlSuggestions = `
CREATE TABLE IF NOT EXISTS suggestions (
    id                       TEXT         PRIMARY KEY,
    session_id               TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    derived_from_sequence_no BIGINT       NOT NULL,
    text                     TEXT         NOT NULL,
    kind                     TEXT         NOT NULL,
    status                   TEXT         NOT NULL DEFAULT 'pending',
    rating                   INTEGER      NOT NULL DEFAULT 0,
    score                    DOUBLE PRECISION NOT NULL DEFAULT 1,
    model                    TEXT         NOT NULL DEFAULT '',
    prompt_tokens            INTEGER      NOT NULL DEFAULT 0,
    completion_tokens        INTEGER      NOT NULL DEFAULT 0,
    latency_ms               BIGINT       NOT NULL DEFAULT 0,
    created_at               TIMESTAMPTZ  NOT NULL DEFAULT now(),
    resolved_at              TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_suggestions_session_created
    ON suggestions (session_id, created_at);
`

const ddlRetention = `
CREATE TABLE IF NOT EXISTS retention_records (
    session_id    TEXT         PRIMARY KEY REFERENCES sessions (id) ON DELETE CASCADE,
    owner_id      TEXT         NOT NULL,
    delete_after  TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retention_delete_after
    ON retention_records (delete_after);
`

// Migrate creates or ensures all required tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range []string{ddlSessions, ddlSegments, ddlSuggestions, ddlRetention} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
