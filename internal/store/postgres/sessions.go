package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/earpiece/internal/store"
	"github.com/MrWong99/earpiece/pkg/types"
)

var sessionColumns = []string{
	"id", "owner_id", "status", "platform", "session_type", "retention_policy",
	"privacy_mode", "created_at", "started_at", "ended_at", "duration_ms",
	"recording", "overlay_visible",
}

// SaveSession implements [store.Store].
func (s *Store) SaveSession(ctx context.Context, sess types.Session) error {
	const q = `
		INSERT INTO sessions
		    (id, owner_id, status, platform, session_type, retention_policy, privacy_mode,
		     created_at, started_at, ended_at, duration_ms, recording, overlay_visible)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
		    status          = EXCLUDED.status,
		    started_at      = EXCLUDED.started_at,
		    ended_at        = EXCLUDED.ended_at,
		    duration_ms     = EXCLUDED.duration_ms,
		    recording       = EXCLUDED.recording,
		    overlay_visible = EXCLUDED.overlay_visible`

	_, err := s.db.Exec(ctx, q,
		sess.ID,
		sess.OwnerID,
		string(sess.Status),
		string(sess.Platform),
		sess.SessionType,
		string(sess.RetentionPolicy),
		sess.PrivacyMode,
		sess.CreatedAt,
		sess.StartedAt,
		sess.EndedAt,
		sess.Duration.Milliseconds(),
		sess.Recording,
		sess.OverlayVisible,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save session: %w", err)
	}
	return nil
}

// GetSession implements [store.Store].
func (s *Store) GetSession(ctx context.Context, id string) (types.Session, error) {
	q, args, err := psql.Select(sessionColumns...).
		From("sessions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return types.Session{}, fmt.Errorf("postgres store: build get session: %w", err)
	}

	sess, err := scanSession(s.db.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Session{}, fmt.Errorf("postgres store: session %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	return sess, nil
}

// ListSessions implements [store.Store].
func (s *Store) ListSessions(ctx context.Context, f store.Filter) ([]types.Session, error) {
	b := psql.Select(sessionColumns...).
		From("sessions").
		OrderBy("created_at DESC", "id")
	if f.OwnerID != "" {
		b = b.Where(sq.Eq{"owner_id": f.OwnerID})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}

	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres store: build list sessions: %w", err)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan sessions: %w", err)
	}
	if sessions == nil {
		sessions = []types.Session{}
	}
	return sessions, nil
}

// scanSession reads one row in sessionColumns order.
func scanSession(row pgx.Row) (types.Session, error) {
	var (
		sess                        types.Session
		status, platform, retention string
		durationMS                  int64
	)
	if err := row.Scan(
		&sess.ID,
		&sess.OwnerID,
		&status,
		&platform,
		&sess.SessionType,
		&retention,
		&sess.PrivacyMode,
		&sess.CreatedAt,
		&sess.StartedAt,
		&sess.EndedAt,
		&durationMS,
		&sess.Recording,
		&sess.OverlayVisible,
	); err != nil {
		return types.Session{}, err
	}
	sess.Status = types.Status(status)
	sess.Platform = types.Platform(platform)
	sess.RetentionPolicy = types.RetentionPolicy(retention)
	sess.Duration = time.Duration(durationMS) * time.Millisecond
	return sess, nil
}
