package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/earpiece/pkg/types"
)

// PutRetention implements [store.Store].
func (s *Store) PutRetention(ctx context.Context, rec types.RetentionRecord) error {
	const q = `
		INSERT INTO retention_records (session_id, owner_id, delete_after)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET delete_after = EXCLUDED.delete_after`

	if _, err := s.db.Exec(ctx, q, rec.SessionID, rec.OwnerID, rec.DeleteAfter); err != nil {
		return fmt.Errorf("postgres store: put retention: %w", err)
	}
	return nil
}

// RetentionRecords implements [store.Store].
func (s *Store) RetentionRecords(ctx context.Context) ([]types.RetentionRecord, error) {
	const q = `
		SELECT session_id, owner_id, delete_after
		FROM   retention_records
		ORDER  BY delete_after, session_id`

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: retention records: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.RetentionRecord, error) {
		var rec types.RetentionRecord
		err := row.Scan(&rec.SessionID, &rec.OwnerID, &rec.DeleteAfter)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan retention records: %w", err)
	}
	if recs == nil {
		recs = []types.RetentionRecord{}
	}
	return recs, nil
}

// DeleteRetention implements [store.Store].
func (s *Store) DeleteRetention(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM retention_records WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres store: delete retention: %w", err)
	}
	return nil
}

// purgeStatements delete children before the session row.
var purgeStatements = []string{
	`DELETE FROM transcript_segments WHERE session_id = $1`,
	`DELETE FROM suggestions WHERE session_id = $1`,
	`DELETE FROM retention_records WHERE session_id = $1`,
	`DELETE FROM sessions WHERE id = $1`,
}

// PurgeSession implements [store.Store]. All deletes run in one transaction.
func (s *Store) PurgeSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: purge %q: begin: %w", sessionID, err)
	}
	for _, stmt := range purgeStatements {
		if _, err := tx.Exec(ctx, stmt, sessionID); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres store: purge %q: %w", sessionID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: purge %q: commit: %w", sessionID, err)
	}
	return nil
}
