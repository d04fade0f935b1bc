// Package postgres provides a [settings.Provider] backed by a user_settings
// table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/earpiece/internal/settings"
	"github.com/MrWong99/earpiece/pkg/types"
)

const ddlUserSettings = `
CREATE TABLE IF NOT EXISTS user_settings (
    owner_id             TEXT         PRIMARY KEY,
    auto_delete_enabled  BOOLEAN      NOT NULL DEFAULT true,
    retention_hours      INTEGER      NOT NULL DEFAULT 24
                                      CHECK (retention_hours BETWEEN 1 AND 168),
    updated_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// DB is the subset of a pgx pool the provider needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Compile-time interface assertion.
var _ settings.Provider = (*Provider)(nil)

// Provider reads per-owner retention settings from PostgreSQL. Owners without
// a row get the fallback's settings.
type Provider struct {
	db       DB
	fallback settings.Provider
}

// New returns a Provider using db. fallback answers for owners without a row.
func New(db DB, fallback settings.Provider) *Provider {
	return &Provider{db: db, fallback: fallback}
}

// Migrate creates the user_settings table if needed.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, ddlUserSettings); err != nil {
		return fmt.Errorf("settings migrate: %w", err)
	}
	return nil
}

// GetRetentionPolicy implements [settings.Provider].
func (p *Provider) GetRetentionPolicy(ctx context.Context, ownerID string) (types.RetentionSettings, error) {
	const q = `SELECT auto_delete_enabled, retention_hours FROM user_settings WHERE owner_id = $1`

	var rs types.RetentionSettings
	err := p.db.QueryRow(ctx, q, ownerID).Scan(&rs.AutoDeleteEnabled, &rs.RetentionHours)
	if errors.Is(err, pgx.ErrNoRows) {
		return p.fallback.GetRetentionPolicy(ctx, ownerID)
	}
	if err != nil {
		return types.RetentionSettings{}, fmt.Errorf("settings: get %q: %w", ownerID, err)
	}
	return rs, nil
}

// Put stores the settings of ownerID after validating them.
func (p *Provider) Put(ctx context.Context, ownerID string, rs types.RetentionSettings) error {
	if err := settings.Validate(rs); err != nil {
		return err
	}
	const q = `
		INSERT INTO user_settings (owner_id, auto_delete_enabled, retention_hours, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (owner_id) DO UPDATE SET
		    auto_delete_enabled = EXCLUDED.auto_delete_enabled,
		    retention_hours     = EXCLUDED.retention_hours,
		    updated_at          = now()`

	if _, err := p.db.Exec(ctx, q, ownerID, rs.AutoDeleteEnabled, rs.RetentionHours); err != nil {
		return fmt.Errorf("settings: put %q: %w", ownerID, err)
	}
	return nil
}
