// Package settings resolves per-user retention settings.
//
// The session manager consults a [Provider] when a session ends to compute its
// retention record. [Static] serves configured defaults plus per-owner
// overrides that the config watcher can swap at runtime; the postgres
// sub-package reads a user_settings table and falls back to a [Static] for
// owners without a row.
package settings

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/MrWong99/earpiece/pkg/types"
)

const (
	// DefaultRetentionHours is the retention window applied when nothing else
	// is configured.
	DefaultRetentionHours = 24

	// MinRetentionHours and MaxRetentionHours bound a valid retention window.
	MinRetentionHours = 1
	MaxRetentionHours = 168
)

// ErrInvalidSettings is returned for settings outside the valid range.
var ErrInvalidSettings = errors.New("settings: invalid retention settings")

// Provider is the read-only retention settings lookup.
type Provider interface {
	GetRetentionPolicy(ctx context.Context, ownerID string) (types.RetentionSettings, error)
}

// Default returns the built-in retention settings: auto-delete after 24h.
func Default() types.RetentionSettings {
	return types.RetentionSettings{AutoDeleteEnabled: true, RetentionHours: DefaultRetentionHours}
}

// Validate checks that rs.RetentionHours is within 1..168.
func Validate(rs types.RetentionSettings) error {
	if rs.RetentionHours < MinRetentionHours || rs.RetentionHours > MaxRetentionHours {
		return fmt.Errorf("%w: retention_hours %d not in [%d, %d]",
			ErrInvalidSettings, rs.RetentionHours, MinRetentionHours, MaxRetentionHours)
	}
	return nil
}

// Compile-time interface assertion.
var _ Provider = (*Static)(nil)

// Static serves fixed defaults plus per-owner overrides. It is safe for
// concurrent use.
type Static struct {
	mu        sync.RWMutex
	defaults  types.RetentionSettings
	overrides map[string]types.RetentionSettings
}

// NewStatic validates defaults and every override and returns a Static.
func NewStatic(defaults types.RetentionSettings, overrides map[string]types.RetentionSettings) (*Static, error) {
	s := &Static{defaults: defaults}
	if err := Validate(defaults); err != nil {
		return nil, fmt.Errorf("settings: defaults: %w", err)
	}
	if err := s.SetOverrides(overrides); err != nil {
		return nil, err
	}
	return s, nil
}

// GetRetentionPolicy implements [Provider]. It never fails.
func (s *Static) GetRetentionPolicy(_ context.Context, ownerID string) (types.RetentionSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rs, ok := s.overrides[ownerID]; ok {
		return rs, nil
	}
	return s.defaults, nil
}

// Defaults returns the settings applied to owners without an override.
func (s *Static) Defaults() types.RetentionSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// SetOverrides atomically replaces the per-owner overrides. If any entry is
// invalid nothing changes.
func (s *Static) SetOverrides(overrides map[string]types.RetentionSettings) error {
	var errs []error
	for owner, rs := range overrides {
		if err := Validate(rs); err != nil {
			errs = append(errs, fmt.Errorf("settings: override %q: %w", owner, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = maps.Clone(overrides)
	return nil
}
