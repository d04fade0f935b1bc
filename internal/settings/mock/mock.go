// Package mock provides a test double for [settings.Provider].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earpiece/internal/settings"
	"github.com/MrWong99/earpiece/pkg/types"
)

// Compile-time interface assertion.
var _ settings.Provider = (*Provider)(nil)

// Provider returns Settings (or PerOwner[ownerID] when present) and Err. The
// zero value returns the zero settings; use [New] for the defaults.
type Provider struct {
	mu sync.Mutex

	Settings types.RetentionSettings
	PerOwner map[string]types.RetentionSettings
	Err      error

	calls []string
}

// New returns a Provider that answers with [settings.Default].
func New() *Provider { return &Provider{Settings: settings.Default()} }

// GetRetentionPolicy implements [settings.Provider].
func (p *Provider) GetRetentionPolicy(_ context.Context, ownerID string) (types.RetentionSettings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ownerID)
	if p.Err != nil {
		return types.RetentionSettings{}, p.Err
	}
	if rs, ok := p.PerOwner[ownerID]; ok {
		return rs, nil
	}
	return p.Settings, nil
}

// Set replaces the settings returned for every owner without a PerOwner entry.
func (p *Provider) Set(rs types.RetentionSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Settings = rs
}

// Calls returns the owner ids looked up so far.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}
