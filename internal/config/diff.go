package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PolicyChanged is true if any suggestion trigger field changed.
	PolicyChanged bool

	// OverridesChanged is true if any per-owner retention override was
	// added, removed or modified.
	OverridesChanged bool
	OverrideChanges  []OverrideDiff

	// RestartRequired lists top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// OverrideDiff describes what changed for a single owner's override.
type OverrideDiff struct {
	OwnerID string
	Added   bool
	Removed bool
}

// Empty reports whether nothing reloadable or restart-bound changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PolicyChanged && !d.OverridesChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Suggest.Policy() != new.Suggest.Policy() {
		d.PolicyChanged = true
	}

	for owner, o := range old.Retention.Overrides {
		n, exists := new.Retention.Overrides[owner]
		switch {
		case !exists:
			d.OverrideChanges = append(d.OverrideChanges, OverrideDiff{OwnerID: owner, Removed: true})
		case n != o:
			d.OverrideChanges = append(d.OverrideChanges, OverrideDiff{OwnerID: owner})
		}
	}
	for owner := range new.Retention.Overrides {
		if _, exists := old.Retention.Overrides[owner]; !exists {
			d.OverrideChanges = append(d.OverrideChanges, OverrideDiff{OwnerID: owner, Added: true})
		}
	}
	d.OverridesChanged = len(d.OverrideChanges) > 0

	if restartBound(old.Server) != restartBound(new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Suggest.MaxTokens != new.Suggest.MaxTokens ||
		old.Suggest.Temperature != new.Suggest.Temperature ||
		old.Suggest.SystemPrompt != new.Suggest.SystemPrompt {
		d.RestartRequired = append(d.RestartRequired, "suggest")
	}
	if old.Fanout != new.Fanout {
		d.RestartRequired = append(d.RestartRequired, "fanout")
	}
	if old.Retention.Interval != new.Retention.Interval ||
		old.Retention.Defaults() != new.Retention.Defaults() ||
		old.Retention.MaxSessionDuration != new.Retention.MaxSessionDuration ||
		old.Retention.Concurrency != new.Retention.Concurrency {
		d.RestartRequired = append(d.RestartRequired, "retention")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !reflect.DeepEqual(old.Observe, new.Observe) {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}

	return d
}

// serverStatic is the part of [ServerConfig] read only at startup.
type serverStatic struct {
	listenAddr string
	origins    string
	tls        TLSConfig
}

func restartBound(s ServerConfig) serverStatic {
	st := serverStatic{listenAddr: s.ListenAddr}
	for _, o := range s.OriginPatterns {
		st.origins += o + "\n"
	}
	if s.TLS != nil {
		st.tls = *s.TLS
	}
	return st
}
