package suggest

import (
	"errors"
	"fmt"
	"time"
)

// Default trigger policy values.
const (
	DefaultMinSegments     = 2
	DefaultQuietPeriod     = 4 * time.Second
	DefaultMaxWindow       = 20
	DefaultContextSegments = 5
	DefaultRetryBackoff    = 500 * time.Millisecond
	DefaultTimeout         = 10 * time.Second
	DefaultDedupThreshold  = 0.92
)

// Policy controls when the engine evaluates a session's transcript and what it
// sends to the generator. A Policy can be swapped at runtime with
// [Engine.SetPolicy]; the new values apply from the next evaluation.
type Policy struct {
	// MinSegments is the number of unevaluated segments that triggers an
	// evaluation immediately.
	MinSegments int

	// QuietPeriod triggers an evaluation when at least one segment is
	// unevaluated and no new segment has arrived for this long.
	QuietPeriod time.Duration

	// MaxWindow caps the window to its most recent segments.
	MaxWindow int

	// ContextSegments is how many segments before the window are included as
	// read-only context.
	ContextSegments int

	// RetryBackoff is the pause before the single retry of a failed generation.
	RetryBackoff time.Duration

	// Timeout bounds each generation attempt.
	Timeout time.Duration

	// DedupThreshold is the Jaro-Winkler similarity at or above which a
	// candidate is considered a duplicate of an existing suggestion.
	DedupThreshold float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MinSegments:     DefaultMinSegments,
		QuietPeriod:     DefaultQuietPeriod,
		MaxWindow:       DefaultMaxWindow,
		ContextSegments: DefaultContextSegments,
		RetryBackoff:    DefaultRetryBackoff,
		Timeout:         DefaultTimeout,
		DedupThreshold:  DefaultDedupThreshold,
	}
}

// withDefaults fills zero fields from [DefaultPolicy]. ContextSegments and
// RetryBackoff are left alone because zero is meaningful for both.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MinSegments <= 0 {
		p.MinSegments = d.MinSegments
	}
	if p.QuietPeriod <= 0 {
		p.QuietPeriod = d.QuietPeriod
	}
	if p.MaxWindow <= 0 {
		p.MaxWindow = d.MaxWindow
	}
	if p.ContextSegments < 0 {
		p.ContextSegments = 0
	}
	if p.RetryBackoff < 0 {
		p.RetryBackoff = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.DedupThreshold <= 0 {
		p.DedupThreshold = d.DedupThreshold
	}
	return p
}

// Validate reports every out-of-range field.
func (p Policy) Validate() error {
	var errs []error
	if p.MinSegments < 0 {
		errs = append(errs, fmt.Errorf("min_segments must be >= 0, got %d", p.MinSegments))
	}
	if p.QuietPeriod < 0 {
		errs = append(errs, fmt.Errorf("quiet_period must be >= 0, got %s", p.QuietPeriod))
	}
	if p.MaxWindow < 0 {
		errs = append(errs, fmt.Errorf("max_window must be >= 0, got %d", p.MaxWindow))
	}
	if p.ContextSegments < 0 {
		errs = append(errs, fmt.Errorf("context_segments must be >= 0, got %d", p.ContextSegments))
	}
	if p.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry_backoff must be >= 0, got %s", p.RetryBackoff))
	}
	if p.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must be >= 0, got %s", p.Timeout))
	}
	if p.DedupThreshold < 0 || p.DedupThreshold > 1 {
		errs = append(errs, fmt.Errorf("dedup_threshold must be in [0, 1], got %g", p.DedupThreshold))
	}
	return errors.Join(errs...)
}
