// Package observe provides application-wide observability primitives for
// Earpiece: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Earpiece metrics.
const meterName = "github.com/MrWong99/earpiece"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Suggestion pipeline ---

	// LLMDuration tracks suggestion generation latency, including the retry.
	LLMDuration metric.Float64Histogram

	// SuggestionsGenerated counts suggestions created. Use with attribute:
	//   attribute.String("kind", ...)
	SuggestionsGenerated metric.Int64Counter

	// SuggestionsDeduped counts candidates dropped as near-duplicates.
	SuggestionsDeduped metric.Int64Counter

	// GenerationFailures counts windows whose generation failed after the retry.
	GenerationFailures metric.Int64Counter

	// Feedback counts resolved suggestions. Use with attribute:
	//   attribute.String("status", "accepted"|"dismissed")
	Feedback metric.Int64Counter

	// --- Transcript ---

	// TranscriptSegments counts appended transcript segments.
	TranscriptSegments metric.Int64Counter

	// TranscriptionErrors counts per-chunk ASR failures.
	TranscriptionErrors metric.Int64Counter

	// --- Sessions and surfaces ---

	// ActiveSessions tracks the number of sessions in the active state.
	ActiveSessions metric.Int64UpDownCounter

	// SessionTransitions counts lifecycle transitions. Use with attribute:
	//   attribute.String("to", ...)
	SessionTransitions metric.Int64Counter

	// AttachedSurfaces tracks the number of connected surfaces across all
	// sessions. Use with attribute:
	//   attribute.String("surface", ...)
	AttachedSurfaces metric.Int64UpDownCounter

	// SurfaceDrops counts connections dropped because their queue overflowed.
	SurfaceDrops metric.Int64Counter

	// --- Retention ---

	// RetentionPurges counts sessions physically deleted by the scheduler.
	RetentionPurges metric.Int64Counter

	// RetentionFailures counts purge attempts that failed (and were
	// rescheduled). Use with attribute:
	//   attribute.String("reason", "busy"|"error")
	RetentionFailures metric.Int64Counter

	// RetentionPending tracks the number of queued retention records.
	RetentionPending metric.Int64UpDownCounter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// LLM round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Suggestion pipeline.
	if met.LLMDuration, err = m.Float64Histogram("earpiece.suggest.llm.duration",
		metric.WithDescription("Latency of suggestion generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SuggestionsGenerated, err = m.Int64Counter("earpiece.suggest.generated",
		metric.WithDescription("Total suggestions created by kind."),
	); err != nil {
		return nil, err
	}
	if met.SuggestionsDeduped, err = m.Int64Counter("earpiece.suggest.deduped",
		metric.WithDescription("Total candidate suggestions dropped as duplicates."),
	); err != nil {
		return nil, err
	}
	if met.GenerationFailures, err = m.Int64Counter("earpiece.suggest.failures",
		metric.WithDescription("Total transcript windows whose generation failed after retry."),
	); err != nil {
		return nil, err
	}
	if met.Feedback, err = m.Int64Counter("earpiece.suggest.feedback",
		metric.WithDescription("Total resolved suggestions by status."),
	); err != nil {
		return nil, err
	}

	// Transcript.
	if met.TranscriptSegments, err = m.Int64Counter("earpiece.transcript.segments",
		metric.WithDescription("Total transcript segments appended."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionErrors, err = m.Int64Counter("earpiece.transcript.errors",
		metric.WithDescription("Total per-chunk speech recognition failures."),
	); err != nil {
		return nil, err
	}

	// Sessions and surfaces.
	if met.ActiveSessions, err = m.Int64UpDownCounter("earpiece.sessions.active",
		metric.WithDescription("Number of sessions in the active state."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("earpiece.sessions.transitions",
		metric.WithDescription("Total session lifecycle transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.AttachedSurfaces, err = m.Int64UpDownCounter("earpiece.fanout.surfaces",
		metric.WithDescription("Number of attached surfaces by kind."),
	); err != nil {
		return nil, err
	}
	if met.SurfaceDrops, err = m.Int64Counter("earpiece.fanout.drops",
		metric.WithDescription("Total surface connections dropped on queue overflow."),
	); err != nil {
		return nil, err
	}

	// Retention.
	if met.RetentionPurges, err = m.Int64Counter("earpiece.retention.purged",
		metric.WithDescription("Total sessions purged by the retention scheduler."),
	); err != nil {
		return nil, err
	}
	if met.RetentionFailures, err = m.Int64Counter("earpiece.retention.failures",
		metric.WithDescription("Total failed or deferred purge attempts by reason."),
	); err != nil {
		return nil, err
	}
	if met.RetentionPending, err = m.Int64UpDownCounter("earpiece.retention.pending",
		metric.WithDescription("Number of queued retention records."),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.ProviderRequests, err = m.Int64Counter("earpiece.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("earpiece.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earpiece.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTransition records a session lifecycle transition and keeps the
// active-session gauge in step with it.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
	if to == "active" {
		m.ActiveSessions.Add(ctx, 1)
	}
	if from == "active" {
		m.ActiveSessions.Add(ctx, -1)
	}
}

// RecordSuggestion records a created suggestion of the given kind.
func (m *Metrics) RecordSuggestion(ctx context.Context, kind string) {
	m.SuggestionsGenerated.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFeedback records a resolved suggestion.
func (m *Metrics) RecordFeedback(ctx context.Context, status string) {
	m.Feedback.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSurface adjusts the attached surface gauge by delta for kind.
func (m *Metrics) RecordSurface(ctx context.Context, kind string, delta int64) {
	m.AttachedSurfaces.Add(ctx, delta, metric.WithAttributes(attribute.String("surface", kind)))
}

// RecordRetentionFailure records a deferred or failed purge.
func (m *Metrics) RecordRetentionFailure(ctx context.Context, reason string) {
	m.RetentionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
