// Package store defines the persistence boundary of the session orchestration
// core.
//
// The session manager writes through to a [Store] on every state change, so
// that an ended session, its transcript, its suggestions and its retention
// record survive a restart. Implementations live in sub-packages:
// [memstore] keeps everything in process memory, [postgres] uses PostgreSQL
// through pgx.
//
// All implementations must be safe for concurrent use. [Store.PurgeSession]
// must be atomic: either every row that belongs to the session is gone, or
// none of it is.
package store

import (
	"context"
	"errors"

	"github.com/MrWong99/earpiece/pkg/types"
)

// ErrNotFound is returned when the requested session does not exist.
var ErrNotFound = errors.New("store: not found")

// Filter narrows [Store.ListSessions]. Zero values mean "any".
type Filter struct {
	OwnerID string
	Status  types.Status

	// Limit caps the number of sessions returned. Zero means no limit.
	Limit int
}

// Store is the persistence interface used by the session manager and the
// retention scheduler.
type Store interface {
	// SaveSession inserts or replaces the session row.
	SaveSession(ctx context.Context, s types.Session) error

	// GetSession returns the session with id, or [ErrNotFound].
	GetSession(ctx context.Context, id string) (types.Session, error)

	// ListSessions returns sessions matching f, newest first.
	ListSessions(ctx context.Context, f Filter) ([]types.Session, error)

	// AppendSegment persists one transcript segment.
	AppendSegment(ctx context.Context, seg types.Segment) error

	// Segments returns all segments of a session in sequence order.
	Segments(ctx context.Context, sessionID string) ([]types.Segment, error)

	// SaveSuggestion inserts or replaces a suggestion.
	SaveSuggestion(ctx context.Context, sg types.Suggestion) error

	// Suggestions returns all suggestions of a session in creation order.
	Suggestions(ctx context.Context, sessionID string) ([]types.Suggestion, error)

	// PutRetention inserts or replaces the retention record of a session.
	PutRetention(ctx context.Context, rec types.RetentionRecord) error

	// RetentionRecords returns every pending retention record ordered by
	// DeleteAfter.
	RetentionRecords(ctx context.Context) ([]types.RetentionRecord, error)

	// DeleteRetention removes the retention record of a session. Removing a
	// missing record is not an error.
	DeleteRetention(ctx context.Context, sessionID string) error

	// PurgeSession atomically deletes the session row together with its
	// segments, suggestions and retention record. Purging a missing session
	// is not an error.
	PurgeSession(ctx context.Context, sessionID string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
