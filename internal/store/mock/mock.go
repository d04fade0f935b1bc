// Package mock provides a configurable test double for [store.Store].
//
// Store records every method call for assertion in tests and keeps its data
// in an embedded in-memory store, so reads observe earlier writes. Exported
// *Err fields inject failures per method.
//
// Typical usage:
//
//	st := mock.New()
//	st.PurgeSessionErr = errors.New("disk full")
//
//	// inject st into the system under test …
//
//	if got := st.CallCount("PurgeSession"); got != 1 {
//	    t.Errorf("expected 1 PurgeSession call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earpiece/internal/store"
	"github.com/MrWong99/earpiece/internal/store/memstore"
	"github.com/MrWong99/earpiece/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is a test double for [store.Store]. All methods are safe for
// concurrent use.
type Store struct {
	mu    sync.Mutex
	calls []Call
	data  *memstore.Store

	SaveSessionErr      error
	GetSessionErr       error
	ListSessionsErr     error
	AppendSegmentErr    error
	SegmentsErr         error
	SaveSuggestionErr   error
	SuggestionsErr      error
	PutRetentionErr     error
	RetentionRecordsErr error
	DeleteRetentionErr  error
	PurgeSessionErr     error
	PingErr             error
}

// New returns an empty Store.
func New() *Store { return &Store{data: memstore.New()} }

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// record appends a call and returns the configured error for it.
func (m *Store) record(method string, err *error, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
	return *err
}

func (m *Store) SaveSession(ctx context.Context, s types.Session) error {
	if err := m.record("SaveSession", &m.SaveSessionErr, s); err != nil {
		return err
	}
	return m.data.SaveSession(ctx, s)
}

func (m *Store) GetSession(ctx context.Context, id string) (types.Session, error) {
	if err := m.record("GetSession", &m.GetSessionErr, id); err != nil {
		return types.Session{}, err
	}
	return m.data.GetSession(ctx, id)
}

func (m *Store) ListSessions(ctx context.Context, f store.Filter) ([]types.Session, error) {
	if err := m.record("ListSessions", &m.ListSessionsErr, f); err != nil {
		return nil, err
	}
	return m.data.ListSessions(ctx, f)
}

func (m *Store) AppendSegment(ctx context.Context, seg types.Segment) error {
	if err := m.record("AppendSegment", &m.AppendSegmentErr, seg); err != nil {
		return err
	}
	return m.data.AppendSegment(ctx, seg)
}

func (m *Store) Segments(ctx context.Context, sessionID string) ([]types.Segment, error) {
	if err := m.record("Segments", &m.SegmentsErr, sessionID); err != nil {
		return nil, err
	}
	return m.data.Segments(ctx, sessionID)
}

func (m *Store) SaveSuggestion(ctx context.Context, sg types.Suggestion) error {
	if err := m.record("SaveSuggestion", &m.SaveSuggestionErr, sg); err != nil {
		return err
	}
	return m.data.SaveSuggestion(ctx, sg)
}

func (m *Store) Suggestions(ctx context.Context, sessionID string) ([]types.Suggestion, error) {
	if err := m.record("Suggestions", &m.SuggestionsErr, sessionID); err != nil {
		return nil, err
	}
	return m.data.Suggestions(ctx, sessionID)
}

func (m *Store) PutRetention(ctx context.Context, rec types.RetentionRecord) error {
	if err := m.record("PutRetention", &m.PutRetentionErr, rec); err != nil {
		return err
	}
	return m.data.PutRetention(ctx, rec)
}

func (m *Store) RetentionRecords(ctx context.Context) ([]types.RetentionRecord, error) {
	if err := m.record("RetentionRecords", &m.RetentionRecordsErr); err != nil {
		return nil, err
	}
	return m.data.RetentionRecords(ctx)
}

func (m *Store) DeleteRetention(ctx context.Context, sessionID string) error {
	if err := m.record("DeleteRetention", &m.DeleteRetentionErr, sessionID); err != nil {
		return err
	}
	return m.data.DeleteRetention(ctx, sessionID)
}

func (m *Store) PurgeSession(ctx context.Context, sessionID string) error {
	if err := m.record("PurgeSession", &m.PurgeSessionErr, sessionID); err != nil {
		return err
	}
	return m.data.PurgeSession(ctx, sessionID)
}

func (m *Store) Ping(ctx context.Context) error {
	if err := m.record("Ping", &m.PingErr); err != nil {
		return err
	}
	return m.data.Ping(ctx)
}

// SetErr sets the injected error for method under the mock's lock, for tests
// that change failures while the system under test is running.
func (m *Store) SetErr(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch method {
	case "SaveSession":
		m.SaveSessionErr = err
	case "ListSessions":
		m.ListSessionsErr = err
	case "AppendSegment":
		m.AppendSegmentErr = err
	case "SaveSuggestion":
		m.SaveSuggestionErr = err
	case "PutRetention":
		m.PutRetentionErr = err
	case "PurgeSession":
		m.PurgeSessionErr = err
	case "Ping":
		m.PingErr = err
	}
}
