// Package memstore provides an in-memory [store.Store]. It is the default
// backend when no PostgreSQL DSN is configured and the backend of most tests.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/earpiece/internal/store"
	"github.com/MrWong99/earpiece/pkg/types"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is a thread-safe in-memory [store.Store]. The zero value is not
// usable; create one with [New].
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]types.Session
	segments    map[string][]types.Segment
	suggestions map[string][]types.Suggestion
	retention   map[string]types.RetentionRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]types.Session),
		segments:    make(map[string][]types.Segment),
		suggestions: make(map[string][]types.Suggestion),
		retention:   make(map[string]types.RetentionRecord),
	}
}

// SaveSession implements [store.Store].
func (s *Store) SaveSession(_ context.Context, sess types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession implements [store.Store].
func (s *Store) GetSession(_ context.Context, id string) (types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return types.Session{}, fmt.Errorf("memstore: session %q: %w", id, store.ErrNotFound)
	}
	return sess, nil
}

// ListSessions implements [store.Store].
func (s *Store) ListSessions(_ context.Context, f store.Filter) ([]types.Session, error) {
	s.mu.RLock()
	out := make([]types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if f.OwnerID != "" && sess.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && sess.Status != f.Status {
			continue
		}
		out = append(out, sess)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Session) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// AppendSegment implements [store.Store].
func (s *Store) AppendSegment(_ context.Context, seg types.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[seg.SessionID] = append(s.segments[seg.SessionID], seg)
	return nil
}

// Segments implements [store.Store].
func (s *Store) Segments(_ context.Context, sessionID string) ([]types.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.segments[sessionID])
	slices.SortFunc(out, func(a, b types.Segment) int { return cmp.Compare(a.SequenceNo, b.SequenceNo) })
	return out, nil
}

// SaveSuggestion implements [store.Store].
func (s *Store) SaveSuggestion(_ context.Context, sg types.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.suggestions[sg.SessionID]
	for i := range list {
		if list[i].ID == sg.ID {
			list[i] = sg
			return nil
		}
	}
	s.suggestions[sg.SessionID] = append(list, sg)
	return nil
}

// Suggestions implements [store.Store].
func (s *Store) Suggestions(_ context.Context, sessionID string) ([]types.Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.suggestions[sessionID]), nil
}

// PutRetention implements [store.Store].
func (s *Store) PutRetention(_ context.Context, rec types.RetentionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention[rec.SessionID] = rec
	return nil
}

// RetentionRecords implements [store.Store].
func (s *Store) RetentionRecords(_ context.Context) ([]types.RetentionRecord, error) {
	s.mu.RLock()
	out := make([]types.RetentionRecord, 0, len(s.retention))
	for _, rec := range s.retention {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b types.RetentionRecord) int {
		if c := a.DeleteAfter.Compare(b.DeleteAfter); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out, nil
}

// DeleteRetention implements [store.Store].
func (s *Store) DeleteRetention(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retention, sessionID)
	return nil
}

// PurgeSession implements [store.Store]. A single lock covers every map, so
// the purge is atomic for concurrent readers.
func (s *Store) PurgeSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.segments, sessionID)
	delete(s.suggestions, sessionID)
	delete(s.retention, sessionID)
	return nil
}

// Ping implements [store.Store]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
