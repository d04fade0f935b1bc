package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/earpiece/internal/store"
	"github.com/MrWong99/earpiece/pkg/types"
)

// ExportVersion is the format version of an [OwnerExport].
const ExportVersion = "1"

// OwnerSummary counts what is kept for one owner.
type OwnerSummary struct {
	OwnerID            string                  `json:"owner_id"`
	Sessions           int                     `json:"sessions"`
	TranscriptSegments int                     `json:"transcript_segments"`
	Suggestions        int                     `json:"suggestions"`
	Retention          types.RetentionSettings `json:"retention_settings"`
	GeneratedAt        time.Time               `json:"generated_at"`
}

// SessionExport is one session with everything derived from it.
type SessionExport struct {
	Session     types.Session      `json:"session"`
	Transcript  []types.Segment    `json:"transcript"`
	Suggestions []types.Suggestion `json:"suggestions"`
}

// OwnerExport is the portable copy of an owner's data.
type OwnerExport struct {
	Version    string                  `json:"version"`
	OwnerID    string                  `json:"owner_id"`
	ExportedAt time.Time               `json:"exported_at"`
	Retention  types.RetentionSettings `json:"retention_settings"`
	Sessions   []SessionExport         `json:"sessions"`
}

// Summary returns the counts of an export.
func (x OwnerExport) Summary() OwnerSummary {
	s := OwnerSummary{
		OwnerID:     x.OwnerID,
		Sessions:    len(x.Sessions),
		Retention:   x.Retention,
		GeneratedAt: x.ExportedAt,
	}
	for _, se := range x.Sessions {
		s.TranscriptSegments += len(se.Transcript)
		s.Suggestions += len(se.Suggestions)
	}
	return s
}

// OwnerDeletion reports what [Manager.DeleteOwner] removed.
type OwnerDeletion struct {
	OwnerID   string    `json:"owner_id"`
	Deleted   []string  `json:"deleted"`
	Kept      []string  `json:"kept"`
	DeletedAt time.Time `json:"deleted_at"`
}

// ExportOwner collects every session of owner with its transcript and
// suggestions. Sessions the manager still holds are read from memory, so
// privacy-mode sessions are included until they are purged; all others come
// from the store.
func (m *Manager) ExportOwner(ctx context.Context, owner string) (OwnerExport, error) {
	if owner == "" {
		return OwnerExport{}, fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	sessions, err := m.store.ListSessions(ctx, store.Filter{OwnerID: owner})
	if err != nil {
		return OwnerExport{}, fmt.Errorf("session: export %q: %w", owner, err)
	}
	rs, err := m.settings.GetRetentionPolicy(ctx, owner)
	if err != nil {
		return OwnerExport{}, fmt.Errorf("session: export %q: retention settings: %w", owner, err)
	}

	out := OwnerExport{
		Version:    ExportVersion,
		OwnerID:    owner,
		ExportedAt: m.now(),
		Retention:  rs,
		Sessions:   make([]SessionExport, 0, len(sessions)),
	}
	for _, sess := range sessions {
		se, err := m.exportSession(ctx, sess)
		if errors.Is(err, ErrNotFound) {
			continue // purged meanwhile
		}
		if err != nil {
			return OwnerExport{}, err
		}
		out.Sessions = append(out.Sessions, se)
	}
	return out, nil
}

func (m *Manager) exportSession(ctx context.Context, sess types.Session) (SessionExport, error) {
	se := SessionExport{Session: sess}
	if e, err := m.lookup(sess.ID); err == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gone {
			return SessionExport{}, fmt.Errorf("%w: %q", ErrNotFound, sess.ID)
		}
		se.Session = e.sess
		se.Transcript = []types.Segment{}
		for seg := range m.buf.ReadFrom(sess.ID, 0) {
			se.Transcript = append(se.Transcript, seg)
		}
		se.Suggestions = m.publishedLocked(e)
		return se, nil
	}

	var err error
	if se.Transcript, err = m.store.Segments(ctx, sess.ID); err != nil {
		return SessionExport{}, fmt.Errorf("session: export %q: segments: %w", sess.ID, err)
	}
	if se.Suggestions, err = m.store.Suggestions(ctx, sess.ID); err != nil {
		return SessionExport{}, fmt.Errorf("session: export %q: suggestions: %w", sess.ID, err)
	}
	return se, nil
}

// OwnerSummary counts the sessions, segments and suggestions kept for owner.
func (m *Manager) OwnerSummary(ctx context.Context, owner string) (OwnerSummary, error) {
	x, err := m.ExportOwner(ctx, owner)
	if err != nil {
		return OwnerSummary{}, err
	}
	return x.Summary(), nil
}

// DeleteOwner purges every ended session of owner through the same atomic
// path as [Manager.Delete]. Pending and active sessions are kept and listed
// in the report; the owner ends them first. Failures on single sessions do
// not stop the others and are returned joined.
func (m *Manager) DeleteOwner(ctx context.Context, owner string) (OwnerDeletion, error) {
	if owner == "" {
		return OwnerDeletion{}, fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	sessions, err := m.store.ListSessions(ctx, store.Filter{OwnerID: owner})
	if err != nil {
		return OwnerDeletion{}, fmt.Errorf("session: delete owner %q: %w", owner, err)
	}

	rep := OwnerDeletion{OwnerID: owner, Deleted: []string{}, Kept: []string{}}
	var errs []error
	for _, sess := range sessions {
		err := m.deleteOwned(ctx, sess)
		switch {
		case err == nil:
			rep.Deleted = append(rep.Deleted, sess.ID)
		case errors.Is(err, ErrInvalidState):
			rep.Kept = append(rep.Kept, sess.ID)
		default:
			errs = append(errs, err)
		}
	}
	rep.DeletedAt = m.now()
	m.log.Info("session: owner data deleted",
		"owner_id", owner, "deleted", len(rep.Deleted), "kept", len(rep.Kept), "failed", len(errs))
	return rep, errors.Join(errs...)
}

// deleteOwned deletes one listed session, whether or not the manager still
// holds it.
func (m *Manager) deleteOwned(ctx context.Context, sess types.Session) error {
	err := m.Delete(ctx, sess.ID)
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	// Not indexed, or purged between the listing and now.
	if sess.Status != types.StatusEnded {
		return fmt.Errorf("%w: cannot delete %s session %q", ErrInvalidState, sess.Status, sess.ID)
	}
	if err := m.store.PurgeSession(ctx, sess.ID); err != nil {
		return fmt.Errorf("session: purge %q: %w", sess.ID, err)
	}
	if q := m.retentionQueue(); q != nil {
		q.Remove(sess.ID)
	}
	return nil
}
