package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/earpiece/internal/store"
	"github.com/MrWong99/earpiece/pkg/types"
)

// StoreGuard wraps a [store.Store] and makes the write-through of transcript
// segments and suggestions non-fatal. If the underlying store fails, the
// write is logged and dropped instead of failing the live session, and the
// guard reports itself as degraded until the next successful write.
//
// Lifecycle writes (session rows, retention records, purges) do not go
// through the guard: their failures are surfaced to the caller.
//
// All methods are safe for concurrent use.
type StoreGuard struct {
	store    store.Store
	log      *slog.Logger
	degraded atomic.Bool
}

// NewStoreGuard creates a new [StoreGuard] wrapping st.
func NewStoreGuard(st store.Store, log *slog.Logger) *StoreGuard {
	if log == nil {
		log = slog.Default()
	}
	return &StoreGuard{store: st, log: log}
}

// AppendSegment persists seg. On failure the error is logged and swallowed;
// the guard is marked as degraded.
func (g *StoreGuard) AppendSegment(ctx context.Context, seg types.Segment) {
	if err := g.store.AppendSegment(ctx, seg); err != nil {
		g.degraded.Store(true)
		g.log.Warn("store guard: AppendSegment failed, swallowing error",
			"session_id", seg.SessionID,
			"sequence_no", seg.SequenceNo,
			"error", err,
		)
		return
	}
	g.degraded.Store(false)
}

// SaveSuggestion persists sg. On failure the error is logged and swallowed;
// the guard is marked as degraded.
func (g *StoreGuard) SaveSuggestion(ctx context.Context, sg types.Suggestion) {
	if err := g.store.SaveSuggestion(ctx, sg); err != nil {
		g.degraded.Store(true)
		g.log.Warn("store guard: SaveSuggestion failed, swallowing error",
			"session_id", sg.SessionID,
			"suggestion_id", sg.ID,
			"error", err,
		)
		return
	}
	g.degraded.Store(false)
}

// IsDegraded reports whether the most recent guarded write failed.
func (g *StoreGuard) IsDegraded() bool {
	return g.degraded.Load()
}
