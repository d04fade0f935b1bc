package session

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earpiece/internal/fanout"
	"github.com/MrWong99/earpiece/internal/observe"
	"github.com/MrWong99/earpiece/internal/settings"
	"github.com/MrWong99/earpiece/internal/store"
	"github.com/MrWong99/earpiece/internal/suggest"
	"github.com/MrWong99/earpiece/internal/transcript"
	"github.com/MrWong99/earpiece/pkg/types"
)

// DefaultSessionType is used when a create request names none.
const DefaultSessionType = "interview"

// RetentionQueue receives retention records when sessions end and forgets
// them when sessions are deleted explicitly.
type RetentionQueue interface {
	Enqueue(rec types.RetentionRecord)
	Remove(sessionID string)
}

// Listener observes session transitions. It is called once per transition,
// after the session lock is released.
type Listener func(types.Session)

// CreateRequest describes a new session. Zero fields take defaults.
type CreateRequest struct {
	OwnerID         string                `json:"owner_id"`
	Platform        types.Platform        `json:"platform"`
	SessionType     string                `json:"session_type"`
	RetentionPolicy types.RetentionPolicy `json:"retention_policy"`
	PrivacyMode     bool                  `json:"privacy_mode"`
}

// normalize fills defaults and validates the request.
func (r CreateRequest) normalize() (CreateRequest, error) {
	var errs []error
	if strings.TrimSpace(r.OwnerID) == "" {
		errs = append(errs, errors.New("owner_id is required"))
	}
	if r.Platform == "" {
		r.Platform = types.PlatformDesktop
	} else if !r.Platform.IsValid() {
		errs = append(errs, fmt.Errorf("unknown platform %q", r.Platform))
	}
	if r.RetentionPolicy == "" {
		r.RetentionPolicy = types.RetentionAuto
	} else if !r.RetentionPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("unknown retention_policy %q", r.RetentionPolicy))
	}
	if strings.TrimSpace(r.SessionType) == "" {
		r.SessionType = DefaultSessionType
	}
	if err := errors.Join(errs...); err != nil {
		return r, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return r, nil
}

// ListFilter narrows [Manager.List].
type ListFilter struct {
	OwnerID string
	Status  types.Status
	Limit   int
}

// Config holds the dependencies of a [Manager].
type Config struct {
	// Store persists sessions, segments, suggestions and retention records.
	// Required.
	Store store.Store

	// Settings resolves per-owner retention settings. Required.
	Settings settings.Provider

	// Hub fans deltas out to surfaces. Required. The manager registers itself
	// as the hub's command handler.
	Hub *fanout.Hub

	// Generator produces suggestions. Required.
	Generator suggest.Generator

	// Policy is the initial suggestion trigger policy.
	Policy suggest.Policy

	// Retention receives records of ended sessions. It may also be set later
	// with [Manager.SetRetention].
	Retention RetentionQueue

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Now defaults to [time.Now].
	Now func() time.Time

	// NewID defaults to [uuid.NewString].
	NewID func() string
}

// entry is the manager's per-session state.
type entry struct {
	id    string
	owner string

	mu   sync.Mutex
	sess types.Session

	// published holds the suggestions already broadcast to surfaces.
	published map[string]struct{}

	// gone is set once the session has been purged.
	gone bool
}

// Manager is the session state machine. All methods are safe for concurrent
// use.
type Manager struct {
	store    store.Store
	guard    *StoreGuard
	settings settings.Provider
	buf      *transcript.Buffer
	engine   *suggest.Engine
	hub      *fanout.Hub
	metrics  *observe.Metrics
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	mu        sync.RWMutex
	sessions  map[string]*entry
	inflight  map[string]string // owner id -> pending or active session id
	listeners []Listener
	closed    bool

	// rmu guards retention. It is taken under session locks, so it never
	// nests with mu.
	rmu       sync.Mutex
	retention RetentionQueue
}

// New creates a Manager. Call [Manager.Init] before serving requests to
// restore persisted sessions.
func New(cfg Config) (*Manager, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if cfg.Settings == nil {
		errs = append(errs, errors.New("settings provider is required"))
	}
	if cfg.Hub == nil {
		errs = append(errs, errors.New("hub is required"))
	}
	if cfg.Generator == nil {
		errs = append(errs, errors.New("generator is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	m := &Manager{
		store:     cfg.Store,
		settings:  cfg.Settings,
		hub:       cfg.Hub,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		now:       cfg.Now,
		newID:     cfg.NewID,
		retention: cfg.Retention,
		sessions:  make(map[string]*entry),
		inflight:  make(map[string]string),
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	m.guard = NewStoreGuard(cfg.Store, m.log)
	m.buf = transcript.New(transcript.WithClock(m.now))

	engine, err := suggest.New(suggest.Config{
		Generator:    cfg.Generator,
		Transcript:   m.buf,
		Policy:       cfg.Policy,
		OnSuggestion: m.publishSuggestion,
		Metrics:      m.metrics,
		Logger:       m.log,
		Now:          m.now,
		NewID:        m.newID,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	m.engine = engine
	m.hub.SetHandler(m)
	return m, nil
}

// SetRetention sets the queue that receives retention records.
func (m *Manager) SetRetention(q RetentionQueue) {
	m.rmu.Lock()
	defer m.rmu.Unlock()
	m.retention = q
}

// AddListener registers l for every subsequent transition.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetPolicy replaces the suggestion trigger policy for all sessions.
func (m *Manager) SetPolicy(p suggest.Policy) { m.engine.SetPolicy(p) }

// Policy returns the current suggestion trigger policy.
func (m *Manager) Policy() suggest.Policy { return m.engine.Policy() }

// Degraded reports whether the latest transcript or suggestion write-through
// failed.
func (m *Manager) Degraded() bool { return m.guard.IsDegraded() }

// Check reports an error once the manager has been closed. It is used as a
// readiness probe.
func (m *Manager) Check(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// Create registers a new pending session. It fails with [ErrConflict] if the
// owner already has a pending or active session.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (types.Session, error) {
	req, err := req.normalize()
	if err != nil {
		return types.Session{}, err
	}
	sess := types.Session{
		ID:              m.newID(),
		OwnerID:         req.OwnerID,
		Status:          types.StatusPending,
		Platform:        req.Platform,
		SessionType:     req.SessionType,
		RetentionPolicy: req.RetentionPolicy,
		PrivacyMode:     req.PrivacyMode,
		CreatedAt:       m.now().UTC(),
		OverlayVisible:  true,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.Session{}, ErrClosed
	}
	if other, ok := m.inflight[req.OwnerID]; ok {
		m.mu.Unlock()
		return types.Session{}, fmt.Errorf("%w: owner %q already has session %q in flight", ErrConflict, req.OwnerID, other)
	}
	m.inflight[req.OwnerID] = sess.ID
	m.mu.Unlock()

	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.release(req.OwnerID, sess.ID)
		return types.Session{}, fmt.Errorf("session: create: %w", err)
	}

	m.mu.Lock()
	m.sessions[sess.ID] = &entry{id: sess.ID, owner: sess.OwnerID, sess: sess, published: make(map[string]struct{})}
	m.mu.Unlock()
	m.hub.Open(sess.ID)

	m.metrics.RecordTransition(ctx, "", string(types.StatusPending))
	m.log.Info("session: created", "session_id", sess.ID, "owner_id", sess.OwnerID, "platform", sess.Platform)
	m.notify(sess)
	return sess, nil
}

// Start moves a pending session to active. It opens the transcript log and a
// suggestion worker for the session and turns recording on.
func (m *Manager) Start(ctx context.Context, id string) (types.Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return types.Session{}, err
	}
	m.mu.RLock()
	owns := m.inflight[e.owner] == id
	m.mu.RUnlock()

	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return types.Session{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if e.sess.Status != types.StatusPending {
		status := e.sess.Status
		e.mu.Unlock()
		return types.Session{}, fmt.Errorf("%w: cannot start %q from %s", ErrInvalidState, id, status)
	}
	if !owns {
		e.mu.Unlock()
		return types.Session{}, fmt.Errorf("%w: owner %q has another session in flight", ErrConflict, e.owner)
	}

	next := e.sess
	started := m.now().UTC()
	next.Status = types.StatusActive
	next.StartedAt = &started
	next.Recording = true
	if err := m.store.SaveSession(ctx, next); err != nil {
		e.mu.Unlock()
		return types.Session{}, fmt.Errorf("session: start %q: %w", id, err)
	}
	e.sess = next
	m.buf.Open(id)
	m.engine.Open(id, next.SessionType)
	m.hub.Broadcast(fanout.StateDelta(next, m.buf.High(id)))
	e.mu.Unlock()

	m.metrics.RecordTransition(ctx, string(types.StatusPending), string(types.StatusActive))
	m.log.Info("session: started", "session_id", id, "owner_id", e.owner)
	m.notify(next)
	return next, nil
}

// End moves an active session to ended. The transcript is sealed, in-flight
// suggestion generation is cancelled and a retention record is enqueued.
// Ending an ended session is a no-op; ending a pending one fails with
// [ErrInvalidState] (delete it instead).
func (m *Manager) End(ctx context.Context, id string) (types.Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return types.Session{}, err
	}

	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return types.Session{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	switch e.sess.Status {
	case types.StatusEnded:
		sess := e.sess
		e.mu.Unlock()
		return sess, nil
	case types.StatusPending:
		e.mu.Unlock()
		return types.Session{}, fmt.Errorf("%w: cannot end pending session %q", ErrInvalidState, id)
	}

	next := ended(e.sess, m.now().UTC())
	if err := m.store.SaveSession(ctx, next); err != nil {
		e.mu.Unlock()
		return types.Session{}, fmt.Errorf("session: end %q: %w", id, err)
	}
	e.sess = next
	m.buf.Close(id)
	m.engine.Close(id)
	m.scheduleRetention(ctx, next)
	m.hub.Broadcast(fanout.StateDelta(next, m.buf.High(id)))
	e.mu.Unlock()

	m.release(e.owner, id)
	m.metrics.RecordTransition(ctx, string(types.StatusActive), string(types.StatusEnded))
	m.log.Info("session: ended", "session_id", id, "owner_id", e.owner, "duration", next.Duration)
	m.notify(next)
	return next, nil
}

// ended returns sess transitioned to ended at now.
func ended(sess types.Session, now time.Time) types.Session {
	sess.Status = types.StatusEnded
	sess.EndedAt = &now
	sess.Recording = false
	if sess.StartedAt != nil {
		sess.Duration = now.Sub(*sess.StartedAt)
	}
	return sess
}

// Delete purges an ended session: transcript, suggestions, session row and
// retention record. Surfaces still attached receive a final deleted state.
func (m *Manager) Delete(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if e.sess.Status != types.StatusEnded {
		status := e.sess.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot delete %s session %q", ErrInvalidState, status, id)
	}
	if err := m.purgeLocked(ctx, e); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	m.forget(id)
	if q := m.retentionQueue(); q != nil {
		q.Remove(id)
	}
	m.log.Info("session: deleted", "session_id", id, "owner_id", e.owner)
	return nil
}

// Purge deletes an ended session on behalf of the retention scheduler. It
// never waits for the session lock: if another operation holds it, Purge
// returns [ErrBusy] and the caller retries later. Sessions that are not
// ended are left alone with [ErrInvalidState]. A session unknown to the
// manager is purged from the store only.
func (m *Manager) Purge(ctx context.Context, id string) error {
	m.mu.RLock()
	e := m.sessions[id]
	m.mu.RUnlock()
	if e == nil {
		if err := m.store.PurgeSession(ctx, id); err != nil {
			return fmt.Errorf("session: purge %q: %w", id, err)
		}
		return nil
	}

	if !e.mu.TryLock() {
		return fmt.Errorf("%w: %q", ErrBusy, id)
	}
	if e.gone {
		e.mu.Unlock()
		return nil
	}
	if e.sess.Status != types.StatusEnded {
		status := e.sess.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: refusing to purge %s session %q", ErrInvalidState, status, id)
	}
	if err := m.purgeLocked(ctx, e); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	m.forget(id)
	m.log.Info("session: purged", "session_id", id, "owner_id", e.owner)
	return nil
}

// purgeLocked removes every trace of e. Must be called with e.mu held.
func (m *Manager) purgeLocked(ctx context.Context, e *entry) (err error) {
	ctx, span := observe.StartSessionSpan(ctx, "session.purge", e.id, observe.AttrOwnerID.String(e.owner))
	defer func() { observe.EndSpan(span, err) }()

	if err := m.store.PurgeSession(ctx, e.id); err != nil {
		return fmt.Errorf("session: purge %q: %w", e.id, err)
	}
	high := m.buf.High(e.id)
	e.gone = true
	m.buf.Drop(e.id)
	m.engine.Drop(e.id)
	final := fanout.DeletedDelta(e.id, high)
	m.hub.CloseSession(e.id, &final)
	return nil
}

// Overdue returns the ids of active sessions started more than maxDuration
// before now.
func (m *Manager) Overdue(now time.Time, maxDuration time.Duration) []string {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var ids []string
	for _, e := range entries {
		e.mu.Lock()
		if e.sess.Status == types.StatusActive && e.sess.StartedAt != nil && now.Sub(*e.sess.StartedAt) > maxDuration {
			ids = append(ids, e.id)
		}
		e.mu.Unlock()
	}
	slices.Sort(ids)
	return ids
}

// Close ends every active session and stops all suggestion workers. Data is
// kept; pending sessions stay pending.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		sess, err := m.Get(id)
		if err != nil || sess.Status != types.StatusActive {
			continue
		}
		if _, err := m.End(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	m.engine.Shutdown()
	return errors.Join(errs...)
}

// Init restores persisted sessions after a restart. Ended sessions become
// readable again, pending sessions keep their owner's slot and sessions that
// were still active are ended now, since their audio stream is gone.
func (m *Manager) Init(ctx context.Context) error {
	all, err := m.store.ListSessions(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("session: init: %w", err)
	}
	restored, endedNow := 0, 0
	for _, sess := range all {
		e := &entry{id: sess.ID, owner: sess.OwnerID, sess: sess, published: make(map[string]struct{})}

		if sess.Status != types.StatusPending {
			segs, err := m.store.Segments(ctx, sess.ID)
			if err != nil {
				return fmt.Errorf("session: init %q: %w", sess.ID, err)
			}
			sgs, err := m.store.Suggestions(ctx, sess.ID)
			if err != nil {
				return fmt.Errorf("session: init %q: %w", sess.ID, err)
			}
			m.buf.Restore(sess.ID, segs)
			m.engine.Restore(sess.ID, sgs)
			for _, sg := range sgs {
				e.published[sg.ID] = struct{}{}
			}
		}

		if sess.Status == types.StatusActive {
			e.sess = ended(sess, m.now().UTC())
			if err := m.store.SaveSession(ctx, e.sess); err != nil {
				return fmt.Errorf("session: init %q: %w", sess.ID, err)
			}
			m.scheduleRetention(ctx, e.sess)
			endedNow++
			m.log.Warn("session: ended session left active by restart", "session_id", sess.ID, "owner_id", sess.OwnerID)
		}

		m.mu.Lock()
		m.sessions[sess.ID] = e
		if e.sess.Status == types.StatusPending {
			m.inflight[sess.OwnerID] = sess.ID
		}
		m.mu.Unlock()
		m.hub.Open(sess.ID)
		restored++
	}
	m.log.Info("session: restored sessions", "count", restored, "ended_on_restore", endedNow)
	return nil
}

// scheduleRetention computes and enqueues the retention record of an ended
// session. Must be called with the session lock held, if any.
func (m *Manager) scheduleRetention(ctx context.Context, sess types.Session) {
	rec, ok := m.retentionFor(ctx, sess)
	if !ok {
		return
	}
	if err := m.store.PutRetention(ctx, rec); err != nil {
		m.log.Error("session: failed to persist retention record",
			"session_id", sess.ID, "delete_after", rec.DeleteAfter, "error", err)
	}
	if q := m.retentionQueue(); q != nil {
		q.Enqueue(rec)
	}
}

// retentionFor derives the retention record of an ended session. ok is false
// when the session must be kept.
func (m *Manager) retentionFor(ctx context.Context, sess types.Session) (types.RetentionRecord, bool) {
	if sess.EndedAt == nil {
		return types.RetentionRecord{}, false
	}
	rec := types.RetentionRecord{SessionID: sess.ID, OwnerID: sess.OwnerID}
	if sess.PrivacyMode {
		rec.DeleteAfter = *sess.EndedAt
		return rec, true
	}
	if sess.RetentionPolicy == types.RetentionNever || sess.RetentionPolicy == types.RetentionManual {
		return types.RetentionRecord{}, false
	}
	rs, err := m.settings.GetRetentionPolicy(ctx, sess.OwnerID)
	if err != nil {
		rs = settings.Default()
		m.log.Warn("session: retention settings unavailable, using defaults",
			"session_id", sess.ID, "owner_id", sess.OwnerID, "error", err)
	}
	if !rs.AutoDeleteEnabled {
		return types.RetentionRecord{}, false
	}
	hours := rs.RetentionHours
	if settings.Validate(rs) != nil {
		hours = settings.DefaultRetentionHours
	}
	rec.DeleteAfter = sess.EndedAt.Add(time.Duration(hours) * time.Hour)
	return rec, true
}

// ─────────────────────────────────────────────────────────────────────────────
// Transcript, suggestions and surfaces
// ─────────────────────────────────────────────────────────────────────────────

// Append adds a recognised segment to an active session's transcript, writes
// it through to the store (unless the session is in privacy mode), broadcasts
// it and wakes the suggestion engine.
func (m *Manager) Append(ctx context.Context, id string, in transcript.SegmentInput) (types.Segment, error) {
	if strings.TrimSpace(in.Text) == "" {
		return types.Segment{}, fmt.Errorf("%w: segment text is empty", ErrInvalidRequest)
	}
	e, err := m.lookup(id)
	if err != nil {
		return types.Segment{}, err
	}

	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return types.Segment{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	seg, err := m.buf.Append(id, in)
	if err != nil {
		e.mu.Unlock()
		return types.Segment{}, fmt.Errorf("session: append to %q: %w", id, err)
	}
	if !e.sess.PrivacyMode {
		m.guard.AppendSegment(context.WithoutCancel(ctx), seg)
	}
	m.hub.Broadcast(fanout.SegmentDelta(seg))
	e.mu.Unlock()

	m.metrics.TranscriptSegments.Add(ctx, 1)
	m.engine.Notify(id)
	return seg, nil
}

// Partial forwards an interim caption to the surfaces of an active session.
// Partials are never stored or replayed.
func (m *Manager) Partial(id string, speaker types.Speaker, text string) {
	m.hub.Broadcast(fanout.PartialDelta(id, speaker, text))
}

// publishSuggestion persists and broadcasts a suggestion created by the
// engine. Taking the session lock orders it after the segment it was
// derived from. A suggestion that lands after the session ended is stored
// but not broadcast, so the ended state stays the last delta surfaces see.
func (m *Manager) publishSuggestion(sg types.Suggestion) {
	e, err := m.lookup(sg.SessionID)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return
	}
	if cur, err := m.engine.Get(sg.ID); err == nil {
		sg = cur
	}
	if !e.sess.PrivacyMode {
		m.guard.SaveSuggestion(context.Background(), sg)
	}
	if e.sess.Status == types.StatusEnded {
		m.log.Debug("session: suggestion arrived after end, not broadcast",
			"session_id", sg.SessionID, "suggestion_id", sg.ID)
		return
	}
	e.published[sg.ID] = struct{}{}
	m.hub.Broadcast(fanout.SuggestionDelta(sg))
}

// Attach connects a surface to a session. The surface first receives the
// current state, then every segment after since, then the suggestions derived
// after since, and afterwards live deltas. A nil since replays the whole
// session; a reconnecting surface passes its own last acknowledged sequence
// number.
func (m *Manager) Attach(_ context.Context, id string, kind types.SurfaceKind, since *uint64) (*fanout.Conn, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown surface kind %q", ErrInvalidRequest, kind)
	}
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	high := m.buf.High(id)
	var from uint64
	if since != nil {
		from = min(*since, high)
	}

	replay := make([]fanout.Delta, 0, 1+int(high-from)+len(e.published))
	replay = append(replay, fanout.StateDelta(e.sess, high))
	for seg := range m.buf.ReadFrom(id, from) {
		replay = append(replay, fanout.SegmentDelta(seg))
	}
	sgs := slices.DeleteFunc(m.publishedLocked(e), func(sg types.Suggestion) bool {
		return sg.DerivedFromSequenceNo <= from
	})
	slices.SortStableFunc(sgs, func(a, b types.Suggestion) int {
		return cmp.Compare(a.DerivedFromSequenceNo, b.DerivedFromSequenceNo)
	})
	for _, sg := range sgs {
		replay = append(replay, fanout.SuggestionDelta(sg))
	}

	conn, err := m.hub.Attach(id, kind, replay)
	if err != nil {
		return nil, fmt.Errorf("session: attach %q: %w", id, err)
	}
	m.log.Info("session: surface attached",
		"session_id", id, "surface", kind, "connection_id", conn.ID(), "since", from, "replayed", len(replay))
	return conn, nil
}

// publishedLocked returns the suggestions surfaces have seen, in ranking
// order. Must be called with e.mu held.
func (m *Manager) publishedLocked(e *entry) []types.Suggestion {
	all := m.engine.Suggestions(e.id)
	out := all[:0]
	for _, sg := range all {
		if _, ok := e.published[sg.ID]; ok {
			out = append(out, sg)
		}
	}
	return out
}

// Feedback resolves a suggestion and re-broadcasts it.
func (m *Manager) Feedback(ctx context.Context, suggestionID string, accepted bool, rating int) (types.Suggestion, error) {
	sg, err := m.engine.Feedback(suggestionID, accepted, rating)
	if err != nil {
		return types.Suggestion{}, fmt.Errorf("session: feedback: %w", err)
	}
	e, err := m.lookup(sg.SessionID)
	if err != nil {
		return sg, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return sg, nil
	}
	if !e.sess.PrivacyMode {
		m.guard.SaveSuggestion(context.WithoutCancel(ctx), sg)
	}
	if _, ok := e.published[sg.ID]; ok {
		m.hub.Broadcast(fanout.SuggestionDelta(sg))
	}
	m.log.Info("session: suggestion feedback",
		"session_id", sg.SessionID, "suggestion_id", sg.ID, "status", sg.Status, "rating", sg.Rating)
	return sg, nil
}

// HandleCommand implements [fanout.CommandHandler]. The resulting state is
// broadcast to every surface of the session.
func (m *Manager) HandleCommand(ctx context.Context, connID string, cmd fanout.Command) error {
	conn, ok := m.hub.Lookup(connID)
	if !ok {
		return fmt.Errorf("session: command %q: %w", cmd.Name, fanout.ErrUnknownConnection)
	}
	id := conn.SessionID()

	switch cmd.Name {
	case fanout.CmdStartRecording, fanout.CmdStopRecording:
		on := cmd.Name == fanout.CmdStartRecording
		return m.update(ctx, id, func(s *types.Session) error {
			if s.Status != types.StatusActive {
				return fmt.Errorf("%w: recording requires an active session, %q is %s", ErrInvalidState, id, s.Status)
			}
			s.Recording = on
			return nil
		})
	case fanout.CmdToggleOverlay:
		return m.update(ctx, id, func(s *types.Session) error {
			s.OverlayVisible = !s.OverlayVisible
			return nil
		})
	case fanout.CmdFeedback:
		var args fanout.FeedbackArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return fmt.Errorf("%w: feedback args: %v", ErrInvalidRequest, err)
		}
		sg, err := m.engine.Get(args.SuggestionID)
		if err != nil || sg.SessionID != id {
			return fmt.Errorf("session: feedback: %w: suggestion %q", suggest.ErrNotFound, args.SuggestionID)
		}
		_, err = m.Feedback(ctx, args.SuggestionID, args.Accepted, args.Rating)
		return err
	case fanout.CmdEndSession:
		_, err := m.End(ctx, id)
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidRequest, cmd.Name)
	}
}

// update applies fn to the session's UI flags, persists and broadcasts the
// result.
func (m *Manager) update(ctx context.Context, id string, fn func(*types.Session) error) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	next := e.sess
	if err := fn(&next); err != nil {
		return err
	}
	if err := m.store.SaveSession(ctx, next); err != nil {
		return fmt.Errorf("session: update %q: %w", id, err)
	}
	e.sess = next
	m.hub.Broadcast(fanout.StateDelta(next, m.buf.High(id)))
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

// Get returns a copy of the session.
func (m *Manager) Get(id string) (types.Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return types.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return types.Session{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return e.sess, nil
}

// Recording reports whether audio for the session should be transcribed.
func (m *Manager) Recording(id string) bool {
	sess, err := m.Get(id)
	return err == nil && sess.Status == types.StatusActive && sess.Recording
}

// List returns persisted sessions matching f, newest first.
func (m *Manager) List(ctx context.Context, f ListFilter) ([]types.Session, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidRequest)
	}
	out, err := m.store.ListSessions(ctx, store.Filter{OwnerID: f.OwnerID, Status: f.Status, Limit: f.Limit})
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return out, nil
}

// Transcript returns the segments of a session after since.
func (m *Manager) Transcript(id string, since uint64) ([]types.Segment, error) {
	if _, err := m.Get(id); err != nil {
		return nil, err
	}
	out := []types.Segment{}
	for seg := range m.buf.ReadFrom(id, since) {
		out = append(out, seg)
	}
	return out, nil
}

// Suggestions returns the published suggestions of a session in ranking order.
func (m *Manager) Suggestions(id string) ([]types.Suggestion, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return m.publishedLocked(e), nil
}

// Suggestion returns one suggestion by id.
func (m *Manager) Suggestion(id string) (types.Suggestion, error) {
	sg, err := m.engine.Get(id)
	if err != nil {
		return types.Suggestion{}, fmt.Errorf("session: suggestion %q: %w", id, err)
	}
	return sg, nil
}

// Stats summarises the suggestions of a session.
func (m *Manager) Stats(id string) (suggest.Stats, error) {
	if _, err := m.Get(id); err != nil {
		return suggest.Stats{}, err
	}
	return m.engine.Stats(id), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Internals
// ─────────────────────────────────────────────────────────────────────────────

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return e, nil
}

// release frees the owner's in-flight slot if it still belongs to id.
func (m *Manager) release(owner, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[owner] == id {
		delete(m.inflight, owner)
	}
}

// forget removes a purged session from the index.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *Manager) retentionQueue() RetentionQueue {
	m.rmu.Lock()
	defer m.rmu.Unlock()
	return m.retention
}

// notify calls every listener with sess, containing panics.
func (m *Manager) notify(sess types.Session) {
	m.mu.RLock()
	ls := slices.Clone(m.listeners)
	m.mu.RUnlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("session: listener panicked", "session_id", sess.ID, "panic", r)
				}
			}()
			l(sess)
		}()
	}
}
