// Package suggest turns a session's transcript into ranked, deduplicated
// suggestions.
//
// The [Engine] runs one worker goroutine per open session. Each append to the
// transcript kicks the worker through a coalescing channel of capacity one; the
// worker decides from the current [Policy] whether enough new material has
// accumulated, sends the unevaluated window to a [Generator], and stores the
// result. A failed window is retried once and then left unevaluated so that the
// next append covers it again.
package suggest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/earpiece/internal/observe"
	"github.com/MrWong99/earpiece/pkg/types"
)

var (
	// ErrNotFound is returned for an unknown suggestion or session id.
	ErrNotFound = errors.New("suggest: not found")

	// ErrAlreadyResolved is returned by [Engine.Feedback] when the suggestion
	// has already been accepted or dismissed.
	ErrAlreadyResolved = errors.New("suggest: suggestion already resolved")

	// ErrInvalidRating is returned by [Engine.Feedback] for a rating outside 0..5.
	ErrInvalidRating = errors.New("suggest: rating must be between 0 and 5")

	errEmptyCandidate = errors.New("suggest: generator returned empty text")
)

// maxAttempts is the initial generation call plus one retry.
const maxAttempts = 2

// GenerationError reports that a window could not be turned into a suggestion
// after the retry. It never ends the session.
type GenerationError struct {
	SessionID string

	// From and To bound the window (inclusive) that was not evaluated.
	From, To uint64

	Attempts int
	Err      error
}

// Error implements error.
func (e *GenerationError) Error() string {
	return fmt.Sprintf("suggest: session %s: window %d..%d failed after %d attempts: %v",
		e.SessionID, e.From, e.To, e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *GenerationError) Unwrap() error { return e.Err }

// Window is what the engine hands to a [Generator].
type Window struct {
	// SessionType is the free-form session type ("interview", "coding", ...).
	SessionType string

	// Context holds up to Policy.ContextSegments segments that precede the
	// window. They were already evaluated and are included for continuity only.
	Context []types.Segment

	// Segments are the unevaluated segments, oldest first.
	Segments []types.Segment
}

// From returns the first sequence number of the window, or 0 if it is empty.
func (w Window) From() uint64 {
	if len(w.Segments) == 0 {
		return 0
	}
	return w.Segments[0].SequenceNo
}

// To returns the last sequence number of the window, or 0 if it is empty.
func (w Window) To() uint64 {
	if len(w.Segments) == 0 {
		return 0
	}
	return w.Segments[len(w.Segments)-1].SequenceNo
}

// Candidate is a generator's proposal for a new suggestion.
type Candidate struct {
	Text             string
	Kind             types.SuggestionKind
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Generator produces a suggestion candidate from a transcript window.
// Implementations must return promptly once ctx is done.
type Generator interface {
	Generate(ctx context.Context, sessionID string, w Window) (Candidate, error)
}

// Transcript is the read side of the transcript buffer the engine needs.
type Transcript interface {
	High(sessionID string) uint64
	Window(sessionID string, from, to uint64) []types.Segment
}

// Stats summarises the suggestions of one session.
type Stats struct {
	Total         int     `json:"total"`
	Accepted      int     `json:"accepted"`
	Dismissed     int     `json:"dismissed"`
	Pending       int     `json:"pending"`
	Rated         int     `json:"rated"`
	AverageRating float64 `json:"average_rating"`
}

// Config configures an [Engine].
type Config struct {
	// Generator produces candidates. Required.
	Generator Generator

	// Transcript is read to build windows. Required.
	Transcript Transcript

	// Policy is the initial trigger policy. Zero fields take defaults.
	Policy Policy

	// OnSuggestion is called for every stored suggestion, from the session's
	// worker goroutine and without any engine lock held.
	OnSuggestion func(types.Suggestion)

	// OnFailure is called when a window fails after the retry.
	OnFailure func(*GenerationError)

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Now defaults to [time.Now].
	Now func() time.Time

	// NewID defaults to [uuid.NewString].
	NewID func() string
}

// Engine is the suggestion engine. All methods are safe for concurrent use.
type Engine struct {
	gen          Generator
	src          Transcript
	onSuggestion func(types.Suggestion)
	onFailure    func(*GenerationError)
	metrics      *observe.Metrics
	log          *slog.Logger
	now          func() time.Time
	newID        func() string

	policy atomic.Pointer[Policy]

	// mu guards the two indexes. When both are needed it is taken before a
	// session's own lock.
	mu       sync.RWMutex
	sessions map[string]*session
	byID     map[string]*session

	wg sync.WaitGroup
}

// session is the engine's per-session state.
type session struct {
	id          string
	sessionType string
	kick        chan struct{}
	cancel      context.CancelFunc

	mu          sync.Mutex
	closed      bool
	lastEval    uint64
	suggestions []*types.Suggestion // creation order
}

// New creates an [Engine].
func New(cfg Config) (*Engine, error) {
	if cfg.Generator == nil {
		return nil, errors.New("suggest: generator is required")
	}
	if cfg.Transcript == nil {
		return nil, errors.New("suggest: transcript is required")
	}
	e := &Engine{
		gen:          cfg.Generator,
		src:          cfg.Transcript,
		onSuggestion: cfg.OnSuggestion,
		onFailure:    cfg.OnFailure,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		now:          cfg.Now,
		newID:        cfg.NewID,
		sessions:     make(map[string]*session),
		byID:         make(map[string]*session),
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	e.SetPolicy(cfg.Policy)
	return e, nil
}

// Policy returns the policy currently in effect.
func (e *Engine) Policy() Policy {
	return *e.policy.Load()
}

// SetPolicy replaces the trigger policy. Zero fields take defaults.
func (e *Engine) SetPolicy(p Policy) {
	p = p.withDefaults()
	e.policy.Store(&p)
}

// Open starts a worker for sessionID. Opening an already known session is a
// no-op.
func (e *Engine) Open(sessionID, sessionType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[sessionID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          sessionID,
		sessionType: sessionType,
		kick:        make(chan struct{}, 1),
		cancel:      cancel,
	}
	e.sessions[sessionID] = s
	e.wg.Add(1)
	go e.run(ctx, s)
}

// Restore loads suggestions of a session that ended before a restart. The
// session is read-only: it accepts feedback but never generates.
func (e *Engine) Restore(sessionID string, suggestions []types.Suggestion) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[sessionID]; ok {
		return
	}
	s := &session{id: sessionID, closed: true}
	for i := range suggestions {
		sg := suggestions[i]
		s.suggestions = append(s.suggestions, &sg)
		s.lastEval = max(s.lastEval, sg.DerivedFromSequenceNo)
		e.byID[sg.ID] = s
	}
	slices.SortStableFunc(s.suggestions, func(a, b *types.Suggestion) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	e.sessions[sessionID] = s
}

// Notify tells the engine that the transcript of sessionID grew. It never
// blocks; notifications that arrive while the worker is busy coalesce.
func (e *Engine) Notify(sessionID string) {
	s := e.lookup(sessionID)
	if s == nil || s.kick == nil {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Close stops generation for sessionID and cancels any in-flight call. A
// result that arrives afterwards is discarded. Suggestions stay readable and
// accept feedback until [Engine.Drop].
func (e *Engine) Close(sessionID string) {
	s := e.lookup(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Drop closes sessionID and forgets its suggestions.
func (e *Engine) Drop(sessionID string) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.sessions, sessionID)
	s.mu.Lock()
	s.closed = true
	for _, sg := range s.suggestions {
		delete(e.byID, sg.ID)
	}
	s.suggestions = nil
	s.mu.Unlock()
	e.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Shutdown closes every session and waits for all workers to exit.
func (e *Engine) Shutdown() {
	e.mu.RLock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	for _, id := range ids {
		e.Close(id)
	}
	e.wg.Wait()
}

// Get returns a copy of the suggestion with the given id.
func (e *Engine) Get(suggestionID string) (types.Suggestion, error) {
	e.mu.RLock()
	s := e.byID[suggestionID]
	e.mu.RUnlock()
	if s == nil {
		return types.Suggestion{}, fmt.Errorf("%w: suggestion %q", ErrNotFound, suggestionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sg := s.find(suggestionID); sg != nil {
		return *sg, nil
	}
	return types.Suggestion{}, fmt.Errorf("%w: suggestion %q", ErrNotFound, suggestionID)
}

// Suggestions returns the suggestions of sessionID ordered by score, highest
// first, with newer suggestions first among equal scores.
func (e *Engine) Suggestions(sessionID string) []types.Suggestion {
	s := e.lookup(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]types.Suggestion, 0, len(s.suggestions))
	for _, sg := range s.suggestions {
		out = append(out, *sg)
	}
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b types.Suggestion) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.DerivedFromSequenceNo, a.DerivedFromSequenceNo)
	})
	return out
}

// Stats summarises the suggestions of sessionID.
func (e *Engine) Stats(sessionID string) Stats {
	var st Stats
	s := e.lookup(sessionID)
	if s == nil {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ratingSum := 0
	for _, sg := range s.suggestions {
		st.Total++
		switch sg.Status {
		case types.SuggestionAccepted:
			st.Accepted++
		case types.SuggestionDismissed:
			st.Dismissed++
		default:
			st.Pending++
		}
		if sg.Rating > 0 {
			st.Rated++
			ratingSum += sg.Rating
		}
	}
	if st.Rated > 0 {
		st.AverageRating = float64(ratingSum) / float64(st.Rated)
	}
	return st
}

// Feedback resolves a pending suggestion as accepted or dismissed with an
// optional rating (0 means not rated). Resolution is write-once: a second call
// fails with [ErrAlreadyResolved] and leaves the suggestion unchanged.
// Feedback on a session that has ended is recorded but triggers nothing.
func (e *Engine) Feedback(suggestionID string, accepted bool, rating int) (types.Suggestion, error) {
	if rating < 0 || rating > 5 {
		return types.Suggestion{}, fmt.Errorf("%w: got %d", ErrInvalidRating, rating)
	}
	e.mu.RLock()
	s := e.byID[suggestionID]
	e.mu.RUnlock()
	if s == nil {
		return types.Suggestion{}, fmt.Errorf("%w: suggestion %q", ErrNotFound, suggestionID)
	}

	s.mu.Lock()
	sg := s.find(suggestionID)
	if sg == nil {
		s.mu.Unlock()
		return types.Suggestion{}, fmt.Errorf("%w: suggestion %q", ErrNotFound, suggestionID)
	}
	if sg.Status != types.SuggestionPending {
		s.mu.Unlock()
		return types.Suggestion{}, fmt.Errorf("%w: suggestion %q is %s", ErrAlreadyResolved, suggestionID, sg.Status)
	}
	sg.Status = types.SuggestionDismissed
	if accepted {
		sg.Status = types.SuggestionAccepted
	}
	sg.Rating = rating
	resolved := e.now()
	sg.ResolvedAt = &resolved
	out := *sg
	s.mu.Unlock()

	e.metrics.RecordFeedback(context.Background(), string(out.Status))
	return out, nil
}

func (e *Engine) lookup(sessionID string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[sessionID]
}

// find returns the suggestion with id. Must be called with s.mu held.
func (s *session) find(id string) *types.Suggestion {
	for _, sg := range s.suggestions {
		if sg.ID == id {
			return sg
		}
	}
	return nil
}

// scoreFor ranks a new suggestion of kind by how earlier suggestions of the
// same kind were received. Must be called with s.mu held.
func (s *session) scoreFor(kind types.SuggestionKind) float64 {
	score := 1.0
	for _, sg := range s.suggestions {
		if sg.Kind != kind {
			continue
		}
		switch sg.Status {
		case types.SuggestionAccepted:
			score++
		case types.SuggestionDismissed:
			score -= 0.5
		}
	}
	return score
}

// ── Worker ───────────────────────────────────────────────────────────────────

// run is the per-session worker loop. It exits when ctx is cancelled.
func (e *Engine) run(ctx context.Context, s *session) {
	defer e.wg.Done()

	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	defer quiet.Stop()

	for {
		force := false
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-quiet.C:
			force = true
		}
		if wait := e.evaluate(ctx, s, force); wait > 0 {
			quiet.Reset(wait)
		}
	}
}

// evaluate runs one trigger check and, if it fires, one generation. It returns
// how long to wait for the quiet period when the segment threshold was not
// met, or zero.
func (e *Engine) evaluate(ctx context.Context, s *session, quietElapsed bool) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("suggest: evaluation panicked", "session_id", s.id, "panic", r)
			wait = 0
		}
	}()

	pol := e.Policy()
	s.mu.Lock()
	closed, last := s.closed, s.lastEval
	s.mu.Unlock()
	if closed {
		return 0
	}

	high := e.src.High(s.id)
	if high <= last {
		return 0
	}
	pending := high - last
	if pending < uint64(pol.MinSegments) && !quietElapsed {
		return pol.QuietPeriod
	}

	w := e.window(s, last, high, pol)
	to := w.To()
	if to == 0 {
		return 0
	}
	start := e.now()
	cand, attempts, err := e.generate(ctx, s.id, w, pol)
	latency := e.now().Sub(start)
	e.metrics.LLMDuration.Record(ctx, latency.Seconds())

	if ctx.Err() != nil {
		e.log.Debug("suggest: discarding result for closed session", "session_id", s.id)
		return 0
	}
	if err != nil {
		e.fail(&GenerationError{SessionID: s.id, From: w.From(), To: w.To(), Attempts: attempts, Err: err})
		return 0
	}
	e.commit(s, to, cand, latency, pol)
	if to < high {
		// Backlog left over from a long outage: keep working through it.
		e.Notify(s.id)
	}
	return 0
}

// window builds the generator input for the oldest MaxWindow segments in
// (last, high].
func (e *Engine) window(s *session, last, high uint64, pol Policy) Window {
	from := last + 1
	to := min(high, last+uint64(pol.MaxWindow))
	w := Window{
		SessionType: s.sessionType,
		Segments:    e.src.Window(s.id, from, to),
	}
	if n := uint64(pol.ContextSegments); n > 0 && from > 1 {
		ctxFrom := uint64(1)
		if from-1 > n {
			ctxFrom = from - n
		}
		w.Context = e.src.Window(s.id, ctxFrom, from-1)
	}
	return w
}

// generate calls the generator, retrying once after the backoff.
func (e *Engine) generate(ctx context.Context, sessionID string, w Window, pol Policy) (Candidate, int, error) {
	ctx, span := observe.StartSessionSpan(ctx, "suggest.generate", sessionID,
		attribute.Int64("window.from", int64(w.From())),
		attribute.Int64("window.to", int64(w.To())),
	)
	defer span.End()

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return Candidate{}, attempt - 1, ctx.Err()
			case <-time.After(pol.RetryBackoff):
			}
		}
		var cand Candidate
		cand, err = e.attempt(ctx, sessionID, w, pol.Timeout)
		if err == nil {
			return cand, attempt, nil
		}
		if ctx.Err() != nil {
			return Candidate{}, attempt, ctx.Err()
		}
		e.log.Debug("suggest: generation attempt failed",
			"session_id", sessionID, "attempt", attempt, "error", err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return Candidate{}, maxAttempts, err
}

// attempt performs a single bounded generator call.
func (e *Engine) attempt(ctx context.Context, sessionID string, w Window, timeout time.Duration) (cand Candidate, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("suggest: generator panicked: %v", r)
		}
	}()
	cand, err = e.gen.Generate(ctx, sessionID, w)
	if err == nil && strings.TrimSpace(cand.Text) == "" {
		err = errEmptyCandidate
	}
	return cand, err
}

// commit stores a successful candidate and advances the evaluation mark to
// high, the last segment of the evaluated window.
func (e *Engine) commit(s *session, high uint64, cand Candidate, latency time.Duration, pol Policy) {
	e.mu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		e.mu.Unlock()
		e.log.Debug("suggest: discarding result for closed session", "session_id", s.id)
		return
	}
	s.lastEval = high
	if isDuplicate(cand.Text, s.suggestions, pol.DedupThreshold) {
		s.mu.Unlock()
		e.mu.Unlock()
		e.metrics.SuggestionsDeduped.Add(context.Background(), 1)
		e.log.Debug("suggest: dropped duplicate suggestion", "session_id", s.id, "derived_from", high)
		return
	}
	kind := cand.Kind
	if kind == "" {
		kind = types.KindAnswer
	}
	sg := &types.Suggestion{
		ID:                    e.newID(),
		SessionID:             s.id,
		DerivedFromSequenceNo: high,
		Text:                  strings.TrimSpace(cand.Text),
		Kind:                  kind,
		Status:                types.SuggestionPending,
		Score:                 s.scoreFor(kind),
		Model:                 cand.Model,
		PromptTokens:          cand.PromptTokens,
		CompletionTokens:      cand.CompletionTokens,
		Latency:               latency,
		CreatedAt:             e.now(),
	}
	s.suggestions = append(s.suggestions, sg)
	e.byID[sg.ID] = s
	out := *sg
	s.mu.Unlock()
	e.mu.Unlock()

	e.metrics.RecordSuggestion(context.Background(), string(kind))
	e.log.Debug("suggest: created suggestion",
		"session_id", s.id, "suggestion_id", out.ID, "derived_from", high, "kind", kind)
	if e.onSuggestion != nil {
		e.safeCall(s.id, func() { e.onSuggestion(out) })
	}
}

// fail reports a window that could not be evaluated.
func (e *Engine) fail(gerr *GenerationError) {
	e.metrics.GenerationFailures.Add(context.Background(), 1)
	e.log.Warn("suggest: generation failed, window kept for next evaluation",
		"session_id", gerr.SessionID,
		"from", gerr.From,
		"to", gerr.To,
		"attempts", gerr.Attempts,
		"error", gerr.Err,
	)
	if e.onFailure != nil {
		e.safeCall(gerr.SessionID, func() { e.onFailure(gerr) })
	}
}

// safeCall runs a callback and contains any panic to the session.
func (e *Engine) safeCall(sessionID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("suggest: callback panicked", "session_id", sessionID, "panic", r)
		}
	}()
	fn()
}
