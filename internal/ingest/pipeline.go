// Package ingest turns session audio into transcript segments.
//
// A [Pipeline] keeps one ASR stream per active session. Audio chunks pushed
// with [Pipeline.Feed] go to the stream while the session is recording; a pump
// goroutine per stream appends finals to the transcript, forwards partials to
// attached surfaces and logs recognition errors without ending the session.
// Dropped streams are reopened by a [Reconnector].
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/earpiece/internal/observe"
	"github.com/MrWong99/earpiece/internal/transcript"
	"github.com/MrWong99/earpiece/pkg/provider/asr"
	"github.com/MrWong99/earpiece/pkg/types"
)

var (
	// ErrNotOpen is returned by [Pipeline.Feed] for a session without a stream.
	ErrNotOpen = errors.New("ingest: no stream open for session")

	// ErrClosed is returned by [Pipeline.Open] after [Pipeline.Shutdown].
	ErrClosed = errors.New("ingest: pipeline closed")
)

// Sessions is the part of the session manager the pipeline writes to.
type Sessions interface {
	Append(ctx context.Context, id string, in transcript.SegmentInput) (types.Segment, error)
	Partial(id string, speaker types.Speaker, text string)
	Recording(id string) bool
}

// DefaultSpeakers maps diarisation labels to transcript speakers: the first
// voice the recogniser hears is taken as the interviewer.
var DefaultSpeakers = map[string]types.Speaker{
	"0": types.SpeakerInterviewer,
	"1": types.SpeakerUser,
}

// Config configures a [Pipeline].
type Config struct {
	// Provider opens ASR streams. Required.
	Provider asr.Provider

	// Sessions receives segments and partials. Required.
	Sessions Sessions

	// Stream is the template for every stream; SessionID is filled per
	// session.
	Stream asr.StreamConfig

	// Speakers maps provider speaker labels. Unknown labels become
	// [types.SpeakerUnknown]. Defaults to [DefaultSpeakers].
	Speakers map[string]types.Speaker

	// Reconnect tunes stream restarts.
	Reconnect ReconnectConfig

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// stream is the per-session ingestion state.
type stream struct {
	id       string
	rc       *Reconnector
	cancel   context.CancelFunc
	restarts chan asr.SessionHandle
	failed   chan struct{}
	done     chan struct{}
}

// Pipeline is the audio ingestion pipeline. All methods are safe for
// concurrent use.
type Pipeline struct {
	provider  asr.Provider
	sessions  Sessions
	template  asr.StreamConfig
	speakers  map[string]types.Speaker
	reconnect ReconnectConfig
	metrics   *observe.Metrics
	log       *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Provider == nil {
		return nil, errors.New("ingest: provider is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("ingest: sessions is required")
	}
	p := &Pipeline{
		provider:  cfg.Provider,
		sessions:  cfg.Sessions,
		template:  cfg.Stream,
		speakers:  cfg.Speakers,
		reconnect: cfg.Reconnect,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		streams:   make(map[string]*stream),
	}
	if p.speakers == nil {
		p.speakers = DefaultSpeakers
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p, nil
}

// Open starts the ASR stream of sessionID. Opening an open session is a
// no-op.
func (p *Pipeline) Open(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, ok := p.streams[sessionID]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	cfg := p.template
	cfg.SessionID = sessionID
	st := &stream{
		id:       sessionID,
		restarts: make(chan asr.SessionHandle, 1),
		failed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	var failOnce sync.Once
	st.rc = NewReconnector(ReconnectorConfig{
		ReconnectConfig: p.reconnect,
		Provider:        p.provider,
		Stream:          cfg,
		OnReconnect: func(h asr.SessionHandle) {
			select {
			case st.restarts <- h:
			default:
			}
		},
		OnGiveUp: func(error) { failOnce.Do(func() { close(st.failed) }) },
		Logger:   p.log,
	})
	if _, err := st.rc.Connect(ctx); err != nil {
		p.metrics.RecordProviderError(ctx, "asr", "stream")
		return err
	}

	p.mu.Lock()
	if _, ok := p.streams[sessionID]; ok || p.closed {
		// Lost a race with another Open or with Shutdown.
		closed := p.closed
		p.mu.Unlock()
		_ = st.rc.Stop()
		if closed {
			return ErrClosed
		}
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st.cancel = cancel
	p.streams[sessionID] = st
	p.mu.Unlock()

	st.rc.Monitor(runCtx)
	go p.pump(runCtx, st)

	p.metrics.RecordProviderRequest(ctx, "asr", "stream", "ok")
	p.log.Info("ingest: stream opened", "session_id", sessionID, "sample_rate", cfg.SampleRate, "language", cfg.Language)
	return nil
}

// Feed delivers an audio chunk. Chunks are dropped silently while the session
// is not recording or while its stream is being restarted.
func (p *Pipeline) Feed(sessionID string, chunk []byte) error {
	if !p.sessions.Recording(sessionID) {
		return nil
	}
	p.mu.Lock()
	st := p.streams[sessionID]
	p.mu.Unlock()
	if st == nil {
		return fmt.Errorf("%w: %q", ErrNotOpen, sessionID)
	}
	h := st.rc.Handle()
	if h == nil {
		return nil
	}
	if err := h.SendAudio(chunk); err != nil {
		// A closed handle is being replaced; the pump notices the drop.
		if errors.Is(err, asr.ErrHandleClosed) {
			return nil
		}
		return fmt.Errorf("ingest: send audio for %q: %w", sessionID, err)
	}
	return nil
}

// IsOpen reports whether sessionID has a stream.
func (p *Pipeline) IsOpen(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.streams[sessionID]
	return ok
}

// Close stops the stream of sessionID and waits for its pump to exit.
func (p *Pipeline) Close(sessionID string) {
	p.mu.Lock()
	st := p.streams[sessionID]
	delete(p.streams, sessionID)
	p.mu.Unlock()
	if st == nil {
		return
	}
	p.stop(st)
	p.log.Info("ingest: stream closed", "session_id", sessionID)
}

// OnTransition opens a stream when a session becomes active and closes it
// when the session ends. It has the signature of a session listener.
func (p *Pipeline) OnTransition(sess types.Session) {
	switch sess.Status {
	case types.StatusActive:
		if err := p.Open(context.Background(), sess.ID); err != nil && !errors.Is(err, ErrClosed) {
			p.log.Error("ingest: failed to open stream", "session_id", sess.ID, "error", err)
		}
	case types.StatusEnded:
		p.Close(sess.ID)
	}
}

// Shutdown stops every stream. Open fails afterwards.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	p.closed = true
	streams := make([]*stream, 0, len(p.streams))
	for id, st := range p.streams {
		streams = append(streams, st)
		delete(p.streams, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range streams {
		wg.Go(func() { p.stop(st) })
	}
	wg.Wait()
}

func (p *Pipeline) stop(st *stream) {
	st.cancel()
	if err := st.rc.Stop(); err != nil {
		p.log.Warn("ingest: closing asr stream", "session_id", st.id, "error", err)
	}
	<-st.done
}

// pump drains the current handle and follows restarts until ctx is done.
func (p *Pipeline) pump(ctx context.Context, st *stream) {
	defer close(st.done)
	h := st.rc.Handle()
	for {
		if h != nil {
			p.drain(ctx, st.id, h)
		}
		if ctx.Err() != nil {
			return
		}
		p.log.Warn("ingest: asr stream dropped", "session_id", st.id)
		st.rc.NotifyDisconnect()
		select {
		case h = <-st.restarts:
		case <-st.failed:
			p.log.Error("ingest: session continues without speech recognition", "session_id", st.id)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain consumes h until its finals channel closes or ctx is done.
func (p *Pipeline) drain(ctx context.Context, sessionID string, h asr.SessionHandle) {
	finals, partials, errs := h.Finals(), h.Partials(), h.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-finals:
			if !ok {
				return
			}
			p.final(ctx, sessionID, t)
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if text := strings.TrimSpace(t.Text); text != "" {
				p.sessions.Partial(sessionID, p.speaker(t.Speaker), text)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.metrics.TranscriptionErrors.Add(ctx, 1)
			p.log.Warn("ingest: transcription error, continuing", "session_id", sessionID, "error", err)
		}
	}
}

// final appends one recognised utterance to the transcript.
func (p *Pipeline) final(ctx context.Context, sessionID string, t types.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	_, err := p.sessions.Append(ctx, sessionID, transcript.SegmentInput{
		Speaker:    p.speaker(t.Speaker),
		Text:       text,
		StartMs:    t.Start.Milliseconds(),
		EndMs:      (t.Start + t.Duration).Milliseconds(),
		Confidence: t.Confidence,
	})
	switch {
	case err == nil:
	case errors.Is(err, transcript.ErrSessionClosed):
		p.log.Debug("ingest: dropping final for ended session", "session_id", sessionID)
	default:
		p.log.Warn("ingest: failed to append segment", "session_id", sessionID, "error", err)
	}
}

func (p *Pipeline) speaker(label string) types.Speaker {
	if s, ok := p.speakers[label]; ok {
		return s
	}
	return types.SpeakerUnknown
}
