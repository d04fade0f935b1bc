// Package deepgram provides a Deepgram-backed ASR provider using the Deepgram
// streaming WebSocket API. It implements the asr.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earpiece/pkg/provider/asr"
	"github.com/MrWong99/earpiece/pkg/types"
)

const (
	providerName      = "deepgram"
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// Deepgram drops a stream after roughly ten seconds without data, which
	// a paused recording easily exceeds.
	defaultKeepAlive = 5 * time.Second
)

var (
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint. Used for self-hosted
// deployments and tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithKeepAlive sets how long the stream may go without audio before a
// KeepAlive message is sent. Zero or negative disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) {
		p.keepAlive = d
	}
}

// WithSmartFormat enables Deepgram's smart formatting of numbers, dates and
// currency in transcripts.
func WithSmartFormat(on bool) Option {
	return func(p *Provider) {
		p.smartFormat = on
	}
}

// Provider implements asr.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey      string
	endpoint    string
	model       string
	language    string
	sampleRate  int
	keepAlive   time.Duration
	smartFormat bool
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		keepAlive:  defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// It respects cfg.SampleRate, cfg.Channels, cfg.Language, and cfg.Diarize.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	// The stream outlives the dial context; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:      conn,
		cancel:    cancel,
		keepAlive: p.keepAlive,
		partials:  make(chan types.Transcript, 64),
		finals:    make(chan types.Transcript, 64),
		errs:      make(chan error, 16),
		audio:     make(chan []byte, 256),
		done:      make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(streamCtx)
	go sess.writeLoop(streamCtx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg asr.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Diarize {
		q.Set("diarize", "true")
	}
	if p.smartFormat {
		q.Set("smart_format", "true")
	}
	if cfg.SessionID != "" {
		q.Set("tag", cfg.SessionID)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for Results and
// Error events.
type deepgramResponse struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Description string  `json:"description"`
	Message     string  `json:"message"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []word  `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type word struct {
	Word    string `json:"word"`
	Speaker *int   `json:"speaker"`
}

// dominantSpeaker returns the diarization label that covers most words, the
// earliest one on a tie. It is empty when diarization is off.
func dominantSpeaker(words []word) string {
	counts := map[int]int{}
	best, bestN := 0, 0
	for _, w := range words {
		if w.Speaker == nil {
			continue
		}
		counts[*w.Speaker]++
		if n := counts[*w.Speaker]; n > bestN {
			best, bestN = *w.Speaker, n
		}
	}
	if bestN == 0 {
		return ""
	}
	return strconv.Itoa(best)
}

// session is a live Deepgram streaming session. It implements asr.SessionHandle.
type session struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	keepAlive time.Duration
	partials  chan types.Transcript
	finals    chan types.Transcript
	errs      chan error
	audio     chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return asr.ErrHandleClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return asr.ErrHandleClosed
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Errors returns the channel of per-chunk recognition failures. Unlike the
// transcript channels it is closed by Close, since both loops report on it.
func (s *session) Errors() <-chan error { return s.errs }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask Deepgram to flush pending audio before the socket goes away.
		writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.conn.Write(writeCtx, websocket.MessageText, closeStreamMsg)
		cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		s.wg.Wait()
		// Both loops have exited, so nothing can send on errs any more.
		close(s.errs)
	})
	return nil
}

// writeLoop forwards queued audio as binary messages and sends a KeepAlive
// whenever no audio went out for a keep-alive interval.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	var idle <-chan time.Time
	var timer *time.Timer
	if s.keepAlive > 0 {
		timer = time.NewTimer(s.keepAlive)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.report(&asr.TranscriptionError{Provider: providerName, Message: "send audio", Err: err})
				if ctx.Err() != nil {
					return
				}
			}
			if timer != nil {
				timer.Reset(s.keepAlive)
			}
		case <-idle:
			if err := s.conn.Write(ctx, websocket.MessageText, keepAliveMsg); err != nil && ctx.Err() != nil {
				return
			}
			timer.Reset(s.keepAlive)
		case <-s.done:
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// partials, finals, and errors channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		t, terr, ok := parseDeepgramResponse(msg)
		switch {
		case terr != nil:
			s.report(terr)
		case !ok:
			continue
		case t.IsFinal:
			select {
			case s.finals <- t:
			case <-s.done:
			}
		default:
			// Partials are best-effort; drop when the consumer lags.
			select {
			case s.partials <- t:
			default:
			}
		}
	}
}

// report forwards a recognition failure without blocking the loops.
func (s *session) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message.
//
// It returns a Transcript with ok=true for a usable Results event, a
// *TranscriptionError for an Error event, and ok=false for anything that
// should be ignored (metadata, keep-alives, empty results).
func parseDeepgramResponse(data []byte) (types.Transcript, *asr.TranscriptionError, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, &asr.TranscriptionError{Provider: providerName, Message: "malformed response", Err: err}, false
	}
	switch resp.Type {
	case "Results":
	case "Error":
		msg := resp.Description
		if msg == "" {
			msg = resp.Message
		}
		return types.Transcript{}, &asr.TranscriptionError{Provider: providerName, Message: msg}, false
	default:
		return types.Transcript{}, nil, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return types.Transcript{}, nil, false
	}

	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return types.Transcript{}, nil, false
	}

	speaker := dominantSpeaker(alt.Words)

	return types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Speaker:    speaker,
		Start:      time.Duration(resp.Start * float64(time.Second)),
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
	}, nil, true
}
