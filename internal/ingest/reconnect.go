package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earpiece/pkg/provider/asr"
)

const (
	defaultMaxRetries  = 10
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultDialTimeout = 10 * time.Second
)

// ReconnectConfig holds the retry parameters shared by every stream. Zero
// fields take the defaults: 10 retries, 1s initial backoff doubling up to
// 30s, 10s per dial.
type ReconnectConfig struct {
	MaxRetries  int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	DialTimeout time.Duration
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	ReconnectConfig

	// Provider opens streams. Required.
	Provider asr.Provider

	// Stream is passed to every StartStream call.
	Stream asr.StreamConfig

	// OnReconnect receives each replacement handle. May be nil.
	OnReconnect func(asr.SessionHandle)

	// OnGiveUp receives the last dial error once retries are exhausted. May
	// be nil.
	OnGiveUp func(error)

	Logger *slog.Logger
}

// Reconnector owns the ASR stream of one recording session. After
// [Reconnector.Connect] opens the first stream and [Reconnector.Monitor]
// starts watching, every [Reconnector.NotifyDisconnect] closes the dead
// stream and dials a new one with jittered exponential backoff.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	provider    asr.Provider
	stream      asr.StreamConfig
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	dialTimeout time.Duration
	onReconnect func(asr.SessionHandle)
	onGiveUp    func(error)
	log         *slog.Logger

	restarts atomic.Int64

	mu       sync.Mutex
	handle   asr.SessionHandle
	done     chan struct{}
	stopOnce sync.Once
	dropped  chan struct{}
}

// NewReconnector creates a [Reconnector].
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		provider:    cfg.Provider,
		stream:      cfg.Stream,
		maxRetries:  orDefault(cfg.MaxRetries, defaultMaxRetries),
		backoff:     orDefault(cfg.Backoff, defaultBackoff),
		maxBackoff:  orDefault(cfg.MaxBackoff, defaultMaxBackoff),
		dialTimeout: orDefault(cfg.DialTimeout, defaultDialTimeout),
		onReconnect: cfg.OnReconnect,
		onGiveUp:    cfg.OnGiveUp,
		log:         cfg.Logger,
		done:        make(chan struct{}),
		dropped:     make(chan struct{}, 1),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("session_id", cfg.Stream.SessionID)
	return r
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Connect opens the initial stream.
func (r *Reconnector) Connect(ctx context.Context) (asr.SessionHandle, error) {
	h, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: start stream for %q: %w", r.stream.SessionID, err)
	}
	r.mu.Lock()
	r.handle = h
	r.mu.Unlock()
	return h, nil
}

// Monitor starts watching for drops until ctx ends or [Reconnector.Stop].
func (r *Reconnector) Monitor(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-r.dropped:
				r.restart(ctx)
			}
		}
	}()
}

// NotifyDisconnect reports that the current stream died. Repeated calls
// before the restart completes collapse into one.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.dropped <- struct{}{}:
	default:
	}
}

// Stop ends monitoring and closes the current stream. Safe to call more than
// once.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() { close(r.done) })
	if h := r.swap(nil); h != nil {
		return h.Close()
	}
	return nil
}

// Handle returns the live stream, or nil while restarting or after Stop.
func (r *Reconnector) Handle() asr.SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// Restarts reports how many replacement streams were opened.
func (r *Reconnector) Restarts() int64 {
	return r.restarts.Load()
}

func (r *Reconnector) swap(h asr.SessionHandle) asr.SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.handle
	r.handle = h
	return old
}

func (r *Reconnector) dial(ctx context.Context) (asr.SessionHandle, error) {
	dctx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()
	return r.provider.StartStream(dctx, r.stream)
}

func (r *Reconnector) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// restart replaces the dead stream, giving up after maxRetries dials.
func (r *Reconnector) restart(ctx context.Context) {
	if old := r.swap(nil); old != nil {
		_ = old.Close()
	}

	wait := r.backoff
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if ctx.Err() != nil || r.stopped() {
			return
		}
		h, err := r.dial(ctx)
		if err == nil {
			r.mu.Lock()
			if r.stopped() {
				r.mu.Unlock()
				_ = h.Close()
				return
			}
			r.handle = h
			r.mu.Unlock()

			r.restarts.Add(1)
			r.log.Info("ingest: asr stream restarted", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect(h)
			}
			return
		}
		lastErr = err
		pause := jitter(wait)
		r.log.Warn("ingest: asr stream restart failed",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"retry_in", pause,
			"err", err,
		)

		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-r.done:
			t.Stop()
			return
		case <-t.C:
		}
		wait = min(wait*2, r.maxBackoff)
	}

	r.log.Error("ingest: giving up on asr stream", "max_retries", r.maxRetries, "err", lastErr)
	if r.onGiveUp != nil {
		r.onGiveUp(lastErr)
	}
}

// jitter spreads d over [0.8d, 1.2d) so sessions that lost their streams at
// the same moment do not redial in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}
