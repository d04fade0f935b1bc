// Package retention deletes ended sessions once their retention window has
// passed.
//
// The [Scheduler] keeps an in-memory queue of [types.RetentionRecord]s,
// loaded from the store at startup and fed by the session manager whenever a
// session ends. A periodic sweep purges every session whose delete_after has
// passed. Purges run in parallel with a bounded number of workers; a session
// that is busy or fails to purge keeps its record and is retried on the next
// sweep. The sweep also ends active sessions that ran longer than the
// configured maximum.
package retention

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earpiece/internal/observe"
	"github.com/MrWong99/earpiece/internal/session"
	"github.com/MrWong99/earpiece/internal/store"
	"github.com/MrWong99/earpiece/pkg/types"
)

// Defaults for [Config].
const (
	DefaultInterval           = 5 * time.Minute
	DefaultMaxSessionDuration = 8 * time.Hour
	DefaultConcurrency        = 4
)

// ErrRunning is returned by [Scheduler.Run] when the loop is already running.
var ErrRunning = errors.New("retention: scheduler already running")

// Sessions is the part of the session manager the scheduler drives.
type Sessions interface {
	Purge(ctx context.Context, id string) error
	End(ctx context.Context, id string) (types.Session, error)
	Overdue(now time.Time, maxDuration time.Duration) []string
}

// Config configures a [Scheduler].
type Config struct {
	// Store holds the persisted retention records. Required.
	Store store.Store

	// Sessions purges through the live session manager so that attached
	// surfaces are closed. When nil, sessions are purged from Store directly
	// and overdue sessions are not ended; this is how the one-shot sweep
	// command runs.
	Sessions Sessions

	// Interval between sweeps. Default: 5m.
	Interval time.Duration

	// MaxSessionDuration ends active sessions older than this. Default: 8h.
	// Negative disables the check.
	MaxSessionDuration time.Duration

	// Concurrency bounds parallel purges. Default: 4.
	Concurrency int

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Now defaults to [time.Now].
	Now func() time.Time
}

// Result summarises one sweep.
type Result struct {
	// Purged lists sessions deleted by this sweep.
	Purged []string `json:"purged"`

	// Deferred lists due sessions that were busy or not yet ended; their
	// records stay queued.
	Deferred []string `json:"deferred"`

	// Failed lists due sessions whose purge failed; their records stay
	// queued.
	Failed []string `json:"failed"`

	// Ended lists active sessions ended for exceeding the maximum duration.
	Ended []string `json:"ended"`
}

// Scheduler is the retention loop. All methods are safe for concurrent use.
type Scheduler struct {
	store       store.Store
	sessions    Sessions
	interval    time.Duration
	maxDuration time.Duration
	concurrency int
	metrics     *observe.Metrics
	log         *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	queue  map[string]types.RetentionRecord
	cancel context.CancelFunc
	done   chan struct{}

	// sweepMu serialises sweeps.
	sweepMu sync.Mutex
}

// New creates a Scheduler. Call [Scheduler.Init] to load persisted records.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("retention: store is required")
	}
	s := &Scheduler{
		store:       cfg.Store,
		sessions:    cfg.Sessions,
		interval:    cfg.Interval,
		maxDuration: cfg.MaxSessionDuration,
		concurrency: cfg.Concurrency,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		now:         cfg.Now,
		queue:       make(map[string]types.RetentionRecord),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.maxDuration == 0 {
		s.maxDuration = DefaultMaxSessionDuration
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Init loads every persisted retention record into the queue.
func (s *Scheduler) Init(ctx context.Context) error {
	recs, err := s.store.RetentionRecords(ctx)
	if err != nil {
		return fmt.Errorf("retention: load records: %w", err)
	}
	for _, rec := range recs {
		s.Enqueue(rec)
	}
	s.log.Info("retention: loaded records", "count", len(recs))
	return nil
}

// Enqueue adds or replaces the record of rec.SessionID.
func (s *Scheduler) Enqueue(rec types.RetentionRecord) {
	s.mu.Lock()
	_, existed := s.queue[rec.SessionID]
	s.queue[rec.SessionID] = rec
	s.mu.Unlock()
	if !existed {
		s.metrics.RetentionPending.Add(context.Background(), 1)
	}
	s.log.Debug("retention: scheduled purge", "session_id", rec.SessionID, "delete_after", rec.DeleteAfter)
}

// Remove forgets the record of sessionID, if any.
func (s *Scheduler) Remove(sessionID string) {
	s.mu.Lock()
	_, existed := s.queue[sessionID]
	delete(s.queue, sessionID)
	s.mu.Unlock()
	if existed {
		s.metrics.RetentionPending.Add(context.Background(), -1)
	}
}

// Pending returns every queued record ordered by delete_after.
func (s *Scheduler) Pending() []types.RetentionRecord {
	s.mu.Lock()
	out := make([]types.RetentionRecord, 0, len(s.queue))
	for _, rec := range s.queue {
		out = append(out, rec)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b types.RetentionRecord) int {
		if c := a.DeleteAfter.Compare(b.DeleteAfter); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Due returns the queued records with delete_after at or before now.
func (s *Scheduler) Due(now time.Time) []types.RetentionRecord {
	all := s.Pending()
	i, _ := slices.BinarySearchFunc(all, now, func(rec types.RetentionRecord, t time.Time) int {
		if rec.DeleteAfter.After(t) {
			return 1
		}
		return -1
	})
	return all[:i]
}

// Run sweeps immediately and then every Interval until ctx is cancelled or
// [Scheduler.Teardown] is called. It returns nil on a clean stop.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return ErrRunning
	}
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel, s.done = nil, nil
		s.mu.Unlock()
		close(done)
	}()

	s.log.Info("retention: scheduler started", "interval", s.interval, "max_session_duration", s.maxDuration)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.log.Error("retention: sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.log.Info("retention: scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Teardown stops [Scheduler.Run] and waits for an in-progress sweep to
// finish. It is a no-op when the loop is not running.
func (s *Scheduler) Teardown() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SweepOnce runs one retention pass as of now. Purges that have started run
// to completion even if ctx is cancelled; no new purge starts afterwards.
func (s *Scheduler) SweepOnce(ctx context.Context, now time.Time) (Result, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "retention.sweep", trace.WithAttributes(
		attribute.String("now", now.UTC().Format(time.RFC3339)),
	))
	defer span.End()

	var res Result
	s.endOverdue(ctx, now, &res)

	due := s.Due(now)
	span.SetAttributes(attribute.Int("due", len(due)))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := s.purge(context.WithoutCancel(ctx), rec.SessionID)
			mu.Lock()
			defer mu.Unlock()
			s.settle(ctx, rec, err, &res)
			return nil
		})
	}
	_ = g.Wait()

	if len(res.Failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d purges failed", len(res.Failed)))
	}
	if len(due) > 0 || len(res.Ended) > 0 {
		observe.WithTrace(ctx, s.log).Info("retention: sweep complete",
			"due", len(due),
			"purged", len(res.Purged),
			"deferred", len(res.Deferred),
			"failed", len(res.Failed),
			"ended", len(res.Ended),
		)
	}
	return res, ctx.Err()
}

// endOverdue ends active sessions older than the maximum duration.
func (s *Scheduler) endOverdue(ctx context.Context, now time.Time, res *Result) {
	if s.sessions == nil || s.maxDuration < 0 {
		return
	}
	for _, id := range s.sessions.Overdue(now, s.maxDuration) {
		if _, err := s.sessions.End(ctx, id); err != nil {
			s.log.Warn("retention: failed to end overdue session", "session_id", id, "error", err)
			continue
		}
		res.Ended = append(res.Ended, id)
		s.log.Info("retention: ended overdue session", "session_id", id, "max_session_duration", s.maxDuration)
	}
}

func (s *Scheduler) purge(ctx context.Context, id string) error {
	if s.sessions != nil {
		return s.sessions.Purge(ctx, id)
	}
	return s.store.PurgeSession(ctx, id)
}

// settle records the outcome of one purge. Must be called with the sweep's
// result lock held.
func (s *Scheduler) settle(ctx context.Context, rec types.RetentionRecord, err error, res *Result) {
	switch {
	case err == nil:
		s.Remove(rec.SessionID)
		res.Purged = append(res.Purged, rec.SessionID)
		s.metrics.RetentionPurges.Add(ctx, 1)
		s.log.Info("retention: purged session",
			"session_id", rec.SessionID, "owner_id", rec.OwnerID, "delete_after", rec.DeleteAfter)
	case errors.Is(err, session.ErrBusy):
		res.Deferred = append(res.Deferred, rec.SessionID)
		s.metrics.RecordRetentionFailure(ctx, "busy")
		s.log.Debug("retention: session busy, retrying next sweep", "session_id", rec.SessionID)
	case errors.Is(err, session.ErrInvalidState):
		res.Deferred = append(res.Deferred, rec.SessionID)
		s.metrics.RecordRetentionFailure(ctx, "state")
		s.log.Warn("retention: session not ended, retrying next sweep", "session_id", rec.SessionID, "error", err)
	default:
		res.Failed = append(res.Failed, rec.SessionID)
		s.metrics.RecordRetentionFailure(ctx, "error")
		s.log.Error("retention: purge failed, retrying next sweep", "session_id", rec.SessionID, "error", err)
	}
}
