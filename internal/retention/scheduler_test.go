package retention_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/earpiece/internal/observe"
	"github.com/MrWong99/earpiece/internal/retention"
	"github.com/MrWong99/earpiece/internal/session"
	"github.com/MrWong99/earpiece/internal/store/memstore"
	storemock "github.com/MrWong99/earpiece/internal/store/mock"
	"github.com/MrWong99/earpiece/pkg/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeSessions purges from a store and can be told a session is busy.
type fakeSessions struct {
	mu      sync.Mutex
	store   *memstore.Store
	busy    map[string]bool
	overdue []string
	ended   []string
	purged  []string
}

func (f *fakeSessions) Purge(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[id] {
		return fmt.Errorf("%w: %q", session.ErrBusy, id)
	}
	f.purged = append(f.purged, id)
	return f.store.PurgeSession(ctx, id)
}

func (f *fakeSessions) End(_ context.Context, id string) (types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return types.Session{ID: id, Status: types.StatusEnded}, nil
}

func (f *fakeSessions) Overdue(time.Time, time.Duration) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.overdue)
}

func (f *fakeSessions) setBusy(id string, busy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy[id] = busy
}

// seed stores an ended session with transcript, suggestion and retention
// record.
func seed(t *testing.T, st *memstore.Store, id string, deleteAfter time.Time) types.RetentionRecord {
	t.Helper()
	ctx := context.Background()
	ended := t0
	sess := types.Session{ID: id, OwnerID: "u1", Status: types.StatusEnded, CreatedAt: t0.Add(-time.Hour), EndedAt: &ended}
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession() error: %v", err)
	}
	for i := range 2 {
		if err := st.AppendSegment(ctx, types.Segment{SessionID: id, SequenceNo: uint64(i + 1), Text: "hello"}); err != nil {
			t.Fatalf("AppendSegment() error: %v", err)
		}
	}
	if err := st.SaveSuggestion(ctx, types.Suggestion{ID: id + "-g1", SessionID: id, DerivedFromSequenceNo: 2, Text: "Mention specific metrics"}); err != nil {
		t.Fatalf("SaveSuggestion() error: %v", err)
	}
	rec := types.RetentionRecord{SessionID: id, OwnerID: "u1", DeleteAfter: deleteAfter}
	if err := st.PutRetention(ctx, rec); err != nil {
		t.Fatalf("PutRetention() error: %v", err)
	}
	return rec
}

func newScheduler(t *testing.T, cfg retention.Config) *retention.Scheduler {
	t.Helper()
	s, err := retention.New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	return s
}

func TestNew_RequiresStore(t *testing.T) {
	t.Parallel()
	if _, err := retention.New(retention.Config{}); err == nil {
		t.Error("New() without store error = nil")
	}
}

func TestSweepOnce_PurgesOnlyWhenDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	seed(t, st, "s1", t0.Add(24*time.Hour))
	s := newScheduler(t, retention.Config{Store: st})

	res, err := s.SweepOnce(ctx, t0.Add(23*time.Hour))
	if err != nil {
		t.Fatalf("SweepOnce() error: %v", err)
	}
	if len(res.Purged) != 0 {
		t.Errorf("sweep at t0+23h purged %v", res.Purged)
	}
	if segs, _ := st.Segments(ctx, "s1"); len(segs) != 2 {
		t.Errorf("segments after early sweep = %d, want 2", len(segs))
	}

	res, err = s.SweepOnce(ctx, t0.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("SweepOnce() error: %v", err)
	}
	if !slices.Equal(res.Purged, []string{"s1"}) {
		t.Errorf("sweep at t0+25h purged %v, want [s1]", res.Purged)
	}
	if segs, _ := st.Segments(ctx, "s1"); len(segs) != 0 {
		t.Errorf("segments after purge = %d, want 0", len(segs))
	}
	if sgs, _ := st.Suggestions(ctx, "s1"); len(sgs) != 0 {
		t.Errorf("suggestions after purge = %d, want 0", len(sgs))
	}
	if _, err := st.GetSession(ctx, "s1"); err == nil {
		t.Error("session still stored after purge")
	}
	if n := len(s.Pending()); n != 0 {
		t.Errorf("Pending() = %d records after purge, want 0", n)
	}
}

func TestSweepOnce_BusySessionIsRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	seed(t, st, "s1", t0)
	seed(t, st, "s2", t0)
	sessions := &fakeSessions{store: st, busy: map[string]bool{"s1": true}}
	s := newScheduler(t, retention.Config{Store: st, Sessions: sessions, MaxSessionDuration: -1})

	res, err := s.SweepOnce(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("SweepOnce() error: %v", err)
	}
	if !slices.Equal(res.Deferred, []string{"s1"}) || !slices.Equal(res.Purged, []string{"s2"}) {
		t.Fatalf("SweepOnce() = %+v, want s1 deferred and s2 purged", res)
	}
	if pending := s.Pending(); len(pending) != 1 || pending[0].SessionID != "s1" {
		t.Fatalf("Pending() = %+v, want only s1", pending)
	}

	sessions.setBusy("s1", false)
	res, err = s.SweepOnce(ctx, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("SweepOnce() error: %v", err)
	}
	if !slices.Equal(res.Purged, []string{"s1"}) {
		t.Errorf("retry sweep purged %v, want [s1]", res.Purged)
	}
}

func TestSweepOnce_FailureKeepsRecordAndCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storemock.New()
	rec := types.RetentionRecord{SessionID: "s1", OwnerID: "u1", DeleteAfter: t0}
	if err := st.PutRetention(ctx, rec); err != nil {
		t.Fatalf("PutRetention() error: %v", err)
	}
	st.PurgeSessionErr = errors.New("deadlock detected")

	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	s := newScheduler(t, retention.Config{Store: st, Metrics: metrics})

	res, err := s.SweepOnce(ctx, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("SweepOnce() error: %v", err)
	}
	if !slices.Equal(res.Failed, []string{"s1"}) {
		t.Errorf("Failed = %v, want [s1]", res.Failed)
	}
	if n := len(s.Pending()); n != 1 {
		t.Errorf("Pending() = %d, want 1", n)
	}
	if got := failures(t, reader, "error"); got != 1 {
		t.Errorf("retention failures{reason=error} = %d, want 1", got)
	}

	st.SetErr("PurgeSession", nil)
	if res, _ := s.SweepOnce(ctx, t0.Add(2*time.Hour)); len(res.Purged) != 1 {
		t.Errorf("sweep after recovery purged %v, want [s1]", res.Purged)
	}
}

func TestSweepOnce_EndsOverdueSessions(t *testing.T) {
	t.Parallel()
	sessions := &fakeSessions{store: memstore.New(), busy: map[string]bool{}, overdue: []string{"long"}}
	s := newScheduler(t, retention.Config{Store: sessions.store, Sessions: sessions})

	res, err := s.SweepOnce(context.Background(), t0)
	if err != nil {
		t.Fatalf("SweepOnce() error: %v", err)
	}
	if !slices.Equal(res.Ended, []string{"long"}) {
		t.Errorf("Ended = %v, want [long]", res.Ended)
	}
}

func TestSweepOnce_ParallelPurges(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	for i := range 20 {
		seed(t, st, fmt.Sprintf("s%02d", i), t0)
	}
	s := newScheduler(t, retention.Config{Store: st, Concurrency: 3})

	res, err := s.SweepOnce(context.Background(), t0)
	if err != nil {
		t.Fatalf("SweepOnce() error: %v", err)
	}
	if len(res.Purged) != 20 {
		t.Errorf("purged %d sessions, want 20", len(res.Purged))
	}
}

func TestEnqueueRemoveAndDue(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, retention.Config{Store: memstore.New()})

	s.Enqueue(types.RetentionRecord{SessionID: "late", DeleteAfter: t0.Add(2 * time.Hour)})
	s.Enqueue(types.RetentionRecord{SessionID: "early", DeleteAfter: t0})
	s.Enqueue(types.RetentionRecord{SessionID: "mid", DeleteAfter: t0.Add(time.Hour)})
	s.Enqueue(types.RetentionRecord{SessionID: "mid", DeleteAfter: t0.Add(90 * time.Minute)})

	due := s.Due(t0.Add(90 * time.Minute))
	if len(due) != 2 || due[0].SessionID != "early" || due[1].SessionID != "mid" {
		t.Errorf("Due() = %+v, want early then mid", due)
	}
	s.Remove("mid")
	s.Remove("missing")
	if n := len(s.Pending()); n != 2 {
		t.Errorf("Pending() = %d, want 2", n)
	}
}

func TestRunAndTeardown(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	seed(t, st, "s1", t0)
	s := newScheduler(t, retention.Config{Store: st, Interval: time.Hour, Now: func() time.Time { return t0.Add(time.Minute) }})

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Pending()) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := len(s.Pending()); n != 0 {
		t.Fatalf("Pending() = %d after initial sweep, want 0", n)
	}

	s.Teardown()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after Teardown")
	}
	s.Teardown()
}

// failures sums earpiece.retention.failures for reason.
func failures(t *testing.T, reader *sdkmetric.ManualReader, reason string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "earpiece.retention.failures" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("reason"); ok && v.AsString() == reason {
					total += dp.Value
				}
			}
		}
	}
	return total
}
