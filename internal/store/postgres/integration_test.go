package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earpiece/internal/store"
	"github.com/MrWong99/earpiece/internal/store/postgres"
	"github.com/MrWong99/earpiece/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if EARPIECE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("EARPIECE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EARPIECE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] on a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New() error: %v", err)
	}
	for _, table := range []string{"retention_records", "suggestions", "transcript_segments", "sessions"} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}
	pool.Close()

	st, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestIntegration_RoundTripAndPurge(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	ended := now.Add(10 * time.Minute)
	sess := types.Session{
		ID:              "s1",
		OwnerID:         "u1",
		Status:          types.StatusEnded,
		Platform:        types.PlatformMeet,
		SessionType:     "interview",
		RetentionPolicy: types.RetentionAuto,
		CreatedAt:       now,
		StartedAt:       &now,
		EndedAt:         &ended,
		Duration:        10 * time.Minute,
	}
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession() error: %v", err)
	}
	for seq, text := range []string{"Tell me about yourself", "I have 5 years experience"} {
		seg := types.Segment{SessionID: "s1", SequenceNo: uint64(seq + 1), Speaker: types.SpeakerUser, Text: text, ProducedAt: now}
		if err := st.AppendSegment(ctx, seg); err != nil {
			t.Fatalf("AppendSegment() error: %v", err)
		}
	}
	sg := types.Suggestion{ID: "g1", SessionID: "s1", DerivedFromSequenceNo: 2, Text: "Mention specific metrics",
		Kind: types.KindTip, Status: types.SuggestionPending, Score: 1, CreatedAt: now}
	if err := st.SaveSuggestion(ctx, sg); err != nil {
		t.Fatalf("SaveSuggestion() error: %v", err)
	}
	sg.Status, sg.Rating = types.SuggestionAccepted, 5
	if err := st.SaveSuggestion(ctx, sg); err != nil {
		t.Fatalf("SaveSuggestion() update error: %v", err)
	}
	if err := st.PutRetention(ctx, types.RetentionRecord{SessionID: "s1", OwnerID: "u1", DeleteAfter: ended.Add(24 * time.Hour)}); err != nil {
		t.Fatalf("PutRetention() error: %v", err)
	}

	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if got.Duration != 10*time.Minute || got.Platform != types.PlatformMeet {
		t.Errorf("GetSession() = %+v", got)
	}
	segs, _ := st.Segments(ctx, "s1")
	if len(segs) != 2 || segs[1].Text != "I have 5 years experience" {
		t.Errorf("Segments() = %+v", segs)
	}
	sgs, _ := st.Suggestions(ctx, "s1")
	if len(sgs) != 1 || sgs[0].Status != types.SuggestionAccepted || sgs[0].Rating != 5 {
		t.Errorf("Suggestions() = %+v", sgs)
	}

	if err := st.PurgeSession(ctx, "s1"); err != nil {
		t.Fatalf("PurgeSession() error: %v", err)
	}
	if _, err := st.GetSession(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession() after purge error = %v, want ErrNotFound", err)
	}
	if segs, _ := st.Segments(ctx, "s1"); len(segs) != 0 {
		t.Errorf("Segments() after purge = %d rows", len(segs))
	}
	if recs, _ := st.RetentionRecords(ctx); len(recs) != 0 {
		t.Errorf("RetentionRecords() after purge = %d rows", len(recs))
	}
}
