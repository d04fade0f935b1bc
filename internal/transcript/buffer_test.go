package transcript_test

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/MrWong99/earpiece/internal/transcript"
	"github.com/MrWong99/earpiece/pkg/types"
)

func TestAppend_AssignsSequentialNumbers(t *testing.T) {
	t.Parallel()
	b := transcript.New()
	b.Open("s1")

	for i := 1; i <= 3; i++ {
		seg, err := b.Append("s1", transcript.SegmentInput{Text: fmt.Sprintf("seg %d", i)})
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if seg.SequenceNo != uint64(i) {
			t.Errorf("seq: got %d, want %d", seg.SequenceNo, i)
		}
		if seg.SessionID != "s1" {
			t.Errorf("session id: got %q, want s1", seg.SessionID)
		}
		if seg.Speaker != types.SpeakerUnknown {
			t.Errorf("speaker: got %q, want %q", seg.Speaker, types.SpeakerUnknown)
		}
	}
	if got := b.High("s1"); got != 3 {
		t.Errorf("High() = %d, want 3", got)
	}
}

func TestAppend_StampsProducedAt(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := transcript.New(transcript.WithClock(func() time.Time { return fixed }))
	b.Open("s1")

	seg, err := b.Append("s1", transcript.SegmentInput{Text: "hello"})
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if !seg.ProducedAt.Equal(fixed) {
		t.Errorf("produced_at: got %v, want %v", seg.ProducedAt, fixed)
	}

	explicit := fixed.Add(-time.Minute)
	seg, _ = b.Append("s1", transcript.SegmentInput{Text: "again", ProducedAt: explicit})
	if !seg.ProducedAt.Equal(explicit) {
		t.Errorf("explicit produced_at overwritten: got %v", seg.ProducedAt)
	}
}

func TestAppend_ClosedSession(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(b *transcript.Buffer)
	}{
		{name: "never opened", setup: func(*transcript.Buffer) {}},
		{name: "closed", setup: func(b *transcript.Buffer) {
			b.Open("s1")
			b.Close("s1")
		}},
		{name: "dropped", setup: func(b *transcript.Buffer) {
			b.Open("s1")
			b.Drop("s1")
		}},
		{name: "restored", setup: func(b *transcript.Buffer) {
			b.Restore("s1", []types.Segment{{SessionID: "s1", SequenceNo: 1, Text: "old"}})
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := transcript.New()
			tc.setup(b)
			_, err := b.Append("s1", transcript.SegmentInput{Text: "x"})
			if !errors.Is(err, transcript.ErrSessionClosed) {
				t.Errorf("Append() error = %v, want ErrSessionClosed", err)
			}
		})
	}
}

func TestReadFrom_SinceAndRestart(t *testing.T) {
	t.Parallel()
	b := transcript.New()
	b.Open("s1")
	for i := range 5 {
		if _, err := b.Append("s1", transcript.SegmentInput{Text: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	seq := b.ReadFrom("s1", 2)
	first := seqNos(slices.Collect(seq))
	if want := []uint64{3, 4, 5}; !slices.Equal(first, want) {
		t.Fatalf("first range: got %v, want %v", first, want)
	}

	// Ranging again restarts and sees new appends.
	if _, err := b.Append("s1", transcript.SegmentInput{Text: "late"}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	second := seqNos(slices.Collect(seq))
	if want := []uint64{3, 4, 5, 6}; !slices.Equal(second, want) {
		t.Errorf("second range: got %v, want %v", second, want)
	}

	if got := slices.Collect(b.ReadFrom("s1", 10)); len(got) != 0 {
		t.Errorf("since past end: got %d segments, want 0", len(got))
	}
	if got := slices.Collect(b.ReadFrom("nope", 0)); len(got) != 0 {
		t.Errorf("unknown session: got %d segments, want 0", len(got))
	}
}

func TestReadFrom_EarlyBreak(t *testing.T) {
	t.Parallel()
	b := transcript.New()
	b.Open("s1")
	for range 4 {
		_, _ = b.Append("s1", transcript.SegmentInput{Text: "x"})
	}
	var n int
	for range b.ReadFrom("s1", 0) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("got %d iterations, want 2", n)
	}
}

func TestReadFrom_ClosedLogStillReadable(t *testing.T) {
	t.Parallel()
	b := transcript.New()
	b.Open("s1")
	_, _ = b.Append("s1", transcript.SegmentInput{Text: "a"})
	b.Close("s1")

	if b.IsOpen("s1") {
		t.Error("IsOpen() = true after Close")
	}
	if got := slices.Collect(b.ReadFrom("s1", 0)); len(got) != 1 {
		t.Errorf("got %d segments after close, want 1", len(got))
	}
}

func TestWindow(t *testing.T) {
	t.Parallel()
	b := transcript.New()
	b.Open("s1")
	for range 5 {
		_, _ = b.Append("s1", transcript.SegmentInput{Text: "x"})
	}

	tests := []struct {
		from, to uint64
		want     []uint64
	}{
		{from: 2, to: 4, want: []uint64{2, 3, 4}},
		{from: 0, to: 2, want: []uint64{1, 2}},
		{from: 4, to: 99, want: []uint64{4, 5}},
		{from: 6, to: 9, want: nil},
		{from: 3, to: 2, want: nil},
	}
	for _, tc := range tests {
		got := seqNos(b.Window("s1", tc.from, tc.to))
		if !slices.Equal(got, tc.want) {
			t.Errorf("Window(%d, %d) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestAppend_ConcurrentIsGapFree(t *testing.T) {
	t.Parallel()
	b := transcript.New()
	b.Open("s1")

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				if _, err := b.Append("s1", transcript.SegmentInput{Text: "x"}); err != nil {
					t.Errorf("Append() error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got := seqNos(slices.Collect(b.ReadFrom("s1", 0)))
	if len(got) != writers*perWriter {
		t.Fatalf("got %d segments, want %d", len(got), writers*perWriter)
	}
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("segment %d has seq %d", i, seq)
		}
	}
}

// TestReadFrom_Property checks that any read position yields a strictly
// increasing, gap-free run that ends at the high-water mark.
func TestReadFrom_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := transcript.New()
		sessions := rapid.SliceOfNDistinct(rapid.StringN(1, 8, -1), 1, 4, rapid.ID[string]).Draw(t, "sessions")
		for _, s := range sessions {
			b.Open(s)
		}

		ops := rapid.IntRange(0, 60).Draw(t, "ops")
		for range ops {
			s := rapid.SampledFrom(sessions).Draw(t, "session")
			if _, err := b.Append(s, transcript.SegmentInput{Text: rapid.String().Draw(t, "text")}); err != nil {
				t.Fatalf("Append() error: %v", err)
			}
		}

		for _, s := range sessions {
			high := b.High(s)
			since := rapid.Uint64Range(0, high+2).Draw(t, "since")
			prev := since
			var count uint64
			for seg := range b.ReadFrom(s, since) {
				if seg.SequenceNo != prev+1 {
					t.Fatalf("session %q: seq %d follows %d", s, seg.SequenceNo, prev)
				}
				if seg.SessionID != s {
					t.Fatalf("segment of %q returned for %q", seg.SessionID, s)
				}
				prev = seg.SequenceNo
				count++
			}
			want := uint64(0)
			if since < high {
				want = high - since
			}
			if count != want {
				t.Fatalf("session %q since %d: got %d segments, want %d", s, since, count, want)
			}
		}
	})
}

func seqNos(segs []types.Segment) []uint64 {
	if len(segs) == 0 {
		return nil
	}
	out := make([]uint64, len(segs))
	for i, s := range segs {
		out[i] = s.SequenceNo
	}
	return out
}

func TestRestore_TruncatesAtGap(t *testing.T) {
	t.Parallel()
	b := transcript.New()
	b.Restore("s1", []types.Segment{
		{SessionID: "s1", SequenceNo: 1, Text: "a"},
		{SessionID: "s1", SequenceNo: 2, Text: "b"},
		{SessionID: "s1", SequenceNo: 4, Text: "d"},
	})

	if got := b.High("s1"); got != 2 {
		t.Errorf("High() = %d, want 2", got)
	}
	if got := seqNos(slices.Collect(b.ReadFrom("s1", 0))); !slices.Equal(got, []uint64{1, 2}) {
		t.Errorf("ReadFrom() = %v, want [1 2]", got)
	}
}
