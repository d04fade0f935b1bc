// Package transcript holds the append-only transcript log of every live session.
//
// The [Buffer] assigns each appended segment the next sequence number of its
// session. Sequence numbers start at 1, are gap-free, and never change once
// assigned. Readers consume the log through [Buffer.ReadFrom], which yields a
// lazy, finite sequence of segments after a given position; the same sequence
// can be ranged over repeatedly.
//
// All methods are safe for concurrent use.
package transcript

import (
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/MrWong99/earpiece/pkg/types"
)

// ErrSessionClosed is returned by [Buffer.Append] when the session's log was
// never opened or has already been closed.
var ErrSessionClosed = errors.New("transcript: session closed")

// SegmentInput is the caller-supplied part of a segment. The buffer fills in
// the session ID and sequence number.
type SegmentInput struct {
	Speaker    types.Speaker
	Text       string
	ProducedAt time.Time
	StartMs    int64
	EndMs      int64
	Confidence float64
}

// sessionLog is one session's ordered segment list. segs[i].SequenceNo == i+1.
type sessionLog struct {
	mu     sync.RWMutex
	segs   []types.Segment
	closed bool
}

// Buffer is the process-wide set of per-session transcript logs.
type Buffer struct {
	mu   sync.RWMutex
	logs map[string]*sessionLog
	now  func() time.Time
}

// Option is a functional option for [New].
type Option func(*Buffer)

// WithClock overrides the time source used to stamp segments that arrive
// without a ProducedAt.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		b.now = now
	}
}

// New returns an empty [Buffer].
func New(opts ...Option) *Buffer {
	b := &Buffer{
		logs: make(map[string]*sessionLog),
		now:  time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Open makes a session's log accept appends. Opening an already open log is a
// no-op; reopening a closed log does not clear its segments.
func (b *Buffer) Open(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.logs[sessionID]; ok {
		l.mu.Lock()
		l.closed = false
		l.mu.Unlock()
		return
	}
	b.logs[sessionID] = &sessionLog{}
}

// Restore installs previously persisted segments as a closed, read-only log.
// It is used to make ended sessions readable again after a restart. segs must
// be ordered by sequence number starting at 1; the log is cut at the first
// gap so that sequence numbers stay dense.
func (b *Buffer) Restore(sessionID string, segs []types.Segment) {
	cp := make([]types.Segment, 0, len(segs))
	for _, seg := range segs {
		if seg.SequenceNo != uint64(len(cp))+1 {
			break
		}
		cp = append(cp, seg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[sessionID] = &sessionLog{segs: cp, closed: true}
}

// Append assigns the next sequence number to in and stores it. It returns
// [ErrSessionClosed] if the session's log is not open.
func (b *Buffer) Append(sessionID string, in SegmentInput) (types.Segment, error) {
	l := b.lookup(sessionID)
	if l == nil {
		return types.Segment{}, ErrSessionClosed
	}

	produced := in.ProducedAt
	if produced.IsZero() {
		produced = b.now()
	}
	speaker := in.Speaker
	if speaker == "" {
		speaker = types.SpeakerUnknown
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return types.Segment{}, ErrSessionClosed
	}
	seg := types.Segment{
		SessionID:  sessionID,
		SequenceNo: uint64(len(l.segs)) + 1,
		Speaker:    speaker,
		Text:       in.Text,
		ProducedAt: produced,
		StartMs:    in.StartMs,
		EndMs:      in.EndMs,
		Confidence: in.Confidence,
	}
	l.segs = append(l.segs, seg)
	return seg, nil
}

// Close seals a session's log. Reads continue to work until [Buffer.Drop].
func (b *Buffer) Close(sessionID string) {
	l := b.lookup(sessionID)
	if l == nil {
		return
	}
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Drop forgets a session's log entirely. Sequences obtained from ReadFrom
// before the drop remain valid.
func (b *Buffer) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.logs, sessionID)
}

// IsOpen reports whether the session's log currently accepts appends.
func (b *Buffer) IsOpen(sessionID string) bool {
	l := b.lookup(sessionID)
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !l.closed
}

// High returns the highest sequence number appended for the session, or 0.
func (b *Buffer) High(sessionID string) uint64 {
	l := b.lookup(sessionID)
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.segs))
}

// ReadFrom returns the segments of sessionID with a sequence number greater
// than since, in order.
//
// The sequence is lazy: segments are read one by one as the caller ranges.
// Each range is bounded by the log length at the moment that range starts, so
// it always terminates. Ranging again restarts from since and picks up any
// segments appended in between. An unknown session yields nothing.
func (b *Buffer) ReadFrom(sessionID string, since uint64) iter.Seq[types.Segment] {
	l := b.lookup(sessionID)
	return func(yield func(types.Segment) bool) {
		if l == nil {
			return
		}
		l.mu.RLock()
		bound := uint64(len(l.segs))
		l.mu.RUnlock()

		for i := since; i < bound; i++ {
			l.mu.RLock()
			seg := l.segs[i]
			l.mu.RUnlock()
			if !yield(seg) {
				return
			}
		}
	}
}

// Window returns the segments in the inclusive range [from, to], clamped to
// what the log holds.
func (b *Buffer) Window(sessionID string, from, to uint64) []types.Segment {
	l := b.lookup(sessionID)
	if l == nil || to < from {
		return nil
	}
	if from == 0 {
		from = 1
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if to > uint64(len(l.segs)) {
		to = uint64(len(l.segs))
	}
	if from > to {
		return nil
	}
	out := make([]types.Segment, to-from+1)
	copy(out, l.segs[from-1:to])
	return out
}

// Len returns the number of sessions the buffer currently holds.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.logs)
}

func (b *Buffer) lookup(sessionID string) *sessionLog {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.logs[sessionID]
}
