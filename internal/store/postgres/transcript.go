package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/earpiece/pkg/types"
)

// AppendSegment implements [store.Store]. Re-appending an existing sequence
// number is ignored, which keeps a retried write-through harmless.
func (s *Store) AppendSegment(ctx context.Context, seg types.Segment) error {
	const q = `
		INSERT INTO transcript_segments
		    (session_id, sequence_no, speaker, text, produced_at, start_ms, end_ms, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, sequence_no) DO NOTHING`

	_, err := s.db.Exec(ctx, q,
		seg.SessionID,
		int64(seg.SequenceNo),
		string(seg.Speaker),
		seg.Text,
		seg.ProducedAt,
		seg.StartMs,
		seg.EndMs,
		seg.Confidence,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append segment: %w", err)
	}
	return nil
}

// Segments implements [store.Store].
func (s *Store) Segments(ctx context.Context, sessionID string) ([]types.Segment, error) {
	const q = `
		SELECT sequence_no, speaker, text, produced_at, start_ms, end_ms, confidence
		FROM   transcript_segments
		WHERE  session_id = $1
		ORDER  BY sequence_no`

	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: segments: %w", err)
	}
	segs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Segment, error) {
		var (
			seg     types.Segment
			seq     int64
			speaker string
		)
		if err := row.Scan(&seq, &speaker, &seg.Text, &seg.ProducedAt, &seg.StartMs, &seg.EndMs, &seg.Confidence); err != nil {
			return types.Segment{}, err
		}
		seg.SessionID = sessionID
		seg.SequenceNo = uint64(seq)
		seg.Speaker = types.Speaker(speaker)
		return seg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan segments: %w", err)
	}
	if segs == nil {
		segs = []types.Segment{}
	}
	return segs, nil
}

// SaveSuggestion implements [store.Store]. Only the feedback columns change
// on conflict; the generated content is immutable.
func (s *Store) SaveSuggestion(ctx context.Context, sg types.Suggestion) error {
	const q = `
		INSERT INTO suggestions
		    (id, session_id, derived_from_sequence_no, text, kind, status, rating, score,
		     model, prompt_tokens, completion_tokens, latency_ms, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
		    status      = EXCLUDED.status,
		    rating      = EXCLUDED.rating,
		    resolved_at = EXCLUDED.resolved_at`

	_, err := s.db.Exec(ctx, q,
		sg.ID,
		sg.SessionID,
		int64(sg.DerivedFromSequenceNo),
		sg.Text,
		string(sg.Kind),
		string(sg.Status),
		sg.Rating,
		sg.Score,
		sg.Model,
		sg.PromptTokens,
		sg.CompletionTokens,
		sg.Latency.Milliseconds(),
		sg.CreatedAt,
		sg.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save suggestion: %w", err)
	}
	return nil
}

// Suggestions implements [store.Store].
func (s *Store) Suggestions(ctx context.Context, sessionID string) ([]types.Suggestion, error) {
	const q = `
		SELECT id, derived_from_sequence_no, text, kind, status, rating, score,
		       model, prompt_tokens, completion_tokens, latency_ms, created_at, resolved_at
		FROM   suggestions
		WHERE  session_id = $1
		ORDER  BY created_at, id`

	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: suggestions: %w", err)
	}
	sgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Suggestion, error) {
		var (
			sg           types.Suggestion
			derived      int64
			kind, status string
			latencyMS    int64
		)
		if err := row.Scan(
			&sg.ID,
			&derived,
			&sg.Text,
			&kind,
			&status,
			&sg.Rating,
			&sg.Score,
			&sg.Model,
			&sg.PromptTokens,
			&sg.CompletionTokens,
			&latencyMS,
			&sg.CreatedAt,
			&sg.ResolvedAt,
		); err != nil {
			return types.Suggestion{}, err
		}
		sg.SessionID = sessionID
		sg.DerivedFromSequenceNo = uint64(derived)
		sg.Kind = types.SuggestionKind(kind)
		sg.Status = types.SuggestionStatus(status)
		sg.Latency = time.Duration(latencyMS) * time.Millisecond
		return sg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan suggestions: %w", err)
	}
	if sgs == nil {
		sgs = []types.Suggestion{}
	}
	return sgs, nil
}
