package fanout

import (
	"encoding/json"

	"github.com/MrWong99/earpiece/pkg/types"
)

// DeltaType names the kind of change a [Delta] carries.
type DeltaType string

const (
	// DeltaTranscript carries a new transcript segment. SequenceNo is the
	// segment's sequence number.
	DeltaTranscript DeltaType = "transcript_segment"

	// DeltaSuggestion carries a new or updated suggestion. SequenceNo is the
	// suggestion's derived_from_sequence_no.
	DeltaSuggestion DeltaType = "suggestion"

	// DeltaStateChange carries the session state. SequenceNo is the transcript
	// high-water mark when the delta was emitted.
	DeltaStateChange DeltaType = "state_change"

	// DeltaPartial carries an interim caption line. It has no sequence number,
	// is never replayed, and is skipped for connections whose queue is full.
	DeltaPartial DeltaType = "partial"
)

// Delta is one server-to-surface message.
type Delta struct {
	Type       DeltaType `json:"type"`
	SessionID  string    `json:"session_id"`
	SequenceNo uint64    `json:"sequence_no"`
	Payload    any       `json:"payload"`
}

// StatePayload is the payload of a [DeltaStateChange].
type StatePayload struct {
	// Status is the session status, or "deleted" for the final delta sent
	// when a session is purged.
	Status         string         `json:"status"`
	Recording      bool           `json:"recording"`
	OverlayVisible bool           `json:"overlay_visible"`
	Session        *types.Session `json:"session,omitempty"`
}

// StatusDeleted is the status carried by the final delta of a purged session.
const StatusDeleted = "deleted"

// PartialPayload is the payload of a [DeltaPartial].
type PartialPayload struct {
	Speaker types.Speaker `json:"speaker"`
	Text    string        `json:"text"`
}

// SegmentDelta wraps a transcript segment.
func SegmentDelta(seg types.Segment) Delta {
	return Delta{Type: DeltaTranscript, SessionID: seg.SessionID, SequenceNo: seg.SequenceNo, Payload: seg}
}

// SuggestionDelta wraps a suggestion.
func SuggestionDelta(sg types.Suggestion) Delta {
	return Delta{Type: DeltaSuggestion, SessionID: sg.SessionID, SequenceNo: sg.DerivedFromSequenceNo, Payload: sg}
}

// StateDelta builds a state change for sess at transcript high-water mark high.
func StateDelta(sess types.Session, high uint64) Delta {
	return Delta{
		Type:       DeltaStateChange,
		SessionID:  sess.ID,
		SequenceNo: high,
		Payload: StatePayload{
			Status:         string(sess.Status),
			Recording:      sess.Recording,
			OverlayVisible: sess.OverlayVisible,
			Session:        &sess,
		},
	}
}

// DeletedDelta is the final delta sent to surfaces of a purged session.
func DeletedDelta(sessionID string, high uint64) Delta {
	return Delta{
		Type:       DeltaStateChange,
		SessionID:  sessionID,
		SequenceNo: high,
		Payload:    StatePayload{Status: StatusDeleted},
	}
}

// PartialDelta wraps an interim transcript.
func PartialDelta(sessionID string, speaker types.Speaker, text string) Delta {
	return Delta{Type: DeltaPartial, SessionID: sessionID, Payload: PartialPayload{Speaker: speaker, Text: text}}
}

// Command is a control message sent by a surface.
type Command struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Command names understood by the session manager.
const (
	CmdStartRecording = "startRecording"
	CmdStopRecording  = "stopRecording"
	CmdToggleOverlay  = "toggleOverlay"
	CmdFeedback       = "feedback"
	CmdEndSession     = "endSession"
)

// FeedbackArgs are the arguments of a [CmdFeedback] command.
type FeedbackArgs struct {
	SuggestionID string `json:"suggestion_id"`
	Accepted     bool   `json:"accepted"`
	Rating       int    `json:"rating"`
}

// ClientMessage is the envelope of every surface-to-server message.
type ClientMessage struct {
	// Type is "command" or "ack".
	Type       string          `json:"type"`
	Name       string          `json:"name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	SequenceNo uint64          `json:"sequence_no,omitempty"`
}
