// Package types defines the shared types used across all Earpiece packages.
//
// These types form the lingua franca between the session manager, the
// transcript buffer, the suggestion engine, the fan-out hub, the store, and the
// ASR/LLM providers. Each package defines its own internal types, but data that
// crosses package boundaries (and the wire) lives here to avoid circular imports.
package types

import "time"

// Status is the lifecycle state of a [Session].
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// IsValid reports whether s is one of the known session states.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusEnded:
		return true
	}
	return false
}

// Platform identifies the meeting software a session is captured from.
type Platform string

const (
	PlatformZoom    Platform = "zoom"
	PlatformMeet    Platform = "meet"
	PlatformTeams   Platform = "teams"
	PlatformDesktop Platform = "desktop"
	PlatformOther   Platform = "other"
)

// IsValid reports whether p is a known platform.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformZoom, PlatformMeet, PlatformTeams, PlatformDesktop, PlatformOther:
		return true
	}
	return false
}

// RetentionPolicy selects how a session's data is expired after it ends.
type RetentionPolicy string

const (
	// RetentionAuto deletes the session once the owner's retention window
	// elapses (if the owner has auto-delete enabled).
	RetentionAuto RetentionPolicy = "auto"

	// RetentionManual keeps the session until the owner deletes it.
	RetentionManual RetentionPolicy = "manual"

	// RetentionNever keeps the session indefinitely; only an explicit delete
	// removes it.
	RetentionNever RetentionPolicy = "never"
)

// IsValid reports whether p is a known retention policy.
func (p RetentionPolicy) IsValid() bool {
	switch p {
	case RetentionAuto, RetentionManual, RetentionNever:
		return true
	}
	return false
}

// Session is one bounded interview-assistance interaction for one user.
//
// Invariant: EndedAt is non-nil iff Status == [StatusEnded].
type Session struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Status          Status          `json:"status"`
	Platform        Platform        `json:"platform"`
	SessionType     string          `json:"session_type"`
	RetentionPolicy RetentionPolicy `json:"retention_policy"`

	// PrivacyMode sessions never persist their transcript and are purged on the
	// first retention sweep after they end.
	PrivacyMode bool `json:"privacy_mode"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Duration is computed when the session ends. Zero before that.
	Duration time.Duration `json:"duration"`

	// Recording and OverlayVisible are UI flags mirrored by every surface.
	Recording      bool `json:"recording"`
	OverlayVisible bool `json:"overlay_visible"`
}

// Speaker identifies who produced a transcript segment.
type Speaker string

const (
	SpeakerUser        Speaker = "user"
	SpeakerInterviewer Speaker = "interviewer"
	SpeakerUnknown     Speaker = "unknown"
)

// Segment is one recognised span of speech in a session's transcript.
// Segments are append-only; SequenceNo strictly increases per session without
// gaps, starting at 1.
type Segment struct {
	SessionID  string    `json:"session_id"`
	SequenceNo uint64    `json:"sequence_no"`
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	ProducedAt time.Time `json:"produced_at"`

	// StartMs and EndMs are offsets into the session's audio stream. Zero when
	// the segment did not come from audio (manual append).
	StartMs int64 `json:"start_ms,omitempty"`
	EndMs   int64 `json:"end_ms,omitempty"`

	// Confidence is the ASR confidence (0.0–1.0), zero when unknown.
	Confidence float64 `json:"confidence,omitempty"`
}

// SuggestionStatus is the feedback state of a [Suggestion].
type SuggestionStatus string

const (
	SuggestionPending   SuggestionStatus = "pending"
	SuggestionAccepted  SuggestionStatus = "accepted"
	SuggestionDismissed SuggestionStatus = "dismissed"
)

// SuggestionKind classifies what a suggestion offers the user.
type SuggestionKind string

const (
	KindAnswer   SuggestionKind = "answer"
	KindQuestion SuggestionKind = "question"
	KindTip      SuggestionKind = "tip"
	KindCode     SuggestionKind = "code"
)

// Suggestion is an AI-generated hint derived from a transcript window.
//
// Invariant: DerivedFromSequenceNo never exceeds the highest transcript
// sequence number at the time the suggestion was created.
type Suggestion struct {
	ID                    string           `json:"id"`
	SessionID             string           `json:"session_id"`
	DerivedFromSequenceNo uint64           `json:"derived_from_sequence_no"`
	Text                  string           `json:"text"`
	Kind                  SuggestionKind   `json:"kind"`
	Status                SuggestionStatus `json:"status"`

	// Rating is the user's 1–5 score, 0 when not rated.
	Rating int `json:"rating"`

	// Score orders suggestions within a session; higher first.
	Score float64 `json:"score"`

	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Latency          time.Duration `json:"latency,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// SurfaceKind identifies a UI consumer attached to a session.
type SurfaceKind string

const (
	SurfaceOverlay   SurfaceKind = "overlay"
	SurfaceExtension SurfaceKind = "extension"
	SurfaceDashboard SurfaceKind = "dashboard"
)

// IsValid reports whether k is a known surface kind.
func (k SurfaceKind) IsValid() bool {
	switch k {
	case SurfaceOverlay, SurfaceExtension, SurfaceDashboard:
		return true
	}
	return false
}

// RetentionRecord schedules the physical deletion of an ended session.
type RetentionRecord struct {
	SessionID   string    `json:"session_id"`
	OwnerID     string    `json:"owner_id"`
	DeleteAfter time.Time `json:"delete_after"`
}

// RetentionSettings is the per-user retention configuration consulted when a
// session ends.
type RetentionSettings struct {
	AutoDeleteEnabled bool `json:"auto_delete_enabled"`

	// RetentionHours is how long an ended session is kept (1–168).
	RetentionHours int `json:"retention_hours"`
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int
}

// Transcript is a speech-to-text result from an ASR provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Speaker is the diarised speaker label, mapped to a [Speaker] by the
	// ingestion pipeline. Empty when diarisation is off.
	Speaker string

	// Start marks when the utterance started, relative to stream start.
	Start time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}
