// Package asr defines the Provider interface for automatic speech recognition
// backends.
//
// An ASR provider wraps a real-time transcription service (e.g., Deepgram or a
// self-hosted streaming recogniser) and exposes a uniform push interface. The
// central abstraction is SessionHandle: once opened, a handle accepts raw PCM
// audio chunks and emits three streams. Partials feed the live caption line.
// Finals become transcript segments. Per-chunk TranscriptionErrors are logged
// by the caller without ending the session.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package asr

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/earpiece/pkg/types"
)

// ErrHandleClosed is returned by SendAudio once the handle has been closed.
var ErrHandleClosed = errors.New("asr: handle closed")

// TranscriptionError reports that the recogniser failed on part of the audio
// stream. It is never fatal to the session: the handle keeps accepting audio.
type TranscriptionError struct {
	// Provider names the backend that produced the error (e.g., "deepgram").
	Provider string

	// Message is the backend's description of the failure.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements error.
func (e *TranscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("asr: %s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("asr: %s: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *TranscriptionError) Unwrap() error { return e.Err }

// StreamConfig describes the audio format and recognition hints for a new ASR
// stream. All fields must be compatible with what the underlying provider supports;
// see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SessionID is the Earpiece session the stream belongs to. Providers may use
	// it for request tagging; it has no effect on recognition.
	SessionID string

	// SampleRate is the audio sample rate in Hz. 16000 is the usual mono rate
	// produced by the desktop and extension capture paths.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US", "de-DE").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Diarize asks the provider to label speakers. The ingestion pipeline maps
	// provider speaker labels onto user/interviewer.
	Diarize bool
}

// SessionHandle represents an open ASR stream. It is an interface so that test
// code can provide mock implementations without a live provider connection.
//
// Callers must call Close when the stream is no longer needed. All methods must
// be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider. Calling
	// SendAudio after Close returns [ErrHandleClosed].
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of interim transcripts. These must not
	// be written to the transcript buffer. The channel is closed when the stream ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel of authoritative transcripts; each one
	// becomes a transcript segment. The channel is closed when the stream ends.
	Finals() <-chan types.Transcript

	// Errors returns a read-only channel of per-chunk recognition failures,
	// typically *[TranscriptionError]. The channel is closed when the stream ends.
	Errors() <-chan error

	// Close terminates the stream, flushes pending audio, and releases all
	// resources. After Close returns, all output channels are closed. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any ASR backend.
//
// Implementations must be safe for concurrent use; one stream is opened per
// active session.
type Provider interface {
	// StartStream opens a new streaming recognition session. The returned
	// SessionHandle is ready to accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
