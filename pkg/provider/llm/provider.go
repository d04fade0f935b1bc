// Package llm defines the Provider interface the suggestion engine uses to turn
// a transcript window into suggestion text.
//
// Backends live in subpackages: openai talks to the OpenAI API (or any
// compatible endpoint) directly, anyllm covers the other hosted and local
// vendors through any-llm-go. Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"errors"

	"github.com/MrWong99/earpiece/pkg/types"
)

// ErrContentFiltered is returned when the backend withheld the completion
// under its content policy. Retrying the same window will not help.
var ErrContentFiltered = errors.New("llm: completion withheld by content filter")

// Usage is the token accounting reported by the backend, in the model's own
// token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is one non-streaming completion.
type CompletionRequest struct {
	// SystemPrompt is sent ahead of Messages with the system role.
	SystemPrompt string

	// Messages is the ordered conversation; it must not be empty.
	Messages []types.Message

	// Temperature in [0, 2]. Zero leaves the backend default.
	Temperature float64

	// MaxTokens caps the completion length. Zero leaves the backend default.
	MaxTokens int
}

// CompletionResponse is the result of [Provider.Complete].
type CompletionResponse struct {
	Content string

	// Model is the model that served the request when the backend reports
	// it, otherwise the configured model name.
	Model string

	Usage Usage

	// Truncated reports that generation stopped at MaxTokens, so the last
	// line of Content may be cut off.
	Truncated bool
}

// Provider is a chat completion backend.
//
// Complete must return promptly once ctx is cancelled; sessions that end
// abandon their in-flight generation this way.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates what messages would cost in the context window.
	// It may overcount but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	Capabilities() types.ModelCapabilities
}

// EstimateTokens approximates a token count at four bytes per token plus a
// fixed per-message overhead for role and framing.
func EstimateTokens(messages []types.Message) int {
	const perMessage = 4
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + perMessage
	}
	return total
}
