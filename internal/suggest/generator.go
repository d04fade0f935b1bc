package suggest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/earpiece/internal/observe"
	"github.com/MrWong99/earpiece/pkg/provider/llm"
	"github.com/MrWong99/earpiece/pkg/types"
)

// Defaults for [LLMGenerator].
const (
	DefaultSystemPrompt = "You are an AI interview assistant. Provide helpful, concise suggestions based on the conversation context and user's background. Keep responses under 3 bullet points and be specific."
	DefaultTemperature  = 0.7
	DefaultMaxTokens    = 300
	DefaultModel        = "gpt-4o-mini"
)

// instructions holds the per-kind request appended to the prompt.
var instructions = map[types.SuggestionKind]string{
	types.KindAnswer:   "Based on the question being asked, provide a structured answer suggestion that incorporates the user's background and experience. Format as bullet points.",
	types.KindQuestion: "Suggest thoughtful follow-up questions the user could ask to show engagement and interest. Make them relevant to the conversation.",
	types.KindTip:      "Provide helpful interview tips or advice based on what's happening in the conversation. Focus on practical suggestions.",
	types.KindCode:     "If this is a coding interview, provide code examples or algorithmic approaches. Keep it concise and relevant to the discussion.",
}

// GeneratorOption configures an [LLMGenerator].
type GeneratorOption func(*LLMGenerator)

// WithSystemPrompt overrides [DefaultSystemPrompt].
func WithSystemPrompt(prompt string) GeneratorOption {
	return func(g *LLMGenerator) { g.systemPrompt = prompt }
}

// WithTemperature overrides [DefaultTemperature].
func WithTemperature(t float64) GeneratorOption {
	return func(g *LLMGenerator) { g.temperature = t }
}

// WithMaxTokens overrides [DefaultMaxTokens].
func WithMaxTokens(n int) GeneratorOption {
	return func(g *LLMGenerator) { g.maxTokens = n }
}

// WithModelName sets the model name recorded on suggestions when the
// provider does not report one.
func WithModelName(name string) GeneratorOption {
	return func(g *LLMGenerator) { g.model = name }
}

// WithProviderName sets the provider label used on provider metrics.
func WithProviderName(name string) GeneratorOption {
	return func(g *LLMGenerator) { g.providerName = name }
}

// WithGeneratorMetrics overrides [observe.DefaultMetrics].
func WithGeneratorMetrics(m *observe.Metrics) GeneratorOption {
	return func(g *LLMGenerator) { g.metrics = m }
}

// LLMGenerator is a [Generator] backed by an [llm.Provider].
type LLMGenerator struct {
	provider     llm.Provider
	systemPrompt string
	temperature  float64
	maxTokens    int
	model        string
	providerName string
	metrics      *observe.Metrics
}

var _ Generator = (*LLMGenerator)(nil)

// NewLLMGenerator creates an [LLMGenerator].
func NewLLMGenerator(provider llm.Provider, opts ...GeneratorOption) (*LLMGenerator, error) {
	if provider == nil {
		return nil, errors.New("suggest: llm provider is required")
	}
	g := &LLMGenerator{
		provider:     provider,
		systemPrompt: DefaultSystemPrompt,
		temperature:  DefaultTemperature,
		maxTokens:    DefaultMaxTokens,
		model:        DefaultModel,
		providerName: "llm",
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g, nil
}

// Generate turns the window into one completion request.
func (g *LLMGenerator) Generate(ctx context.Context, sessionID string, w Window) (Candidate, error) {
	if len(w.Segments) == 0 {
		return Candidate{}, errors.New("suggest: empty window")
	}
	kind := chooseKind(w)
	req := g.fit(w, kind)

	resp, err := g.provider.Complete(ctx, req)
	if err != nil {
		g.metrics.RecordProviderRequest(ctx, g.providerName, "llm", "error")
		g.metrics.RecordProviderError(ctx, g.providerName, "llm")
		return Candidate{}, fmt.Errorf("suggest: complete for session %s: %w", sessionID, err)
	}
	g.metrics.RecordProviderRequest(ctx, g.providerName, "llm", "ok")
	if resp == nil {
		return Candidate{}, errEmptyCandidate
	}

	model := resp.Model
	if model == "" {
		model = g.model
	}
	text := resp.Content
	if resp.Truncated {
		text = dropPartialLine(text)
	}
	return Candidate{
		Text:             strings.TrimSpace(text),
		Kind:             kind,
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// fit builds the completion request, clamping MaxTokens to the model's output
// limit and dropping the oldest context segments until the prompt fits the
// context window. The window segments themselves are never dropped.
func (g *LLMGenerator) fit(w Window, kind types.SuggestionKind) llm.CompletionRequest {
	caps := g.provider.Capabilities()
	req := llm.CompletionRequest{
		SystemPrompt: g.systemPrompt,
		Temperature:  g.temperature,
		MaxTokens:    g.maxTokens,
	}
	if caps.MaxOutputTokens > 0 && req.MaxTokens > caps.MaxOutputTokens {
		req.MaxTokens = caps.MaxOutputTokens
	}
	budget := caps.ContextWindow - req.MaxTokens
	for {
		req.Messages = []types.Message{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: buildPrompt(w, kind)},
		}
		if caps.ContextWindow <= 0 || len(w.Context) == 0 {
			break
		}
		n, err := g.provider.CountTokens(req.Messages)
		if err != nil || n <= budget {
			break
		}
		w.Context = w.Context[1:]
	}
	req.Messages = req.Messages[1:]
	return req
}

// dropPartialLine removes a trailing line cut off by the token limit. A
// single-line completion is kept as is.
func dropPartialLine(text string) string {
	text = strings.TrimRight(text, " \t")
	if strings.HasSuffix(text, "\n") {
		return text
	}
	if i := strings.LastIndexByte(text, '\n'); i > 0 {
		return text[:i]
	}
	return text
}

// chooseKind picks what to ask the model for from the session type and the
// most recent segment.
func chooseKind(w Window) types.SuggestionKind {
	switch strings.ToLower(w.SessionType) {
	case "coding", "technical", "live-coding":
		return types.KindCode
	}
	last := w.Segments[len(w.Segments)-1]
	text := strings.ToLower(last.Text)
	switch last.Speaker {
	case types.SpeakerInterviewer:
		if strings.Contains(text, "any questions") || strings.Contains(text, "questions for me") {
			return types.KindQuestion
		}
		return types.KindAnswer
	case types.SpeakerUser:
		return types.KindTip
	}
	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		return types.KindAnswer
	}
	return types.KindTip
}

// buildPrompt renders the context and window as "speaker: text" lines.
func buildPrompt(w Window, kind types.SuggestionKind) string {
	var b strings.Builder
	if len(w.Context) > 0 {
		b.WriteString("Earlier in the conversation:\n")
		writeLines(&b, w.Context)
		b.WriteString("\n")
	}
	b.WriteString("Context from conversation:\n")
	writeLines(&b, w.Segments)
	b.WriteString("\nSuggestion type: ")
	b.WriteString(string(kind))
	b.WriteString("\n")
	b.WriteString(instructions[kind])
	return b.String()
}

func writeLines(b *strings.Builder, segs []types.Segment) {
	for _, s := range segs {
		speaker := s.Speaker
		if speaker == "" {
			speaker = types.SpeakerUnknown
		}
		fmt.Fprintf(b, "%s: %s\n", speaker, s.Text)
	}
}
