package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/earpiece/pkg/provider/llm"
	"github.com/MrWong99/earpiece/pkg/types"
)

// LLMFallback is an [llm.Provider] that fails over across the configured
// suggestion backends, each behind its own circuit breaker. A completion
// withheld by a content filter is returned as is rather than retried
// elsewhere.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] that prefers primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	requestErr := cfg.RequestError
	cfg.RequestError = func(err error) bool {
		if errors.Is(err, llm.ErrContentFiltered) {
			return true
		}
		return requestErr != nil && requestErr(err)
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend tried after those already registered.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of every backend.
func (f *LLMFallback) States() map[string]State {
	return f.group.States()
}

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens returns the largest estimate among the backends, since any of
// them may end up serving the request. Backends that fail to count are
// skipped; the error is returned only when none succeeds.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	var (
		best int
		ok   bool
		errs []error
	)
	for name, p := range f.group.All() {
		n, err := p.CountTokens(messages)
		if err != nil {
			errs = append(errs, &providerError{name: name, err: err})
			continue
		}
		ok = true
		best = max(best, n)
	}
	if !ok {
		return 0, errors.Join(errs...)
	}
	return best, nil
}

// Capabilities returns the tightest limits across all backends so a request
// sized for them fits whichever one serves it. Zero limits are ignored.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	var caps types.ModelCapabilities
	for _, p := range f.group.All() {
		c := p.Capabilities()
		caps.ContextWindow = minPositive(caps.ContextWindow, c.ContextWindow)
		caps.MaxOutputTokens = minPositive(caps.MaxOutputTokens, c.MaxOutputTokens)
	}
	return caps
}

func minPositive(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	}
	return min(a, b)
}

type providerError struct {
	name string
	err  error
}

func (e *providerError) Error() string { return e.name + ": " + e.err.Error() }
func (e *providerError) Unwrap() error { return e.err }
