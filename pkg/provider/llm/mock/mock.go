// Package mock provides a scriptable [llm.Provider] for tests.
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Mention specific metrics"},
//	}
//
// Set fields before the provider is shared; calls are recorded under a mutex
// and can be read back with [Provider.Calls].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earpiece/pkg/provider/llm"
	"github.com/MrWong99/earpiece/pkg/types"
)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a test double for [llm.Provider]. The zero value answers every
// call with zero values.
type Provider struct {
	mu sync.Mutex

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// CompleteFunc overrides CompleteResponse and CompleteErr, for scripts
	// such as failing once or blocking until cancelled.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	TokenCount     int
	CountTokensErr error

	// CountTokensFunc overrides TokenCount and CountTokensErr.
	CountTokensFunc func(messages []types.Message) (int, error)

	ModelCapabilities types.ModelCapabilities

	// CompleteCalls holds every Complete call in order.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// CountTokens implements [llm.Provider].
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	fn, n, err := p.CountTokensFunc, p.TokenCount, p.CountTokensErr
	p.mu.Unlock()

	if fn != nil {
		return fn(messages)
	}
	return n, err
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a snapshot of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.CompleteCalls...)
}
