package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/earpiece/pkg/provider/asr"
	"github.com/MrWong99/earpiece/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned when no factory exists for an entry's
// name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is one kind's name to [Factory] table.
type factories[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func create[T any](mu *sync.RWMutex, f *factories[T], entry ProviderEntry) (T, error) {
	var zero T
	mu.RLock()
	mk, ok := f.m[entry.Name]
	mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	p, err := mk(entry)
	if err != nil {
		return zero, err
	}
	if any(p) == nil {
		return zero, fmt.Errorf("config: %s factory %q returned no provider", f.kind, entry.Name)
	}
	return p, nil
}

// Registry maps provider names from the configuration to their factories.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm factories[llm.Provider]
	asr factories[asr.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: factories[llm.Provider]{kind: "llm", m: map[string]Factory[llm.Provider]{}},
		asr: factories[asr.Provider]{kind: "asr", m: map[string]Factory[asr.Provider]{}},
	}
}

// RegisterLLM registers an LLM factory, replacing any previous one of the
// same name.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = f
}

// RegisterASR registers a streaming ASR factory, replacing any previous one
// of the same name.
func (r *Registry) RegisterASR(name string, f Factory[asr.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr.m[name] = f
}

// CreateLLM builds the LLM provider named by entry.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(&r.mu, &r.llm, entry)
}

// CreateASR builds the ASR provider named by entry.
func (r *Registry) CreateASR(entry ProviderEntry) (asr.Provider, error) {
	return create(&r.mu, &r.asr, entry)
}

// Names returns the sorted registered names keyed by kind ("llm", "asr").
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		r.llm.kind: slices.Sorted(maps.Keys(r.llm.m)),
		r.asr.kind: slices.Sorted(maps.Keys(r.asr.m)),
	}
}
