package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/stagehand/pkg/provider/image"
	"github.com/MrWong99/stagehand/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by the Create methods when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds an LLM provider from its configuration block.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// ImageFactory builds an image provider from its configuration block.
type ImageFactory func(ProviderEntry) (image.Provider, error)

// Registry maps provider names to constructors. It is safe for concurrent
// use.
type Registry struct {
	mu    sync.RWMutex
	llm   map[string]LLMFactory
	image map[string]ImageFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:   make(map[string]LLMFactory),
		image: make(map[string]ImageFactory),
	}
}

// RegisterLLM registers an LLM provider factory under name. A later call
// with the same name replaces the earlier one.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// LLMNames returns the registered LLM provider names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llm))
	for name := range r.llm {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateLLM instantiates the provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create llm/%q: %w", entry.Name, err)
	}
	return p, nil
}

// RegisterImage registers an image provider factory under name.
func (r *Registry) RegisterImage(name string, factory ImageFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.image[name] = factory
}

// ImageNames returns the registered image provider names, sorted.
func (r *Registry) ImageNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.image))
	for name := range r.image {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateImage instantiates the image provider registered under entry.Name.
func (r *Registry) CreateImage(entry ProviderEntry) (image.Provider, error) {
	r.mu.RLock()
	factory, ok := r.image[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: image/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create image/%q: %w", entry.Name, err)
	}
	return p, nil
}
