package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/stagehand/internal/observe"
	"github.com/MrWong99/stagehand/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over across several backends.
//
// Its errors keep the typed failure of the last backend that actually ran:
// when every breaker is open the result is [llm.ErrProvider]. A cancelled
// context is returned unwrapped and never counts against a breaker.
type LLMFallback struct {
	group   *FallbackGroup[llm.Provider]
	metrics *observe.Metrics
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the first backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group:   NewFallbackGroup(primary, primaryName, cfg),
		metrics: observe.DefaultMetrics(),
	}
}

// WithMetrics replaces the metrics sink and returns f.
func (f *LLMFallback) WithMetrics(m *observe.Metrics) *LLMFallback {
	if m != nil {
		f.metrics = m
	}
	return f
}

// AddFallback registers another backend tried after every earlier one.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Backends returns the backend names in the order they are tried.
func (f *LLMFallback) Backends() []string { return f.group.Names() }

// States returns the breaker state of each backend keyed by name.
func (f *LLMFallback) States() map[string]State { return f.group.States() }

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	first := true
	resp, err := ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		if !first {
			f.metrics.RecordProviderRequest(ctx, "fallback", "llm", "failover")
		}
		first = false
		return p.Complete(ctx, req)
	})
	if err == nil {
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, context.Canceled) {
		return nil, ctxErr
	}
	if llm.IsGenerationFailure(err) {
		return nil, err
	}
	// Every breaker was open, or a backend broke the typed-error contract.
	return nil, fmt.Errorf("%w: fallback: %w", llm.ErrProvider, err)
}

// Capabilities implements [llm.Provider]. It reports the primary backend.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}
