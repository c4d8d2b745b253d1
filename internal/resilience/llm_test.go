package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/observe"
	"github.com/MrWong99/stagehand/internal/resilience"
	"github.com/MrWong99/stagehand/pkg/provider/llm"
	"github.com/MrWong99/stagehand/pkg/provider/llm/mock"
	"go.opentelemetry.io/otel/metric/noop"
)

func newLLMFallback(t *testing.T, primary, secondary llm.Provider) *resilience.LLMFallback {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), clock.DefaultEpoch)
	f := resilience.NewLLMFallback(primary, "primary", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour, Clock: clk},
	}).WithMetrics(met)
	f.AddFallback("secondary", secondary)
	return f
}

func userRequest() llm.CompletionRequest {
	return llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "Who is in the tavern?"}}}
}

func TestLLMFallback_FailsOver(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{CompleteErr: llm.Classify("primary", context.DeadlineExceeded)}
	secondary := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Mara"}}
	f := newLLMFallback(t, primary, secondary)

	resp, err := f.Complete(context.Background(), userRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Mara" {
		t.Errorf("Content = %q, want Mara", resp.Content)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.CallCount(), secondary.CallCount())
	}
}

func TestLLMFallback_KeepsTypedFailure(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{CompleteErr: llm.Classify("primary", errors.New("503"))}
	secondary := &mock.Provider{CompleteErr: llm.Malformed("secondary", "no choices")}
	f := newLLMFallback(t, primary, secondary)

	_, err := f.Complete(context.Background(), userRequest())
	if !errors.Is(err, llm.ErrMalformedResponse) {
		t.Errorf("err = %v, want ErrMalformedResponse from the last backend", err)
	}
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}

	// Both breakers are open now.
	_, err = f.Complete(context.Background(), userRequest())
	if !llm.IsGenerationFailure(err) || !errors.Is(err, llm.ErrProvider) {
		t.Errorf("err = %v, want ErrProvider when every breaker is open", err)
	}
	if primary.CallCount() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.CallCount())
	}
}

func TestLLMFallback_CancellationIsNotAFailover(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &mock.Provider{CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, ctx.Err()
	}}
	secondary := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "unused"}}
	f := newLLMFallback(t, primary, secondary)

	_, err := f.Complete(ctx, userRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if llm.IsGenerationFailure(err) {
		t.Error("cancellation reported as a generation failure")
	}
	if secondary.CallCount() != 0 {
		t.Error("fell over to the secondary on cancellation")
	}
	if got := f.States()["primary"]; got != resilience.StateClosed {
		t.Errorf("primary state = %v, want closed", got)
	}
}

func TestLLMFallback_CapabilitiesFromPrimary(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{ModelCapabilities: llm.ModelCapabilities{SupportsToolCalling: true, ContextWindow: 128000}}
	f := newLLMFallback(t, primary, &mock.Provider{})

	if got := f.Capabilities(); !got.SupportsToolCalling || got.ContextWindow != 128000 {
		t.Errorf("Capabilities() = %+v", got)
	}
	if got := f.Backends(); len(got) != 2 {
		t.Errorf("Backends() = %v", got)
	}
}
