package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/stagehand/internal/clock"
)

func newGroup(t *testing.T, maxFailures int) *FallbackGroup[string] {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), clock.DefaultEpoch)
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour, Clock: clk},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_TriesInOrder(t *testing.T) {
	t.Parallel()

	fg := newGroup(t, 3)
	if got := fg.Names(); len(got) != 2 || got[0] != "primary" || got[1] != "secondary" {
		t.Fatalf("Names() = %v", got)
	}

	var tried []string
	got, err := ExecuteWithResult(fg, func(v string) (string, error) {
		tried = append(tried, v)
		if v == "primary" {
			return "", errBackend
		}
		return "hello from " + v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "hello from secondary" {
		t.Errorf("result = %q", got)
	}
	if len(tried) != 2 {
		t.Errorf("tried = %v, want both entries", tried)
	}
}

func TestFallbackGroup_AllFailKeepsLastError(t *testing.T) {
	t.Parallel()

	fg := newGroup(t, 3)
	errSecondary := errors.New("secondary down")
	err := fg.Execute(func(v string) error {
		if v == "primary" {
			return errBackend
		}
		return errSecondary
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errSecondary) {
		t.Errorf("err = %v, want it to wrap the last backend error", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	fg := newGroup(t, 1)
	primaryCalls := 0
	run := func() error {
		return fg.Execute(func(v string) error {
			if v == "primary" {
				primaryCalls++
				return errBackend
			}
			return nil
		})
	}

	if err := run(); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := run(); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if primaryCalls != 1 {
		t.Errorf("primary called %d times, want 1 (breaker open on the second run)", primaryCalls)
	}
	if got := fg.States()["primary"]; got != StateOpen {
		t.Errorf("primary state = %v, want open", got)
	}
}

func TestFallbackGroup_AllOpen(t *testing.T) {
	t.Parallel()

	fg := newGroup(t, 1)
	_ = fg.Execute(func(string) error { return errBackend })

	called := false
	err := fg.Execute(func(string) error { called = true; return nil })
	if called {
		t.Error("ran a backend with every breaker open")
	}
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrAllFailed wrapping ErrCircuitOpen", err)
	}
}

func TestFallbackGroup_CancellationStopsWalk(t *testing.T) {
	t.Parallel()

	fg := newGroup(t, 1)
	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want bare context.Canceled", err)
	}
	if len(tried) != 1 {
		t.Errorf("tried = %v, want only the primary", tried)
	}
	if got := fg.States()["primary"]; got != StateClosed {
		t.Errorf("primary state = %v, want closed", got)
	}
}
