package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Typed generation failures. Every error a [Provider] returns (other than a
// cancelled context) wraps exactly one of these.
var (
	// ErrTimeout is returned when the backend did not answer within the
	// request deadline.
	ErrTimeout = errors.New("llm: timeout")

	// ErrMalformedResponse is returned when the backend answered but the
	// answer could not be used (no choices, unparseable content).
	ErrMalformedResponse = errors.New("llm: malformed response")

	// ErrProvider is returned for any other backend failure (auth, rate
	// limit, 5xx, network).
	ErrProvider = errors.New("llm: provider error")
)

// Classify wraps err with the matching typed failure. A nil err returns nil;
// an error that already carries a typed failure is returned unchanged;
// context.Canceled is returned unwrapped.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if IsGenerationFailure(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, provider, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, provider, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrProvider, provider, err)
}

// Malformed builds an [ErrMalformedResponse] with a provider-scoped reason.
func Malformed(provider, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedResponse, provider, reason)
}

// IsGenerationFailure reports whether err is one of the typed generation
// failures. Cancellation and programmer errors are not.
func IsGenerationFailure(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrMalformedResponse) ||
		errors.Is(err, ErrProvider)
}
