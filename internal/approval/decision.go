package approval

import (
	"encoding/json"
	"fmt"
)

// MaxRetries is how many times a piece of content may be rejected and
// regenerated before the next rejection fails it terminally. Shared by every
// content type.
const MaxRetries = 3

// ── Decisions ──────────────────────────────────────────────────────────────

// Decision is what a human applies to a pending approval. It is a closed set:
// [Accept], [AcceptWithModification], [Reject] and [TakeOver].
//
// Decisions are content-agnostic so one intake can serve every queue. The
// Modification and Content fields carry either a value of the queue's payload
// type or its JSON encoding ([json.RawMessage]); the queue converts them.
type Decision interface {
	decisionKind() string
}

// Accept uses the proposed payload verbatim.
type Accept struct{}

// AcceptWithModification replaces the proposed payload with a human edit.
type AcceptWithModification struct {
	Modification any
}

// Reject discards the proposal. Feedback steers the regeneration.
type Reject struct {
	Feedback string
}

// TakeOver replaces the proposal with human-authored content, bypassing
// generation entirely.
type TakeOver struct {
	Content any
}

func (Accept) decisionKind() string                 { return "accept" }
func (AcceptWithModification) decisionKind() string { return "accept_modified" }
func (Reject) decisionKind() string                 { return "reject" }
func (TakeOver) decisionKind() string               { return "take_over" }

// DecisionKind returns the stable lower-case name of d, used in logs, metrics
// and the journal.
func DecisionKind(d Decision) string {
	if d == nil {
		return "none"
	}
	return d.decisionKind()
}

// payloadAs converts decision content into T. JSON is decoded; a T is used
// as is; anything else is an [ErrInvalidDecision].
func payloadAs[T any](v any) (T, error) {
	var zero T
	switch c := v.(type) {
	case T:
		return c, nil
	case *T:
		if c == nil {
			return zero, fmt.Errorf("%w: nil content", ErrInvalidDecision)
		}
		return *c, nil
	case json.RawMessage:
		return decodeJSON[T](c)
	case []byte:
		return decodeJSON[T](c)
	default:
		return zero, fmt.Errorf("%w: content of type %T, want %T", ErrInvalidDecision, v, zero)
	}
}

func decodeJSON[T any](data []byte) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: decode content: %w", ErrInvalidDecision, err)
	}
	return out, nil
}

// ── Outcomes ───────────────────────────────────────────────────────────────

// Outcome is the result of resolving a pending approval. It is a closed set:
// [Approved], [TakenOver], [Retry] and [TerminallyFailed].
type Outcome[T any] interface {
	// Pending returns the item as it was when it was resolved.
	Pending() Pending[T]

	outcome()
}

// Approved means the content was accepted, with or without a human edit.
type Approved[T any] struct {
	Item     Pending[T]
	Payload  T
	Modified bool
}

// TakenOver means the human replaced the content with their own.
type TakenOver[T any] struct {
	Item    Pending[T]
	Content T
}

// Retry means the content was rejected with budget left. The queue has not
// generated anything: the caller enqueues generation work that will later be
// re-submitted under NewRequestID with RetryCount = Attempt.
type Retry[T any] struct {
	Item         Pending[T]
	NewRequestID string
	Attempt      int
	Feedback     string
}

// TerminallyFailed means the content was rejected with no budget left. The
// item stays parked in the queue's failed set until the DM takes it over,
// regenerates it, or discards it.
type TerminallyFailed[T any] struct {
	Item     Pending[T]
	Feedback string
}

func (o Approved[T]) Pending() Pending[T]         { return o.Item }
func (o TakenOver[T]) Pending() Pending[T]        { return o.Item }
func (o Retry[T]) Pending() Pending[T]            { return o.Item }
func (o TerminallyFailed[T]) Pending() Pending[T] { return o.Item }

func (Approved[T]) outcome()         {}
func (TakenOver[T]) outcome()        {}
func (Retry[T]) outcome()            {}
func (TerminallyFailed[T]) outcome() {}

// OutcomeKind returns the stable lower-case name of o.
func OutcomeKind[T any](o Outcome[T]) string {
	switch o.(type) {
	case Approved[T]:
		return "approved"
	case TakenOver[T]:
		return "taken_over"
	case Retry[T]:
		return "retry"
	case TerminallyFailed[T]:
		return "terminally_failed"
	default:
		return "unknown"
	}
}

// ParseDecision builds a [Decision] from its wire form: a kind as returned by
// [DecisionKind], the rejection feedback, and the JSON content of a
// modification or take-over. Every DM surface funnels through it.
func ParseDecision(kind, feedback string, content json.RawMessage) (Decision, error) {
	switch kind {
	case "accept":
		return Accept{}, nil
	case "accept_modified", "modify":
		if len(content) == 0 {
			return nil, fmt.Errorf("%w: %s needs content", ErrInvalidDecision, kind)
		}
		return AcceptWithModification{Modification: content}, nil
	case "reject":
		return Reject{Feedback: feedback}, nil
	case "take_over":
		if len(content) == 0 {
			return nil, fmt.Errorf("%w: %s needs content", ErrInvalidDecision, kind)
		}
		return TakeOver{Content: content}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDecision, kind)
	}
}
