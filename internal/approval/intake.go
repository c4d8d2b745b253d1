package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Actor identifies who submitted a decision.
type Actor struct {
	UserID string
	Name   string
}

// String returns the display name, falling back to the user id.
func (a Actor) String() string {
	if a.Name != "" {
		return a.Name
	}
	return a.UserID
}

// Receipt is the content-agnostic result of a submitted decision, suitable
// for echoing back to any DM surface.
type Receipt struct {
	Kind      string `json:"kind"`
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`

	// NewRequestID is set when a rejection queued a regeneration.
	NewRequestID string `json:"new_request_id,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
}

// Handler applies decisions for one kind of content. Submit returns an error
// wrapping [ErrNotFound] when the request id does not belong to it.
type Handler interface {
	Kind() string
	Submit(ctx context.Context, requestID string, d Decision, who Actor) (Receipt, error)
}

// Intake is the single entry point DM surfaces use to decide on any pending
// content. It routes by request id to whichever registered [Handler] owns it.
type Intake struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewIntake creates an Intake routing to handlers in order.
func NewIntake(handlers ...Handler) *Intake {
	return &Intake{handlers: handlers}
}

// Register adds h. Handlers are consulted in registration order.
func (in *Intake) Register(h Handler) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handlers = append(in.handlers, h)
}

// Kinds lists registered handler kinds in order.
func (in *Intake) Kinds() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	kinds := make([]string, len(in.handlers))
	for i, h := range in.handlers {
		kinds[i] = h.Kind()
	}
	return kinds
}

// SubmitDecision applies d to requestID on behalf of who. It returns
// [ErrNotFound] when no handler owns the id and [ErrAlreadyResolved] when
// another DM got there first.
func (in *Intake) SubmitDecision(ctx context.Context, requestID string, d Decision, who Actor) (Receipt, error) {
	if d == nil {
		return Receipt{}, fmt.Errorf("approval: submit %s: %w: nil decision", requestID, ErrInvalidDecision)
	}

	in.mu.RLock()
	handlers := append([]Handler(nil), in.handlers...)
	in.mu.RUnlock()

	for _, h := range handlers {
		r, err := h.Submit(ctx, requestID, d, who)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrAlreadyResolved) {
				slog.Info("approval: decision lost race",
					"kind", h.Kind(), "request_id", requestID, "by", who.String())
			}
			return Receipt{}, err
		}
		slog.Info("approval: decision applied",
			"kind", r.Kind, "request_id", requestID, "decision", DecisionKind(d),
			"outcome", r.Outcome, "by", who.String())
		return r, nil
	}
	return Receipt{}, fmt.Errorf("approval: submit %s: %w", requestID, ErrNotFound)
}

// ── Queue-backed handler ───────────────────────────────────────────────────

// ApplyFunc acts on the outcome of a resolved request: delivering approved
// content, re-enqueuing generation for a retry, or surfacing a terminal
// failure. It runs after the request has left the queue.
type ApplyFunc[T any] func(ctx context.Context, out Outcome[T], who Actor) (Receipt, error)

// QueueHandler adapts a [Queue] and an [ApplyFunc] into a [Handler].
type QueueHandler[T any] struct {
	kind  string
	queue *Queue[T]
	apply ApplyFunc[T]
}

var _ Handler = (*QueueHandler[struct{}])(nil)

// NewQueueHandler creates a handler named kind over q. apply may be nil, in
// which case the receipt only reports the outcome.
func NewQueueHandler[T any](kind string, q *Queue[T], apply ApplyFunc[T]) *QueueHandler[T] {
	return &QueueHandler[T]{kind: kind, queue: q, apply: apply}
}

// Kind implements [Handler].
func (h *QueueHandler[T]) Kind() string { return h.kind }

// Submit implements [Handler].
func (h *QueueHandler[T]) Submit(ctx context.Context, requestID string, d Decision, who Actor) (Receipt, error) {
	out, err := h.queue.Resolve(ctx, requestID, d, who.String())
	if err != nil {
		return Receipt{}, err
	}
	if h.apply != nil {
		return h.apply(ctx, out, who)
	}
	return ReceiptFor(h.kind, out), nil
}

// ReceiptFor summarises out as a [Receipt].
func ReceiptFor[T any](kind string, out Outcome[T]) Receipt {
	r := Receipt{
		Kind:      kind,
		RequestID: out.Pending().RequestID,
		Outcome:   OutcomeKind(out),
	}
	if retry, ok := out.(Retry[T]); ok {
		r.NewRequestID = retry.NewRequestID
		r.Attempt = retry.Attempt
	}
	return r
}
