package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Journal persists queue contents so pending approvals survive a restart.
// The in-memory [Queue] stays authoritative; journal errors are logged and
// never fail the queue operation that caused them.
type Journal interface {
	// Append inserts or updates the entry for (Queue, RequestID).
	Append(ctx context.Context, e Entry) error

	// MarkResolved records that the request left the queue.
	MarkResolved(ctx context.Context, r Resolution) error

	// Unresolved returns every entry of queue that has not been resolved.
	Unresolved(ctx context.Context, queue string) ([]Entry, error)
}

// Entry is the persisted form of a [Pending] item with its payload as JSON.
type Entry struct {
	Queue      string
	RequestID  string
	Scope      Scope
	CreatedAt  time.Time
	RetryCount int
	Attempt    int
	Guidance   string
	Urgency    Urgency
	Failed     bool
	Payload    json.RawMessage
}

// Decode converts e back into a Pending item.
func Decode[T any](e Entry) (Pending[T], error) {
	var payload T
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return Pending[T]{}, fmt.Errorf("approval: decode %s/%s: %w", e.Queue, e.RequestID, err)
	}
	return Pending[T]{
		RequestID:  e.RequestID,
		CreatedAt:  e.CreatedAt,
		Payload:    payload,
		RetryCount: e.RetryCount,
		Attempt:    e.Attempt,
		Guidance:   e.Guidance,
		Scope:      e.Scope,
		Urgency:    e.Urgency,
		Failed:     e.Failed,
	}, nil
}

// Recover reloads the unresolved entries of q's name from j into q. Entries
// that fail to decode are skipped and reported in the joined error.
func Recover[T any](ctx context.Context, q *Queue[T], j Journal) (int, error) {
	entries, err := j.Unresolved(ctx, q.Name())
	if err != nil {
		return 0, fmt.Errorf("approval: recover %s: %w", q.Name(), err)
	}
	items := make([]Pending[T], 0, len(entries))
	var errs []error
	for _, e := range entries {
		p, err := Decode[T](e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, p)
	}
	n, err := q.Restore(ctx, items)
	if err != nil {
		errs = append(errs, err)
	}
	return n, errors.Join(errs...)
}
