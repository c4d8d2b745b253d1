// Package genqueue is the bounded queue of work waiting for AI generation:
// player actions awaiting an NPC response, staging regenerations, outcome
// suggestions and asset requests.
//
// The queue is FIFO. An optional [Priority] is applied as a sort key when an
// item is inserted (behind every item of equal or higher priority); items
// are never reordered afterwards. Producers never block: a full queue
// rejects with [ErrBackpressure].
package genqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/observe"
)

// DefaultCapacity is used when a queue is created without a capacity.
const DefaultCapacity = 128

// ErrBackpressure is returned when the queue is at capacity. It is the same
// value as [approval.ErrBackpressure].
var ErrBackpressure = approval.ErrBackpressure

// ErrClosed is returned by [Queue.Dequeue] once the queue is closed and
// drained, and by enqueues after [Queue.Close].
var ErrClosed = errors.New("genqueue: closed")

// Priority orders items at insertion. Higher is served first.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

// Item is one unit of generation work.
type Item struct {
	ID         string
	EnqueuedAt time.Time
	Priority   Priority
	Payload    Payload

	// Attempt mirrors the approval retry count this work descends from.
	Attempt int

	// Feedback is the DM's rejection feedback carried into the next prompt.
	Feedback string

	// InfraAttempt counts worker-level retries after collaborator failures.
	// It is independent of Attempt.
	InfraAttempt int
}

// Queue is a bounded FIFO of generation [Item]s.
type Queue struct {
	name     string
	capacity int
	clock    clock.Clock
	metrics  *observe.Metrics

	mu     sync.Mutex
	items  []Item
	closed bool

	ready chan struct{}
	done  chan struct{}
}

// Option configures a [Queue].
type Option func(*Queue)

// WithClock sets the clock used for EnqueuedAt.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a queue called name holding at most capacity items. A
// non-positive capacity means [DefaultCapacity].
func New(name string, capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		name:     name,
		capacity: capacity,
		items:    make([]Item, 0, capacity),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.clock == nil {
		q.clock = clock.NewWorld(time.Time{})
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue adds new work. ID and EnqueuedAt are assigned when empty. It
// returns the stored item, or [ErrBackpressure] at once if the queue is full.
func (q *Queue) Enqueue(ctx context.Context, it Item) (Item, error) {
	if it.Payload == nil {
		return Item{}, fmt.Errorf("genqueue: enqueue %s: nil payload", q.name)
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = q.clock.Now()
	}
	if err := q.insert(ctx, it); err != nil {
		return Item{}, fmt.Errorf("genqueue: enqueue %s: %w", q.name, err)
	}
	return it, nil
}

// Requeue puts a failed item back for another infrastructure attempt. It is
// placed by priority like a new item and is subject to the same capacity.
func (q *Queue) Requeue(ctx context.Context, it Item) error {
	if err := q.insert(ctx, it); err != nil {
		return fmt.Errorf("genqueue: requeue %s: %w", q.name, err)
	}
	return nil
}

func (q *Queue) insert(ctx context.Context, it Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		q.metrics.RecordBackpressure(ctx, q.name)
		return ErrBackpressure
	}
	// Behind every item of equal or higher priority.
	pos := len(q.items)
	for pos > 0 && q.items[pos-1].Priority < it.Priority {
		pos--
	}
	q.items = append(q.items, Item{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = it
	q.mu.Unlock()

	q.metrics.RecordEnqueue(ctx, q.name)
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the head item, blocking until one is available,
// ctx is done, or the queue is closed and empty.
func (q *Queue) Dequeue(ctx context.Context) (Item, error) {
	for {
		if it, ok := q.TryDequeue(ctx); ok {
			return it, nil
		}
		q.mu.Lock()
		closed := q.closed && len(q.items) == 0
		q.mu.Unlock()
		if closed {
			return Item{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.ready:
		case <-q.done:
		}
	}
}

// TryDequeue removes and returns the head item without blocking.
func (q *Queue) TryDequeue(ctx context.Context) (Item, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Item{}, false
	}
	it := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	more := len(q.items) > 0
	q.mu.Unlock()

	q.metrics.RecordDequeue(ctx, q.name, 1)
	if more {
		// Wake the next waiting consumer.
		q.signal()
	}
	return it, true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued items in service order.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

// Close stops accepting work. Items already queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
