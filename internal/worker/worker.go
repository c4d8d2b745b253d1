// Package worker drains generation queues. A [Pool] runs exactly one
// [Worker] per queue; each worker takes one item at a time, runs its
// [Handler] under a bounded timeout and retries collaborator failures a
// limited number of times before giving up loudly.
//
// Infrastructure retries counted here are independent of approval retries:
// an item that keeps failing is re-queued with [genqueue.Item.InfraAttempt]
// incremented, while [genqueue.Item.Attempt] is left as the approval
// workflow set it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/stagehand/internal/genqueue"
	"github.com/MrWong99/stagehand/internal/notify"
	"github.com/MrWong99/stagehand/internal/observe"
)

const (
	// DefaultTimeout bounds one handler call when a worker sets none.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxInfraRetries is how many times a failed item is re-queued
	// before the worker gives up on it.
	DefaultMaxInfraRetries = 2
)

// Handler processes one generation item. Returning an error counts as an
// infrastructure failure and may cause the item to be retried.
type Handler interface {
	Handle(ctx context.Context, it genqueue.Item) error
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, it genqueue.Item) error

// Handle implements [Handler].
func (f HandlerFunc) Handle(ctx context.Context, it genqueue.Item) error { return f(ctx, it) }

// Source is the consumer side of a generation queue.
type Source interface {
	Name() string
	Dequeue(ctx context.Context) (genqueue.Item, error)
	Requeue(ctx context.Context, it genqueue.Item) error
}

var _ Source = (*genqueue.Queue)(nil)

// GiveUpFunc is called once for an item the worker will not retry again.
type GiveUpFunc func(ctx context.Context, it genqueue.Item, err error)

// Worker binds a queue to the handler that serves it.
type Worker struct {
	// Name identifies the worker in logs, metrics and failure events.
	// Defaults to the queue name.
	Name    string
	Queue   Source
	Handler Handler

	// Timeout bounds each handler call. Zero means [DefaultTimeout].
	Timeout time.Duration

	// MaxInfraRetries is the number of re-queues after a failure. Zero means
	// [DefaultMaxInfraRetries]; negative disables retries.
	MaxInfraRetries int

	// OnGiveUp is called after the failure event has been emitted.
	OnGiveUp GiveUpFunc
}

func (w *Worker) name() string {
	if w.Name != "" {
		return w.Name
	}
	return w.Queue.Name()
}

func (w *Worker) timeout() time.Duration {
	if w.Timeout > 0 {
		return w.Timeout
	}
	return DefaultTimeout
}

func (w *Worker) maxRetries() int {
	switch {
	case w.MaxInfraRetries < 0:
		return 0
	case w.MaxInfraRetries == 0:
		return DefaultMaxInfraRetries
	}
	return w.MaxInfraRetries
}

// Pool runs a fixed set of workers until its context is cancelled.
type Pool struct {
	workers  []*Worker
	notifier notify.Sink
	metrics  *observe.Metrics
}

// Option configures a [Pool].
type Option func(*Pool)

// WithNotifier sets where terminal failures are announced.
func WithNotifier(n notify.Sink) Option {
	return func(p *Pool) { p.notifier = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a pool. Two workers sharing a queue are rejected.
func NewPool(workers []*Worker, opts ...Option) (*Pool, error) {
	p := &Pool{
		notifier: notify.Discard,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(p)
	}

	var errs []error
	seen := make(map[Source]string, len(workers))
	for i, w := range workers {
		switch {
		case w == nil:
			errs = append(errs, fmt.Errorf("worker %d: nil", i))
			continue
		case w.Queue == nil:
			errs = append(errs, fmt.Errorf("worker %d (%s): no queue", i, w.Name))
			continue
		case w.Handler == nil:
			errs = append(errs, fmt.Errorf("worker %s: no handler", w.name()))
		}
		if other, dup := seen[w.Queue]; dup {
			errs = append(errs, fmt.Errorf("worker %s: queue %s already served by %s", w.name(), w.Queue.Name(), other))
		}
		seen[w.Queue] = w.name()
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("worker: new pool: %w", err)
	}
	p.workers = workers
	return p, nil
}

// Run blocks until ctx is cancelled or a queue is closed and drained. An item
// already being handled when ctx is cancelled is allowed to finish within
// its worker's timeout.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return p.loop(gctx, w) })
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, w *Worker) error {
	log := slog.With("worker", w.name())
	log.Info("worker: started")
	defer log.Info("worker: stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		it, err := w.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, genqueue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker: %s: dequeue: %w", w.name(), err)
		}
		p.process(ctx, w, it)
	}
}

// process handles one item. The handler context survives shutdown so the
// item is finished rather than abandoned halfway.
func (p *Pool) process(ctx context.Context, w *Worker, it genqueue.Item) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout())
	defer cancel()
	hctx = observe.WithFields(hctx, "worker", w.name(), "item_id", it.ID, "world_id", genqueue.WorldOf(it.Payload))
	hctx, span := observe.StartSpan(hctx, "worker."+w.name())
	defer span.End()

	start := time.Now()
	err := w.Handler.Handle(hctx, it)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
	}
	p.metrics.WorkerItemDuration.Record(hctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("worker", w.name()), attribute.String("status", status)))
	if err == nil {
		return
	}

	log := observe.Logger(hctx).With(
		"payload", it.Payload.Kind(),
		"attempt", it.Attempt,
		"infra_attempt", it.InfraAttempt,
		"err", err,
	)

	if it.InfraAttempt < w.maxRetries() && !errors.Is(err, ErrNoHandler) {
		next := it
		next.InfraAttempt++
		rerr := w.Queue.Requeue(hctx, next)
		if rerr == nil {
			p.metrics.InfraRetries.Add(hctx, 1, metric.WithAttributes(attribute.String("worker", w.name())))
			log.Warn("worker: item failed, requeued")
			return
		}
		log.Warn("worker: requeue failed", "requeue_err", rerr)
		err = errors.Join(err, rerr)
	}

	log.Error("worker: giving up on item")
	p.metrics.TerminalFailures.Add(hctx, 1, metric.WithAttributes(attribute.String("worker", w.name())))
	if world := genqueue.WorldOf(it.Payload); world != "" {
		p.notifier.Notify(hctx, notify.AllDMsInWorld{WorldID: world}, notify.GenerationFailed{
			WorldID:     world,
			Worker:      w.name(),
			ItemID:      it.ID,
			PayloadKind: it.Payload.Kind(),
			Attempts:    it.InfraAttempt + 1,
			Error:       err.Error(),
		})
	}
	if w.OnGiveUp != nil {
		w.OnGiveUp(hctx, it, err)
	}
}
