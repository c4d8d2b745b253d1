package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/stagehand/internal/genqueue"
	"github.com/MrWong99/stagehand/internal/notify"
	notifymock "github.com/MrWong99/stagehand/internal/notify/mock"
	"github.com/MrWong99/stagehand/internal/observe"
	"github.com/MrWong99/stagehand/internal/worker"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newQueue(t *testing.T, capacity int) *genqueue.Queue {
	t.Helper()
	return genqueue.New("generation", capacity, genqueue.WithMetrics(testMetrics(t)))
}

func action(id string) genqueue.Item {
	return genqueue.Item{ID: id, Payload: genqueue.PlayerAction{WorldID: "w1", PlayerID: "alice", NPCID: "kraddock", Action: "waves"}}
}

// runPool starts p and returns a stop func that cancels it and waits.
func runPool(t *testing.T, p *worker.Pool) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recorder is a handler that records items and fails the first failN calls
// per item id.
type recorder struct {
	mu    sync.Mutex
	seen  []genqueue.Item
	fails map[string]int
	failN int
}

func (r *recorder) Handle(_ context.Context, it genqueue.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, it)
	if r.fails == nil {
		r.fails = make(map[string]int)
	}
	if r.fails[it.ID] < r.failN {
		r.fails[it.ID]++
		return errors.New("provider unavailable")
	}
	return nil
}

func (r *recorder) items() []genqueue.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]genqueue.Item(nil), r.seen...)
}

func TestPool_ProcessesInOrder(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 8)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, action(id)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	rec := &recorder{}
	p, err := worker.NewPool([]*worker.Worker{{Queue: q, Handler: rec}}, worker.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	stop := runPool(t, p)
	waitFor(t, "three items", func() bool { return len(rec.items()) == 3 })
	stop()

	got := rec.items()
	for i, want := range []string{"a", "b", "c"} {
		if got[i].ID != want {
			t.Errorf("item %d = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestPool_InfraRetryThenSuccess(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 8)
	it := action("a")
	it.Attempt = 2
	if _, err := q.Enqueue(context.Background(), it); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec := &recorder{failN: 2}
	sink := &notifymock.Sink{}
	p, err := worker.NewPool([]*worker.Worker{{Queue: q, Handler: rec}},
		worker.WithNotifier(sink), worker.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	stop := runPool(t, p)
	waitFor(t, "three attempts", func() bool { return len(rec.items()) == 3 })
	stop()

	for i, got := range rec.items() {
		if got.InfraAttempt != i {
			t.Errorf("call %d: InfraAttempt = %d, want %d", i, got.InfraAttempt, i)
		}
		if got.Attempt != 2 {
			t.Errorf("call %d: approval Attempt = %d, want 2", i, got.Attempt)
		}
	}
	if n := len(sink.OfType("generation_failed")); n != 0 {
		t.Errorf("failure events = %d, want 0", n)
	}
}

func TestPool_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 8)
	if _, err := q.Enqueue(context.Background(), action("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec := &recorder{failN: 100}
	sink := &notifymock.Sink{}
	var gaveUp atomic.Pointer[genqueue.Item]
	w := &worker.Worker{
		Name:    "dialogue",
		Queue:   q,
		Handler: rec,
		OnGiveUp: func(_ context.Context, it genqueue.Item, err error) {
			if err == nil {
				t.Error("OnGiveUp without error")
			}
			gaveUp.Store(&it)
		},
	}
	p, err := worker.NewPool([]*worker.Worker{w}, worker.WithNotifier(sink), worker.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	stop := runPool(t, p)
	waitFor(t, "give up", func() bool { return gaveUp.Load() != nil })
	stop()

	if n := len(rec.items()); n != worker.DefaultMaxInfraRetries+1 {
		t.Errorf("handler calls = %d, want %d", n, worker.DefaultMaxInfraRetries+1)
	}
	if got := gaveUp.Load().InfraAttempt; got != worker.DefaultMaxInfraRetries {
		t.Errorf("given up at InfraAttempt %d", got)
	}
	evs := sink.OfType("generation_failed")
	if len(evs) != 1 {
		t.Fatalf("failure events = %d, want 1", len(evs))
	}
	if evs[0].To != (notify.AllDMsInWorld{WorldID: "w1"}) {
		t.Errorf("sent to %#v", evs[0].To)
	}
	ev := evs[0].Event.(notify.GenerationFailed)
	if ev.Worker != "dialogue" || ev.ItemID != "a" || ev.PayloadKind != "player_action" || ev.Attempts != 3 {
		t.Errorf("event = %+v", ev)
	}
	if q.Len() != 0 {
		t.Errorf("queue still holds %d items", q.Len())
	}
}

func TestPool_NoRetriesWhenDisabled(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 8)
	if _, err := q.Enqueue(context.Background(), action("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	rec := &recorder{failN: 1}
	sink := &notifymock.Sink{}
	p, err := worker.NewPool([]*worker.Worker{{Queue: q, Handler: rec, MaxInfraRetries: -1}},
		worker.WithNotifier(sink), worker.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	stop := runPool(t, p)
	waitFor(t, "failure event", func() bool { return len(sink.OfType("generation_failed")) == 1 })
	stop()
	if n := len(rec.items()); n != 1 {
		t.Errorf("handler calls = %d, want 1", n)
	}
}

func TestPool_TimeoutBoundsHandler(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 8)
	if _, err := q.Enqueue(context.Background(), action("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	sink := &notifymock.Sink{}
	slow := worker.HandlerFunc(func(ctx context.Context, _ genqueue.Item) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p, err := worker.NewPool([]*worker.Worker{{Queue: q, Handler: slow, Timeout: 10 * time.Millisecond, MaxInfraRetries: -1}},
		worker.WithNotifier(sink), worker.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	stop := runPool(t, p)
	waitFor(t, "failure event", func() bool { return len(sink.OfType("generation_failed")) == 1 })
	stop()

	ev := sink.OfType("generation_failed")[0].Event.(notify.GenerationFailed)
	if ev.Error == "" {
		t.Error("failure event carries no error")
	}
}

func TestPool_InFlightItemFinishesOnShutdown(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 8)
	if _, err := q.Enqueue(context.Background(), action("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	h := worker.HandlerFunc(func(ctx context.Context, _ genqueue.Item) error {
		close(started)
		<-release
		if ctx.Err() != nil {
			return ctx.Err()
		}
		finished.Store(true)
		return nil
	})
	p, err := worker.NewPool([]*worker.Worker{{Queue: q, Handler: h}}, worker.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	<-started
	cancel()
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
	if !finished.Load() {
		t.Error("in-flight item saw the shutdown cancellation")
	}
}

func TestPool_StopsWhenQueueClosed(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 8)
	p, err := worker.NewPool([]*worker.Worker{{Queue: q, Handler: &recorder{}}}, worker.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	q.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after close")
	}
}

func TestNewPool_Validation(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 1)
	tests := []struct {
		name    string
		workers []*worker.Worker
	}{
		{"nil worker", []*worker.Worker{nil}},
		{"no queue", []*worker.Worker{{Handler: &recorder{}}}},
		{"no handler", []*worker.Worker{{Queue: q}}},
		{"shared queue", []*worker.Worker{{Queue: q, Handler: &recorder{}}, {Queue: q, Handler: &recorder{}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := worker.NewPool(tc.workers); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMux_RoutesByKind(t *testing.T) {
	t.Parallel()
	m := worker.NewMux()
	var got []string
	m.Register("player_action", worker.HandlerFunc(func(_ context.Context, it genqueue.Item) error {
		got = append(got, it.ID)
		return nil
	}))
	ctx := context.Background()
	if err := m.Handle(ctx, action("a")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("routed = %v", got)
	}
	err := m.Handle(ctx, genqueue.Item{ID: "b", Payload: genqueue.AssetRequest{WorldID: "w1"}})
	if !errors.Is(err, worker.ErrNoHandler) {
		t.Errorf("err = %v, want ErrNoHandler", err)
	}
}

func TestPool_UnroutableItemIsNotRetried(t *testing.T) {
	t.Parallel()
	q := newQueue(t, 8)
	if _, err := q.Enqueue(context.Background(), genqueue.Item{ID: "x", Payload: genqueue.AssetRequest{WorldID: "w1"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	sink := &notifymock.Sink{}
	p, err := worker.NewPool([]*worker.Worker{{Queue: q, Handler: worker.NewMux()}},
		worker.WithNotifier(sink), worker.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	stop := runPool(t, p)
	waitFor(t, "failure event", func() bool { return len(sink.OfType("generation_failed")) == 1 })
	stop()
	if ev := sink.OfType("generation_failed")[0].Event.(notify.GenerationFailed); ev.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", ev.Attempts)
	}
}
