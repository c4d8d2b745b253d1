package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/observe"
)

type line struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestQueue(t *testing.T, capacity int, opts ...Option) (*Queue[line], *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0, clock.DefaultEpoch)
	var n atomic.Int64
	base := []Option{
		WithClock(clk),
		WithMetrics(testMetrics(t)),
		WithIDGenerator(func() string { return fmt.Sprintf("req-%d", n.Add(1)) }),
	}
	return New[line]("dialogue", capacity, append(base, opts...)...), clk
}

func enqueue(t *testing.T, q *Queue[line], req EnqueueRequest[line]) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestQueue_AtMostOnceResolve(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 8)
	id := enqueue(t, q, EnqueueRequest[line]{Payload: line{"Bram", "Welcome!"}})

	const racers = 32
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		ok       atomic.Int32
		resolved atomic.Int32
		other    atomic.Int32
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := q.Resolve(context.Background(), id, Accept{}, "dm")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrNotFound):
				resolved.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok.Load() != 1 {
		t.Errorf("successful resolves = %d, want 1", ok.Load())
	}
	if resolved.Load() != racers-1 {
		t.Errorf("lost races = %d, want %d", resolved.Load(), racers-1)
	}
	if other.Load() != 0 {
		t.Errorf("unexpected errors = %d", other.Load())
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after resolve, want 0", q.Len())
	}
}

func TestQueue_SecondResolveIsAlreadyResolved(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 4)
	id := enqueue(t, q, EnqueueRequest[line]{Payload: line{"Bram", "Hi"}})

	if _, err := q.Resolve(context.Background(), id, Accept{}, "dm"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	_, err := q.Resolve(context.Background(), id, Accept{}, "dm2")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Resolve err = %v, want ErrAlreadyResolved", err)
	}
	_, err = q.Resolve(context.Background(), "never-existed", Accept{}, "dm")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown Resolve err = %v, want ErrNotFound", err)
	}
}

func TestQueue_DecisionOutcomes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, 8)
	proposed := line{"Bram", "Welcome!"}

	t.Run("accept", func(t *testing.T) {
		id := enqueue(t, q, EnqueueRequest[line]{Payload: proposed})
		out, err := q.Resolve(ctx, id, Accept{}, "dm")
		if err != nil {
			t.Fatal(err)
		}
		a, ok := out.(Approved[line])
		if !ok {
			t.Fatalf("outcome %T, want Approved", out)
		}
		if a.Payload != proposed || a.Modified {
			t.Errorf("Approved = %+v", a)
		}
	})

	t.Run("accept with modification", func(t *testing.T) {
		id := enqueue(t, q, EnqueueRequest[line]{Payload: proposed})
		edit := line{"Bram", "Welcome, travellers."}
		out, err := q.Resolve(ctx, id, AcceptWithModification{Modification: edit}, "dm")
		if err != nil {
			t.Fatal(err)
		}
		a := out.(Approved[line])
		if a.Payload != edit || !a.Modified {
			t.Errorf("Approved = %+v, want modified %+v", a, edit)
		}
	})

	t.Run("modification as json", func(t *testing.T) {
		id := enqueue(t, q, EnqueueRequest[line]{Payload: proposed})
		raw := json.RawMessage(`{"speaker":"Bram","text":"Go away."}`)
		out, err := q.Resolve(ctx, id, AcceptWithModification{Modification: raw}, "dm")
		if err != nil {
			t.Fatal(err)
		}
		if got := out.(Approved[line]).Payload.Text; got != "Go away." {
			t.Errorf("decoded text = %q", got)
		}
	})

	t.Run("take over", func(t *testing.T) {
		id := enqueue(t, q, EnqueueRequest[line]{Payload: proposed})
		mine := line{"Bram", "The DM speaks."}
		out, err := q.Resolve(ctx, id, TakeOver{Content: mine}, "dm")
		if err != nil {
			t.Fatal(err)
		}
		if got := out.(TakenOver[line]).Content; got != mine {
			t.Errorf("Content = %+v", got)
		}
	})

	t.Run("reject with budget", func(t *testing.T) {
		id := enqueue(t, q, EnqueueRequest[line]{Payload: proposed, RetryCount: 1})
		out, err := q.Resolve(ctx, id, Reject{Feedback: "too friendly"}, "dm")
		if err != nil {
			t.Fatal(err)
		}
		r, ok := out.(Retry[line])
		if !ok {
			t.Fatalf("outcome %T, want Retry", out)
		}
		if r.Attempt != 2 || r.Feedback != "too friendly" || r.NewRequestID == "" || r.NewRequestID == id {
			t.Errorf("Retry = %+v", r)
		}
		if _, err := q.Get(id); !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("rejected item still present: %v", err)
		}
	})
}

func TestQueue_InvalidModificationLeavesItemPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, 4)
	id := enqueue(t, q, EnqueueRequest[line]{Payload: line{"Bram", "Hi"}})

	_, err := q.Resolve(ctx, id, AcceptWithModification{Modification: 42}, "dm")
	if !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("err = %v, want ErrInvalidDecision", err)
	}
	_, err = q.Resolve(ctx, id, TakeOver{Content: json.RawMessage(`{not json`)}, "dm")
	if !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("err = %v, want ErrInvalidDecision", err)
	}
	if _, err := q.Resolve(ctx, id, nil, "dm"); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("nil decision err = %v", err)
	}
	if _, err := q.Get(id); err != nil {
		t.Errorf("item should still be pending: %v", err)
	}
}

func TestQueue_RejectRetryExhaustion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, 4)
	id := enqueue(t, q, EnqueueRequest[line]{Payload: line{"Bram", "v0"}})

	for i := 1; i <= MaxRetries; i++ {
		out, err := q.Resolve(ctx, id, Reject{Feedback: fmt.Sprintf("no %d", i)}, "dm")
		if err != nil {
			t.Fatalf("reject %d: %v", i, err)
		}
		r, ok := out.(Retry[line])
		if !ok {
			t.Fatalf("reject %d: outcome %T, want Retry", i, out)
		}
		if r.Attempt != i {
			t.Fatalf("reject %d: Attempt = %d", i, r.Attempt)
		}
		// The generator re-submits under the reserved id.
		id = enqueue(t, q, EnqueueRequest[line]{
			ID:         r.NewRequestID,
			Payload:    line{"Bram", fmt.Sprintf("v%d", i)},
			RetryCount: r.Attempt,
			Guidance:   r.Feedback,
		})
	}

	out, err := q.Resolve(ctx, id, Reject{Feedback: "still no"}, "dm")
	if err != nil {
		t.Fatalf("final reject: %v", err)
	}
	tf, ok := out.(TerminallyFailed[line])
	if !ok {
		t.Fatalf("outcome %T, want TerminallyFailed", out)
	}
	if tf.Item.RetryCount != MaxRetries {
		t.Errorf("RetryCount = %d, want %d", tf.Item.RetryCount, MaxRetries)
	}

	// Never auto-discarded: parked in the failed set.
	failed := q.PeekFailed(Scope{})
	if len(failed) != 1 || failed[0].RequestID != id || !failed[0].Failed {
		t.Fatalf("PeekFailed = %+v", failed)
	}
	if len(q.PeekPending(Scope{})) != 0 {
		t.Error("terminally failed item still listed as pending")
	}

	// Rejecting again is an explicit terminal error, not another retry.
	if _, err := q.Resolve(ctx, id, Reject{}, "dm"); !errors.Is(err, ErrTerminallyFailed) {
		t.Errorf("reject after terminal err = %v, want ErrTerminallyFailed", err)
	}

	// The DM can still take over.
	out, err = q.Resolve(ctx, id, TakeOver{Content: line{"Bram", "DM line"}}, "dm")
	if err != nil {
		t.Fatalf("take over after terminal: %v", err)
	}
	if _, ok := out.(TakenOver[line]); !ok {
		t.Errorf("outcome %T, want TakenOver", out)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestQueue_Backpressure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, 2)
	enqueue(t, q, EnqueueRequest[line]{})
	id := enqueue(t, q, EnqueueRequest[line]{})

	if _, err := q.Enqueue(ctx, EnqueueRequest[line]{}); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("third Enqueue err = %v, want ErrBackpressure", err)
	}
	if _, err := q.Resolve(ctx, id, Accept{}, "dm"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, EnqueueRequest[line]{}); err != nil {
		t.Errorf("Enqueue after freeing a slot: %v", err)
	}
}

func TestQueue_BackpressureUnderConcurrency(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 10)
	var wg sync.WaitGroup
	var accepted atomic.Int32
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue(context.Background(), EnqueueRequest[line]{}); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	if accepted.Load() != 10 {
		t.Errorf("accepted = %d, want 10", accepted.Load())
	}
	if q.Len() != 10 {
		t.Errorf("Len = %d, want 10", q.Len())
	}
}

func TestQueue_DuplicateIDRejected(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 4)
	enqueue(t, q, EnqueueRequest[line]{ID: "fixed"})
	if _, err := q.Enqueue(context.Background(), EnqueueRequest[line]{ID: "fixed"}); err == nil {
		t.Fatal("expected error for duplicate id")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestQueue_PeekPendingOrderAndScope(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, 8)
	w1 := Scope{WorldID: "w1", RegionID: "inn"}
	w1b := Scope{WorldID: "w1", RegionID: "docks"}
	w2 := Scope{WorldID: "w2", RegionID: "inn"}

	old := enqueue(t, q, EnqueueRequest[line]{Scope: w1})
	clk.Sleep(time.Second)
	urgent := enqueue(t, q, EnqueueRequest[line]{Scope: w1b, Urgency: UrgencySceneCritical})
	clk.Sleep(time.Second)
	newer := enqueue(t, q, EnqueueRequest[line]{Scope: w1})
	enqueue(t, q, EnqueueRequest[line]{Scope: w2})

	got := q.PeekPending(Scope{WorldID: "w1"})
	want := []string{urgent, old, newer}
	if len(got) != len(want) {
		t.Fatalf("PeekPending len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].RequestID != want[i] {
			t.Errorf("PeekPending[%d] = %s, want %s", i, got[i].RequestID, want[i])
		}
	}

	if got := q.PeekPending(Scope{WorldID: "w1", RegionID: "inn"}); len(got) != 2 {
		t.Errorf("region filter len = %d, want 2", len(got))
	}
	if got := q.PeekPending(Scope{}); len(got) != 4 {
		t.Errorf("unfiltered len = %d, want 4", len(got))
	}
}

func TestQueue_ReplaceKeepsIDAndBumpsAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, 4)
	id := enqueue(t, q, EnqueueRequest[line]{Payload: line{"Bram", "v1"}})

	p, err := q.Replace(ctx, id, line{"Bram", "v2"}, "be terse")
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if p.RequestID != id || p.Attempt != 2 || p.Payload.Text != "v2" || p.Guidance != "be terse" {
		t.Errorf("Replace = %+v", p)
	}
	if p.RetryCount != 0 {
		t.Errorf("Replace must not consume the retry budget, RetryCount = %d", p.RetryCount)
	}

	if _, err := q.Resolve(ctx, id, Accept{}, "dm"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Replace(ctx, id, line{}, ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Replace after resolve err = %v", err)
	}
	if _, err := q.Replace(ctx, "nope", line{}, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Replace unknown err = %v", err)
	}
}

func TestQueue_ReplaceRevivesFailedItem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, 4)
	id := enqueue(t, q, EnqueueRequest[line]{RetryCount: MaxRetries})
	if _, err := q.Resolve(ctx, id, Reject{}, "dm"); err != nil {
		t.Fatal(err)
	}

	p, err := q.Replace(ctx, id, line{"Bram", "fresh"}, "new angle")
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if p.Failed {
		t.Error("revived item still marked failed")
	}
	if len(q.PeekPending(Scope{})) != 1 || len(q.PeekFailed(Scope{})) != 0 {
		t.Error("revived item not moved back to pending")
	}
}

func TestQueue_Discard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, 4)
	id := enqueue(t, q, EnqueueRequest[line]{RetryCount: MaxRetries})
	if _, err := q.Resolve(ctx, id, Reject{}, "dm"); err != nil {
		t.Fatal(err)
	}
	if err := q.Discard(ctx, id, "dm"); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
	if err := q.Discard(ctx, id, "dm"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Discard err = %v", err)
	}
	h := q.History(1)
	if len(h) != 1 || h[0].Decision != "discard" {
		t.Errorf("History = %+v", h)
	}
}

func TestQueue_OlderThan(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, 4)
	old := enqueue(t, q, EnqueueRequest[line]{})
	clk.Sleep(20 * time.Second)
	enqueue(t, q, EnqueueRequest[line]{})
	clk.Sleep(15 * time.Second)

	got := q.OlderThan(30 * time.Second)
	if len(got) != 1 || got[0].RequestID != old {
		t.Errorf("OlderThan = %+v, want only %s", got, old)
	}
}

func TestQueue_HistoryNewestFirstAndBounded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, 8, WithHistorySize(2))
	var ids []string
	for range 3 {
		id := enqueue(t, q, EnqueueRequest[line]{})
		if _, err := q.Resolve(ctx, id, Accept{}, "dm"); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	h := q.History(0)
	if len(h) != 2 {
		t.Fatalf("History len = %d, want 2", len(h))
	}
	if h[0].RequestID != ids[2] || h[1].RequestID != ids[1] {
		t.Errorf("History order = %s, %s", h[0].RequestID, h[1].RequestID)
	}
	if h[0].Outcome != "approved" || h[0].By != "dm" {
		t.Errorf("History[0] = %+v", h[0])
	}
}
