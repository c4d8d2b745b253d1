package asset

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/stagehand/internal/genqueue"
	"github.com/MrWong99/stagehand/internal/notify"
	notifymock "github.com/MrWong99/stagehand/internal/notify/mock"
	"github.com/MrWong99/stagehand/internal/observe"
	"github.com/MrWong99/stagehand/pkg/provider/image"
	imagemock "github.com/MrWong99/stagehand/pkg/provider/image/mock"
)

func newTestService(t *testing.T, gen Generator, opts ...Option) (*Service, *notifymock.Sink) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	sink := &notifymock.Sink{}
	opts = append([]Option{WithNotifier(sink), WithMetrics(m)}, opts...)
	return NewService(gen, opts...), sink
}

func TestRequest_Validation(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t, &imagemock.Provider{})
	for _, tc := range []struct {
		name string
		req  genqueue.AssetRequest
	}{
		{"no world", genqueue.AssetRequest{AssetKind: "region", Prompt: "docks"}},
		{"blank prompt", genqueue.AssetRequest{WorldID: "w", AssetKind: "region", Prompt: "  "}},
		{"unknown kind", genqueue.AssetRequest{WorldID: "w", AssetKind: "music", Prompt: "sea shanty"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Request(context.Background(), tc.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestRequest_InlineStoresAndAnnounces(t *testing.T) {
	t.Parallel()

	gen := &imagemock.Provider{Image: &image.Image{URL: "https://img.example/hook.png", RevisedPrompt: "a smoky tavern"}}
	created := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	s, sink := newTestService(t, gen, WithNow(func() time.Time { return created }))

	id, err := s.Request(context.Background(), genqueue.AssetRequest{
		WorldID:     "saltmarsh",
		RegionID:    "rusty-hook",
		RequestedBy: "gm",
		AssetKind:   "region",
		Prompt:      " The Rusty Hook at night ",
		Size:        "1024x1024",
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if len(gen.Requests) != 1 || gen.Requests[0].Prompt != "The Rusty Hook at night" || gen.Requests[0].Size != "1024x1024" {
		t.Errorf("generator requests = %+v", gen.Requests)
	}
	a, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.URL != "https://img.example/hook.png" || a.RegionID != "rusty-hook" || !a.CreatedAt.Equal(created) {
		t.Errorf("asset = %+v", a)
	}

	ready := sink.OfType("asset_ready")
	if len(ready) != 1 {
		t.Fatalf("asset_ready events = %d, want 1", len(ready))
	}
	if to, ok := ready[0].To.(notify.AllDMsInWorld); !ok || to.WorldID != "saltmarsh" {
		t.Errorf("asset_ready sent to %#v, want the world's DMs", ready[0].To)
	}
	if ev := ready[0].Event.(notify.AssetReady); ev.AssetID != id || ev.RevisedPrompt != "a smoky tavern" {
		t.Errorf("event = %+v", ev)
	}
}

func TestRequest_QueuedThenHandled(t *testing.T) {
	t.Parallel()

	gen := &imagemock.Provider{Image: &image.Image{Data: []byte("png"), MIMEType: "image/png"}}
	q := genqueue.New("assets", 4)
	s, sink := newTestService(t, gen, WithQueue(q))

	id, err := s.Request(context.Background(), genqueue.AssetRequest{WorldID: "w", AssetKind: "portrait", Prompt: "Skerrit the druid"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if gen.CallCount() != 0 || len(sink.Sent()) != 0 {
		t.Fatal("queued request was generated inline")
	}

	it, ok := q.TryDequeue(context.Background())
	if !ok {
		t.Fatal("nothing queued")
	}
	if it.ID != id {
		t.Errorf("item id = %q, want %q", it.ID, id)
	}
	if err := s.HandleGeneration(context.Background(), it); err != nil {
		t.Fatalf("HandleGeneration: %v", err)
	}
	// A redelivered item does not generate twice.
	if err := s.HandleGeneration(context.Background(), it); err != nil {
		t.Fatalf("HandleGeneration again: %v", err)
	}
	if gen.CallCount() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.CallCount())
	}
	if ev := sink.OfType("asset_ready"); len(ev) != 1 || ev[0].Event.(notify.AssetReady).Bytes != 3 {
		t.Errorf("asset_ready = %+v", ev)
	}
	if got := s.List("w"); len(got) != 1 || got[0].ID != id {
		t.Errorf("List = %+v", got)
	}
	if got := s.List("other"); len(got) != 0 {
		t.Errorf("List(other) = %+v", got)
	}
}

func TestHandleGeneration_FailureLeftToWorker(t *testing.T) {
	t.Parallel()

	gen := &imagemock.Provider{Err: errors.New("503 from upstream")}
	s, sink := newTestService(t, gen)

	it := genqueue.Item{ID: "a1", Payload: genqueue.AssetRequest{WorldID: "w", RequestID: "a1", AssetKind: "map", Prompt: "harbour"}}
	if err := s.HandleGeneration(context.Background(), it); err == nil {
		t.Fatal("expected generation error")
	}
	if _, err := s.Get("a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after failure err = %v, want ErrNotFound", err)
	}
	if len(sink.Sent()) != 0 {
		t.Errorf("failure notified %d events; the worker reports give-ups", len(sink.Sent()))
	}

	gen.Err, gen.Image = nil, nil
	if err := s.HandleGeneration(context.Background(), it); !errors.Is(err, image.ErrEmptyResponse) {
		t.Errorf("nil image err = %v, want ErrEmptyResponse", err)
	}
}

func TestHandleGeneration_Timeout(t *testing.T) {
	t.Parallel()

	gen := &imagemock.Provider{GenerateFunc: func(ctx context.Context, _ image.Request) (*image.Image, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s, _ := newTestService(t, gen, WithTimeout(10*time.Millisecond))

	it := genqueue.Item{Payload: genqueue.AssetRequest{WorldID: "w", RequestID: "slow", AssetKind: "scene", Prompt: "storm"}}
	if err := s.HandleGeneration(context.Background(), it); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestHandleGeneration_WrongPayload(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t, &imagemock.Provider{})
	if err := s.HandleGeneration(context.Background(), genqueue.Item{Payload: genqueue.PlayerAction{WorldID: "w"}}); err == nil {
		t.Error("expected error for a non-asset payload")
	}
}
