// Package asset generates images for DMs: region establishing shots, NPC
// portraits and scene art.
//
// A DM files a [genqueue.AssetRequest] through [Service.Request]. The asset
// worker, a separate worker on its own queue so slow image calls never hold
// up dialogue or staging, calls [Service.HandleGeneration]. That asks the
// [Generator] for the picture, stores it in the in-memory catalog and
// tells the world's DMs it is ready. Assets are not approvals: the DM asked
// for them and decides what to show players.
package asset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/stagehand/internal/genqueue"
	"github.com/MrWong99/stagehand/internal/notify"
	"github.com/MrWong99/stagehand/internal/observe"
	"github.com/MrWong99/stagehand/pkg/provider/image"
)

// DefaultTimeout bounds one image generation call.
const DefaultTimeout = 90 * time.Second

// Kinds lists the asset kinds a DM may request.
var Kinds = []string{"region", "portrait", "scene", "map", "item"}

var (
	// ErrInvalidRequest is returned for a request without world, prompt or a
	// known kind.
	ErrInvalidRequest = errors.New("asset: invalid request")

	// ErrNotFound is returned when no asset has the given id.
	ErrNotFound = errors.New("asset: not found")
)

// Asset is one generated image.
type Asset struct {
	ID          string    `json:"id"`
	WorldID     string    `json:"world_id"`
	RegionID    string    `json:"region_id,omitempty"`
	Kind        string    `json:"kind"`
	Prompt      string    `json:"prompt"`
	RequestedBy string    `json:"requested_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	RevisedPrompt string `json:"revised_prompt,omitempty"`
	URL           string `json:"url,omitempty"`
	MIMEType      string `json:"mime_type,omitempty"`
	Data          []byte `json:"-"`
}

// Generator produces images. [image.Provider] satisfies it.
type Generator interface {
	Generate(ctx context.Context, req image.Request) (*image.Image, error)
}

// Enqueuer accepts generation work. [*genqueue.Queue] satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, it genqueue.Item) (genqueue.Item, error)
}

// Service turns asset requests into catalogued images.
type Service struct {
	gen      Generator
	genName  string
	timeout  time.Duration
	queue    Enqueuer
	notifier notify.Sink
	metrics  *observe.Metrics
	now      func() time.Time

	mu     sync.RWMutex
	assets map[string]Asset
}

// Option configures a [Service].
type Option func(*Service)

// WithGeneratorName labels the generator in metrics. Default "image".
func WithGeneratorName(name string) Option { return func(s *Service) { s.genName = name } }

// WithTimeout bounds each generation call.
func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// WithQueue routes requests through the asset queue. Without one,
// [Service.Request] generates inline.
func WithQueue(q Enqueuer) Option { return func(s *Service) { s.queue = q } }

// WithNotifier sets where ready assets are announced.
func WithNotifier(n notify.Sink) Option { return func(s *Service) { s.notifier = n } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithNow sets the timestamp source for CreatedAt.
func WithNow(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates an asset service over gen.
func NewService(gen Generator, opts ...Option) *Service {
	s := &Service{
		gen:      gen,
		genName:  "image",
		timeout:  DefaultTimeout,
		notifier: notify.Discard,
		metrics:  observe.DefaultMetrics(),
		now:      time.Now,
		assets:   make(map[string]Asset),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Request validates r and files it for generation. It returns the id the
// asset will carry.
func (s *Service) Request(ctx context.Context, r genqueue.AssetRequest) (string, error) {
	r.Prompt = strings.TrimSpace(r.Prompt)
	switch {
	case r.WorldID == "":
		return "", fmt.Errorf("%w: world is required", ErrInvalidRequest)
	case r.Prompt == "":
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	case !slices.Contains(Kinds, r.AssetKind):
		return "", fmt.Errorf("%w: kind %q is not one of %s", ErrInvalidRequest, r.AssetKind, strings.Join(Kinds, ", "))
	}
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}

	it := genqueue.Item{ID: r.RequestID, Payload: r}
	if s.queue == nil {
		if err := s.HandleGeneration(ctx, it); err != nil {
			return "", err
		}
		return r.RequestID, nil
	}
	if _, err := s.queue.Enqueue(ctx, it); err != nil {
		return "", fmt.Errorf("asset: request: %w", err)
	}
	return r.RequestID, nil
}

// HandleGeneration generates and stores the image of an
// [genqueue.AssetRequest]. Errors are left to the worker's infrastructure
// retries. An item whose asset already exists is a no-op.
func (s *Service) HandleGeneration(ctx context.Context, it genqueue.Item) error {
	r, ok := it.Payload.(genqueue.AssetRequest)
	if !ok {
		return fmt.Errorf("asset: handle generation: unexpected payload %s", it.Payload.Kind())
	}
	if _, err := s.Get(r.RequestID); err == nil {
		return nil
	}

	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	img, err := s.gen.Generate(gctx, image.Request{Prompt: r.Prompt, Size: r.Size})
	if err != nil {
		s.metrics.RecordProviderError(ctx, s.genName, "image")
		return fmt.Errorf("asset: generate %s: %w", r.RequestID, err)
	}
	if img == nil {
		return fmt.Errorf("asset: generate %s: %w", r.RequestID, image.ErrEmptyResponse)
	}
	s.metrics.RecordProviderRequest(ctx, s.genName, "image", "ok")

	a := Asset{
		ID:            r.RequestID,
		WorldID:       r.WorldID,
		RegionID:      r.RegionID,
		Kind:          r.AssetKind,
		Prompt:        r.Prompt,
		RequestedBy:   r.RequestedBy,
		CreatedAt:     s.now(),
		RevisedPrompt: img.RevisedPrompt,
		URL:           img.URL,
		MIMEType:      img.MIMEType,
		Data:          img.Data,
	}
	s.mu.Lock()
	s.assets[a.ID] = a
	s.mu.Unlock()

	s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: a.WorldID}, notify.AssetReady{
		WorldID:       a.WorldID,
		RegionID:      a.RegionID,
		AssetID:       a.ID,
		AssetKind:     a.Kind,
		Prompt:        a.Prompt,
		RevisedPrompt: a.RevisedPrompt,
		URL:           a.URL,
		MIMEType:      a.MIMEType,
		Bytes:         len(a.Data),
	})
	return nil
}

// Get returns the asset with id.
func (s *Service) Get(id string) (Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return a, nil
}

// List returns the assets of worldID, oldest first.
func (s *Service) List(worldID string) []Asset {
	s.mu.RLock()
	var out []Asset
	for _, a := range s.assets {
		if a.WorldID == worldID {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
