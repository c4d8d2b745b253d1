package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/stagehand/internal/genqueue"
)

// ErrNoHandler is returned by [Mux] for a payload kind nobody registered.
var ErrNoHandler = errors.New("worker: no handler for payload")

// Mux routes items to handlers by payload kind, so one generation queue can
// carry several kinds of work.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

var _ Handler = (*Mux)(nil)

// NewMux returns an empty router.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Register sets h for payloads whose Kind is kind, replacing any earlier
// registration.
func (m *Mux) Register(kind string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// Handle implements [Handler].
func (m *Mux) Handle(ctx context.Context, it genqueue.Item) error {
	m.mu.RLock()
	h, ok := m.handlers[it.Payload.Kind()]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, it.Payload.Kind())
	}
	return h.Handle(ctx, it)
}
