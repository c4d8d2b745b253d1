// Package mock provides test doubles for the notify package.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/stagehand/internal/notify"
)

// Sent is one recorded notification.
type Sent struct {
	To    notify.Recipients
	Event notify.Event
}

// Sink records every Notify call.
type Sink struct {
	mu   sync.Mutex
	sent []Sent
}

var _ notify.Sink = (*Sink)(nil)

// Notify implements [notify.Sink].
func (s *Sink) Notify(_ context.Context, to notify.Recipients, ev notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Sent{To: to, Event: ev})
}

// Sent returns a copy of all recorded notifications.
func (s *Sink) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// OfType returns recorded notifications whose event type is typ.
func (s *Sink) OfType(typ string) []Sent {
	var out []Sent
	for _, n := range s.Sent() {
		if n.Event.Type() == typ {
			out = append(out, n)
		}
	}
	return out
}

// Reset clears recorded notifications.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

// Conn is a [notify.Conn] that records delivered events.
type Conn struct {
	ConnID string

	// DeliverErr, when non-nil, is returned by every Deliver.
	DeliverErr error

	mu     sync.Mutex
	events []notify.Event
}

var _ notify.Conn = (*Conn)(nil)

// ID implements [notify.Conn].
func (c *Conn) ID() string { return c.ConnID }

// Deliver implements [notify.Conn].
func (c *Conn) Deliver(_ context.Context, ev notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeliverErr != nil {
		return c.DeliverErr
	}
	c.events = append(c.events, ev)
	return nil
}

// Events returns a copy of delivered events.
func (c *Conn) Events() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Event(nil), c.events...)
}
