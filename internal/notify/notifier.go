// Package notify fans domain events out to the live connections interested
// in them. It is pure routing: it looks up the connections selected by a
// [Recipients] value and hands each one the [Event]. A failed delivery is
// logged and counted and never reported to the caller, so a missed real-time
// notification cannot fail the state change that produced it.
//
// Transports (websocket, Discord) implement [Conn] and register connections
// with a [Registry].
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/stagehand/internal/observe"
)

// ErrSlowConsumer is returned by a [Conn] whose outbound buffer is full.
var ErrSlowConsumer = errors.New("notify: slow consumer")

// Conn is one live connection able to receive events.
type Conn interface {
	// ID uniquely identifies the connection.
	ID() string

	// Deliver hands ev to the connection. It must not block for long;
	// transports buffer and return [ErrSlowConsumer] when full.
	Deliver(ctx context.Context, ev Event) error
}

// Sink is the narrow interface producers depend on.
type Sink interface {
	Notify(ctx context.Context, to Recipients, ev Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, to Recipients, ev Event)

// Notify implements [Sink].
func (f SinkFunc) Notify(ctx context.Context, to Recipients, ev Event) { f(ctx, to, ev) }

// Discard is a [Sink] that drops everything.
var Discard Sink = SinkFunc(func(context.Context, Recipients, Event) {})

// ── Registry ───────────────────────────────────────────────────────────────

// Member is a registered connection with its identity in a world.
type Member struct {
	Conn    Conn
	WorldID string
	UserID  string
	Role    Role
}

// Registry tracks live connections per world. Each world has its own lock.
type Registry struct {
	mu     sync.RWMutex
	worlds map[string]*worldConns
	byConn map[string]string // conn id → world id

	metrics *observe.Metrics
}

type worldConns struct {
	mu      sync.RWMutex
	members map[string]Member
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *observe.Metrics) *Registry {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Registry{
		worlds:  make(map[string]*worldConns),
		byConn:  make(map[string]string),
		metrics: m,
	}
}

// Join registers conn for userID in worldID with role. A DM may join from
// several screens; each connection is tracked separately. Joining again with
// the same connection id replaces the earlier registration.
func (r *Registry) Join(ctx context.Context, conn Conn, worldID, userID string, role Role) {
	r.Leave(ctx, conn.ID())

	r.mu.Lock()
	w, ok := r.worlds[worldID]
	if !ok {
		w = &worldConns{members: make(map[string]Member)}
		r.worlds[worldID] = w
	}
	r.byConn[conn.ID()] = worldID
	r.mu.Unlock()

	w.mu.Lock()
	w.members[conn.ID()] = Member{Conn: conn, WorldID: worldID, UserID: userID, Role: role}
	w.mu.Unlock()

	r.metrics.ActiveConnections.Add(ctx, 1, observe.RoleAttr(role.String()))
	slog.Debug("notify: connection joined",
		"conn_id", conn.ID(), "world_id", worldID, "user_id", userID, "role", role.String())
}

// Leave unregisters the connection with connID. Unknown ids are ignored.
func (r *Registry) Leave(ctx context.Context, connID string) {
	r.mu.Lock()
	worldID, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	w := r.worlds[worldID]
	r.mu.Unlock()

	w.mu.Lock()
	m, ok := w.members[connID]
	delete(w.members, connID)
	w.mu.Unlock()

	if ok {
		r.metrics.ActiveConnections.Add(ctx, -1, observe.RoleAttr(m.Role.String()))
	}
}

// Lookup returns the members selected by to.
func (r *Registry) Lookup(to Recipients) []Member {
	r.mu.RLock()
	w, ok := r.worlds[to.World()]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []Member
	for _, m := range w.members {
		if selects(to, m) {
			out = append(out, m)
		}
	}
	return out
}

// Members returns every member of worldID.
func (r *Registry) Members(worldID string) []Member {
	r.mu.RLock()
	w, ok := r.worlds[worldID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Member, 0, len(w.members))
	for _, m := range w.members {
		out = append(out, m)
	}
	return out
}

func selects(to Recipients, m Member) bool {
	switch to := to.(type) {
	case AllDMsInWorld:
		return m.Role == RoleDM
	case AllPlayersInWorld:
		return m.Role == RolePlayer
	case SpecificUser:
		return m.UserID == to.UserID
	default:
		return false
	}
}

// ── Notifier ───────────────────────────────────────────────────────────────

// DefaultDeliverTimeout bounds one delivery attempt.
const DefaultDeliverTimeout = 2 * time.Second

// Notifier routes events to registry members. It implements [Sink].
type Notifier struct {
	registry *Registry
	metrics  *observe.Metrics
	timeout  time.Duration
}

var _ Sink = (*Notifier)(nil)

// NotifierOption configures a [Notifier].
type NotifierOption func(*Notifier)

// WithDeliverTimeout bounds each delivery. Default: [DefaultDeliverTimeout].
func WithDeliverTimeout(d time.Duration) NotifierOption {
	return func(n *Notifier) { n.timeout = d }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) NotifierOption {
	return func(n *Notifier) { n.metrics = m }
}

// NewNotifier creates a Notifier over reg.
func NewNotifier(reg *Registry, opts ...NotifierOption) *Notifier {
	n := &Notifier{registry: reg, timeout: DefaultDeliverTimeout}
	for _, o := range opts {
		o(n)
	}
	if n.metrics == nil {
		n.metrics = observe.DefaultMetrics()
	}
	return n
}

// Notify delivers ev to every connection selected by to. It never fails:
// missing recipients and delivery errors are logged and counted.
func (n *Notifier) Notify(ctx context.Context, to Recipients, ev Event) {
	members := n.registry.Lookup(to)
	if len(members) == 0 {
		n.metrics.RecordNotification(ctx, ev.Type(), false, "no_recipient")
		slog.Debug("notify: no live recipient",
			"event", ev.Type(), "world_id", to.World(), "recipients", describe(to))
		return
	}

	for _, m := range members {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		err := m.Conn.Deliver(dctx, ev)
		cancel()
		if err != nil {
			n.metrics.RecordNotification(ctx, ev.Type(), false, reason(err))
			observe.Logger(ctx).Warn("notify: delivery failed",
				"event", ev.Type(),
				"conn_id", m.Conn.ID(),
				"world_id", m.WorldID,
				"user_id", m.UserID,
				"err", err,
			)
			continue
		}
		n.metrics.RecordNotification(ctx, ev.Type(), true, "")
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "disconnected"
	}
}

func describe(to Recipients) string {
	switch to := to.(type) {
	case AllDMsInWorld:
		return "all_dms"
	case AllPlayersInWorld:
		return "all_players"
	case SpecificUser:
		return "user:" + to.UserID
	default:
		return "unknown"
	}
}
