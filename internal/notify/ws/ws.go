// Package ws is the websocket transport for notify. Each client connects to
// the handler with its world, user and role in the query string:
//
//	GET /ws?world=saltmarsh&user=alice&role=player
//
// Outbound events are written as JSON envelopes {"type", "world_id",
// "payload"}. DM connections may also send decisions:
//
//	{"type":"submit_decision","payload":{"request_id":"…","decision":"reject","feedback":"…"}}
//
// which are routed to the approval intake; the result is echoed back as a
// "decision_result" or "error" envelope. Further message types are served by
// handlers registered with [WithMessage].
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/notify"
	"github.com/MrWong99/stagehand/internal/observe"
)

const (
	defaultSendBuffer = 64
	writeTimeout      = 5 * time.Second
	maxMessageBytes   = 1 << 20
)

// Envelope is the wire form of every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	WorldID string          `json:"world_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecisionMessage is the payload of an inbound "submit_decision" envelope.
type DecisionMessage struct {
	RequestID string          `json:"request_id"`
	Decision  string          `json:"decision"`
	Feedback  string          `json:"feedback,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Intake accepts DM decisions.
type Intake interface {
	SubmitDecision(ctx context.Context, requestID string, d approval.Decision, who approval.Actor) (approval.Receipt, error)
}

// Sender identifies the connection an inbound message arrived on.
type Sender struct {
	WorldID string
	UserID  string
	Role    notify.Role
}

// MessageFunc serves one inbound message type. The returned value is sent
// back as a "<type>_result" envelope; an error is sent as an "error" envelope.
type MessageFunc func(ctx context.Context, from Sender, payload json.RawMessage) (any, error)

// Handler upgrades HTTP requests to websocket connections registered with a
// [notify.Registry].
type Handler struct {
	registry   *notify.Registry
	intake     Intake
	messages   map[string]MessageFunc
	origins    []string
	sendBuffer int
}

// Option configures a [Handler].
type Option func(*Handler)

// WithIntake lets DM connections submit decisions.
func WithIntake(in Intake) Option {
	return func(h *Handler) { h.intake = in }
}

// WithMessage serves inbound envelopes of type typ with fn. The built-in
// "ping" and "submit_decision" types cannot be overridden.
func WithMessage(typ string, fn MessageFunc) Option {
	return func(h *Handler) { h.messages[typ] = fn }
}

// WithOriginPatterns sets the accepted Origin host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithSendBuffer sets how many outbound messages a slow client may lag
// behind before deliveries to it are dropped. Default: 64.
func WithSendBuffer(n int) Option {
	return func(h *Handler) { h.sendBuffer = n }
}

// NewHandler creates a websocket handler for reg.
func NewHandler(reg *notify.Registry, opts ...Option) *Handler {
	h := &Handler{registry: reg, messages: make(map[string]MessageFunc), sendBuffer: defaultSendBuffer}
	for _, o := range opts {
		o(h)
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = defaultSendBuffer
	}
	return h
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	worldID, userID := q.Get("world"), q.Get("user")
	if worldID == "" || userID == "" {
		http.Error(w, "world and user are required", http.StatusBadRequest)
		return
	}
	role := notify.RolePlayer
	if s := q.Get("role"); s != "" {
		var ok bool
		if role, ok = notify.ParseRole(s); !ok {
			http.Error(w, fmt.Sprintf("unknown role %q", s), http.StatusBadRequest)
			return
		}
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("ws: accept failed", "err", err, "world_id", worldID, "user_id", userID)
		return
	}
	c.SetReadLimit(maxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &Conn{
		id:      uuid.NewString(),
		worldID: worldID,
		ws:      c,
		send:    make(chan []byte, h.sendBuffer),
		done:    make(chan struct{}),
	}
	h.registry.Join(ctx, conn, worldID, userID, role)
	defer h.registry.Leave(ctx, conn.id)

	go conn.writeLoop(ctx, cancel)

	err = h.readLoop(ctx, conn, Sender{WorldID: worldID, UserID: userID, Role: role})
	conn.shutdown()

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		c.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, context.Canceled):
		c.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		slog.Debug("ws: connection ended", "conn_id", conn.id, "err", err)
		c.CloseNow()
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *Conn, from Sender) error {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			conn.reply("error", map[string]string{"error": "malformed envelope"})
			continue
		}
		mctx := observe.WithFields(ctx, "world_id", from.WorldID, "user_id", from.UserID, "message", env.Type)
		switch env.Type {
		case "ping":
			conn.reply("pong", nil)
		case "submit_decision":
			h.submit(mctx, conn, from.Role, approval.Actor{UserID: from.UserID}, env.Payload)
		default:
			fn, ok := h.messages[env.Type]
			if !ok {
				conn.reply("error", map[string]string{"error": "unknown message type " + env.Type})
				continue
			}
			res, err := fn(mctx, from, env.Payload)
			if err != nil {
				observe.Logger(mctx).Debug("ws: message failed", "err", err)
				conn.reply("error", map[string]string{"type": env.Type, "error": err.Error()})
				continue
			}
			conn.reply(env.Type+"_result", res)
		}
	}
}

func (h *Handler) submit(ctx context.Context, conn *Conn, role notify.Role, who approval.Actor, payload json.RawMessage) {
	if role != notify.RoleDM || h.intake == nil {
		conn.reply("error", map[string]string{"error": "decisions require a DM connection"})
		return
	}
	var msg DecisionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		conn.reply("error", map[string]string{"error": "malformed decision"})
		return
	}
	d, err := approval.ParseDecision(msg.Decision, msg.Feedback, msg.Content)
	if err != nil {
		conn.reply("error", map[string]string{"request_id": msg.RequestID, "error": err.Error()})
		return
	}
	receipt, err := h.intake.SubmitDecision(ctx, msg.RequestID, d, who)
	if err != nil {
		conn.reply("error", map[string]string{"request_id": msg.RequestID, "error": err.Error()})
		return
	}
	conn.reply("decision_result", receipt)
}

// Conn is one websocket client. It implements [notify.Conn].
type Conn struct {
	id      string
	worldID string
	ws      *websocket.Conn
	send    chan []byte

	once sync.Once
	done chan struct{}
}

var _ notify.Conn = (*Conn)(nil)

// ID implements [notify.Conn].
func (c *Conn) ID() string { return c.id }

// Deliver implements [notify.Conn]. It queues the event and returns
// [notify.ErrSlowConsumer] if the client is too far behind.
func (c *Conn) Deliver(_ context.Context, ev notify.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ws: marshal %s: %w", ev.Type(), err)
	}
	return c.enqueue(Envelope{Type: ev.Type(), WorldID: c.worldID, Payload: payload})
}

func (c *Conn) enqueue(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ws: marshal envelope: %w", err)
	}
	select {
	case <-c.done:
		return fmt.Errorf("ws: connection %s closed", c.id)
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return notify.ErrSlowConsumer
	}
}

func (c *Conn) reply(typ string, v any) {
	var payload json.RawMessage
	if v != nil {
		var err error
		if payload, err = json.Marshal(v); err != nil {
			slog.Warn("ws: marshal reply failed", "type", typ, "err", err)
			return
		}
	}
	if err := c.enqueue(Envelope{Type: typ, WorldID: c.worldID, Payload: payload}); err != nil {
		slog.Debug("ws: reply dropped", "conn_id", c.id, "type", typ, "err", err)
	}
}

func (c *Conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				slog.Debug("ws: write failed", "conn_id", c.id, "err", err)
				return
			}
		}
	}
}
