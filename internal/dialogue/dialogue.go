// Package dialogue puts LLM-written NPC lines in front of the DM before any
// player hears them.
//
// A player action becomes a [genqueue.PlayerAction] on the generation queue.
// The generation worker calls [Service.HandleGeneration], which asks the LLM
// for the NPC's reply and any tool calls, then files the result on the
// dialogue approval queue. DM decisions arrive through [Service.Submit]:
// approved lines are broadcast to the world's players, rejections regenerate
// with the DM's feedback until the retry budget is spent.
package dialogue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/genqueue"
	"github.com/MrWong99/stagehand/internal/notify"
	"github.com/MrWong99/stagehand/internal/observe"
	"github.com/MrWong99/stagehand/internal/world"
	"github.com/MrWong99/stagehand/pkg/provider/llm"
)

const (
	// Kind names the dialogue approval queue and handler.
	Kind = "dialogue"

	// DefaultLLMTimeout bounds one generation call.
	DefaultLLMTimeout = 30 * time.Second

	llmTemperature = 0.8
)

// ToolCall is a game-state change the NPC wants to make alongside its line.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Proposal is one NPC reply awaiting approval.
type Proposal struct {
	WorldID  string     `json:"world_id"`
	RegionID string     `json:"region_id,omitempty"`
	PlayerID string     `json:"player_id,omitempty"`
	NPCID    string     `json:"npc_id"`
	NPCName  string     `json:"npc_name"`
	Action   string     `json:"action"`
	Text     string     `json:"text"`
	Tools    []ToolCall `json:"tools,omitempty"`
	Guidance string     `json:"guidance,omitempty"`

	// Events are the request ids of narrative events the model suggested
	// with this reply. They are decided on their own queue.
	Events []string `json:"events,omitempty"`
}

// NPCSource looks up the speaking NPC.
type NPCSource interface {
	NPC(ctx context.Context, worldID, npcID string) (world.NPC, error)
}

var _ NPCSource = (*world.MemStore)(nil)

// EventSuggester takes narrative-event suggestions the model makes while
// replying. Tool returns the suggestion tool for a world, or false when the
// world has no events to suggest.
type EventSuggester interface {
	Tool(ctx context.Context, worldID string) (llm.ToolDefinition, bool)
	SuggestEvent(ctx context.Context, a genqueue.PlayerAction, arguments string) (string, error)
}

// Generator accepts regeneration work. [*genqueue.Queue] satisfies it.
type Generator interface {
	Enqueue(ctx context.Context, it genqueue.Item) (genqueue.Item, error)
}

// Service generates NPC dialogue and applies DM decisions on it.
type Service struct {
	npcs     NPCSource
	llm      llm.Provider
	llmName  string
	tools    []llm.ToolDefinition
	events   EventSuggester
	timeout  time.Duration
	clock    clock.Clock
	queue    *approval.Queue[Proposal]
	gen      Generator
	notifier notify.Sink
	metrics  *observe.Metrics
}

var _ approval.Handler = (*Service)(nil)

// Option configures a [Service].
type Option func(*Service)

// WithTools offers tools to the model. Only tools named here can ever be
// approved.
func WithTools(tools ...llm.ToolDefinition) Option {
	return func(s *Service) { s.tools = tools }
}

// WithEventSuggester offers the model a tool to suggest narrative events and
// hands its calls to e.
func WithEventSuggester(e EventSuggester) Option {
	return func(s *Service) { s.events = e }
}

// WithProviderName sets the provider label used in errors and metrics.
func WithProviderName(name string) Option {
	return func(s *Service) { s.llmName = name }
}

// WithLLMTimeout bounds each generation call.
func WithLLMTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithClock sets the clock of the default approval queue.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithQueue replaces the default approval queue.
func WithQueue(q *approval.Queue[Proposal]) Option {
	return func(s *Service) { s.queue = q }
}

// WithGenerator routes generation through a queue instead of running it
// inline.
func WithGenerator(g Generator) Option {
	return func(s *Service) { s.gen = g }
}

// WithNotifier sets where approval requests and approved lines are sent.
func WithNotifier(n notify.Sink) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a dialogue service speaking through p.
func NewService(npcs NPCSource, p llm.Provider, opts ...Option) *Service {
	s := &Service{
		npcs:     npcs,
		llm:      p,
		llmName:  "llm",
		timeout:  DefaultLLMTimeout,
		clock:    clock.NewWorld(clock.DefaultEpoch),
		notifier: notify.Discard,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.queue == nil {
		s.queue = approval.New[Proposal](Kind, approval.DefaultCapacity,
			approval.WithClock(s.clock), approval.WithMetrics(s.metrics))
	}
	return s
}

// Queue returns the dialogue approval queue.
func (s *Service) Queue() *approval.Queue[Proposal] { return s.queue }

// Request starts generation of an NPC reply to a player action and returns
// the approval request id the reply will be filed under. With a generator
// configured a full generation queue fails fast with
// [approval.ErrBackpressure].
func (s *Service) Request(ctx context.Context, a genqueue.PlayerAction) (string, error) {
	if a.RequestID == "" {
		a.RequestID = s.queue.NewRequestID()
	}
	it := genqueue.Item{Payload: a, Priority: genqueue.PriorityHigh}
	if s.gen != nil {
		if _, err := s.gen.Enqueue(ctx, it); err != nil {
			return "", fmt.Errorf("dialogue: request: %w", err)
		}
		return a.RequestID, nil
	}
	if err := s.HandleGeneration(ctx, it); err != nil {
		return "", err
	}
	return a.RequestID, nil
}

// HandleGeneration serves [genqueue.PlayerAction] items: it generates the
// reply and files it for approval. An item whose request is already queued
// is a no-op.
func (s *Service) HandleGeneration(ctx context.Context, it genqueue.Item) error {
	a, ok := it.Payload.(genqueue.PlayerAction)
	if !ok {
		return fmt.Errorf("dialogue: handle generation: unexpected payload %s", it.Payload.Kind())
	}
	if a.RequestID != "" {
		if _, err := s.queue.Get(a.RequestID); err == nil {
			return nil
		}
	}

	p, err := s.generate(ctx, a, it.Feedback)
	if err != nil {
		return err
	}
	p = s.fileEvents(ctx, a, p)
	id, err := s.queue.Enqueue(ctx, approval.EnqueueRequest[Proposal]{
		ID:         a.RequestID,
		Payload:    p,
		RetryCount: it.Attempt,
		Guidance:   it.Feedback,
		Scope:      approval.Scope{WorldID: a.WorldID, RegionID: a.RegionID},
		Urgency:    approval.UrgencyAwaitingPlayer,
	})
	if err != nil {
		return fmt.Errorf("dialogue: file %s: %w", a.RequestID, err)
	}

	detail := p.Text
	if len(p.Tools) > 0 {
		names := make([]string, len(p.Tools))
		for i, t := range p.Tools {
			names[i] = t.Name
		}
		detail += "\n[tools: " + strings.Join(names, ", ") + "]"
	}
	if len(p.Events) > 0 {
		detail += "\n[events suggested: " + strings.Join(p.Events, ", ") + "]"
	}
	s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: a.WorldID}, notify.ApprovalRequired{
		Kind:       Kind,
		WorldID:    a.WorldID,
		RequestID:  id,
		Summary:    fmt.Sprintf("%s replies to %s", p.NPCName, a.PlayerID),
		Detail:     detail,
		Urgency:    approval.UrgencyAwaitingPlayer.String(),
		RetryCount: it.Attempt,
	})
	return nil
}

func (s *Service) generate(ctx context.Context, a genqueue.PlayerAction, feedback string) (Proposal, error) {
	npc, err := s.npcs.NPC(ctx, a.WorldID, a.NPCID)
	if err != nil {
		return Proposal{}, fmt.Errorf("dialogue: generate: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", npc.Name)
	if npc.Description != "" {
		fmt.Fprintf(&b, " %s", npc.Description)
	}
	b.WriteString("\nStay in character and answer in one short paragraph of spoken dialogue.")
	tools := s.toolsFor(ctx, a.WorldID)
	if len(tools) > 0 {
		b.WriteString(" Call a tool only when the scene clearly calls for it.")
	}
	system := b.String()

	prompt := fmt.Sprintf("The player %s: %s", a.PlayerID, a.Action)
	if fb := strings.TrimSpace(feedback); fb != "" {
		prompt += "\n\nThe DM rejected your previous reply. DM's feedback: " + fb
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	resp, err := s.llm.Complete(cctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		Tools:        tools,
		Temperature:  llmTemperature,
	})
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(), observe.ProviderAttr(s.llmName))
	if err != nil {
		if ctx.Err() != nil {
			return Proposal{}, ctx.Err()
		}
		s.metrics.RecordProviderError(ctx, s.llmName, "llm")
		return Proposal{}, fmt.Errorf("dialogue: generate: %w", llm.Classify(s.llmName, err))
	}
	s.metrics.RecordProviderRequest(ctx, s.llmName, "llm", "ok")

	if resp == nil {
		return Proposal{}, fmt.Errorf("dialogue: generate: %w", llm.Malformed(s.llmName, "no response"))
	}
	text := strings.TrimSpace(resp.Content)
	calls := offered(tools, resp.ToolCalls)
	if text == "" && len(calls) == 0 {
		return Proposal{}, fmt.Errorf("dialogue: generate: %w", llm.Malformed(s.llmName, "empty reply"))
	}
	return Proposal{
		WorldID:  a.WorldID,
		RegionID: a.RegionID,
		PlayerID: a.PlayerID,
		NPCID:    npc.ID,
		NPCName:  npc.Name,
		Action:   a.Action,
		Text:     text,
		Tools:    calls,
		Guidance: feedback,
	}, nil
}

func (s *Service) toolsFor(ctx context.Context, worldID string) []llm.ToolDefinition {
	if s.events == nil {
		return s.tools
	}
	td, ok := s.events.Tool(ctx, worldID)
	if !ok {
		return s.tools
	}
	return append(slices.Clip(s.tools), td)
}

// fileEvents moves event suggestions off the reply onto the narrative queue.
// A suggestion that cannot be filed is logged and dropped; the reply stands.
func (s *Service) fileEvents(ctx context.Context, a genqueue.PlayerAction, p Proposal) Proposal {
	if s.events == nil {
		return p
	}
	td, ok := s.events.Tool(ctx, a.WorldID)
	if !ok {
		return p
	}
	kept := p.Tools[:0:0]
	for _, c := range p.Tools {
		if c.Name != td.Name {
			kept = append(kept, c)
			continue
		}
		id, err := s.events.SuggestEvent(ctx, a, c.Arguments)
		if err != nil {
			observe.Logger(ctx).Warn("dialogue: event suggestion dropped", "npc", a.NPCID, "err", err)
			continue
		}
		p.Events = append(p.Events, id)
	}
	p.Tools = kept
	return p
}

// offered drops tool calls for tools the model was never given.
func offered(tools []llm.ToolDefinition, calls []llm.ToolCall) []ToolCall {
	var out []ToolCall
	for _, c := range calls {
		if slices.ContainsFunc(tools, func(t llm.ToolDefinition) bool { return t.Name == c.Name }) {
			out = append(out, ToolCall{Name: c.Name, Arguments: c.Arguments})
		}
	}
	return out
}

// ── Decisions ──────────────────────────────────────────────────────────────

// Kind implements [approval.Handler].
func (s *Service) Kind() string { return Kind }

// Submit implements [approval.Handler].
func (s *Service) Submit(ctx context.Context, requestID string, d approval.Decision, who approval.Actor) (approval.Receipt, error) {
	out, err := s.queue.Resolve(ctx, requestID, d, who.String())
	if err != nil {
		return approval.Receipt{}, fmt.Errorf("dialogue: submit %s: %w", requestID, err)
	}
	item := out.Pending()
	defer s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: item.Payload.WorldID}, notify.DecisionApplied{
		Kind:      Kind,
		WorldID:   item.Payload.WorldID,
		RequestID: requestID,
		Outcome:   approval.OutcomeKind(out),
		By:        who.String(),
	})

	switch o := out.(type) {
	case approval.Approved[Proposal]:
		line := o.Payload
		if o.Modified {
			line.Tools = approvedTools(item.Payload.Tools, line.Tools)
		}
		s.deliver(ctx, line)
	case approval.TakenOver[Proposal]:
		line := item.Payload
		line.Text = o.Content.Text
		line.Tools = nil
		s.deliver(ctx, line)
	case approval.Retry[Proposal]:
		s.retry(ctx, o)
	case approval.TerminallyFailed[Proposal]:
		observe.Logger(ctx).Warn("dialogue: reply rejected with no retries left",
			"request_id", requestID, "npc", item.Payload.NPCID)
		s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: item.Payload.WorldID}, notify.ApprovalTerminallyFailed{
			Kind:      Kind,
			WorldID:   item.Payload.WorldID,
			RequestID: requestID,
			Feedback:  o.Feedback,
		})
	}
	return approval.ReceiptFor(Kind, out), nil
}

// approvedTools keeps the DM's tool selection, restricted to calls the
// model actually proposed.
func approvedTools(proposed, chosen []ToolCall) []ToolCall {
	var out []ToolCall
	for _, c := range chosen {
		for _, p := range proposed {
			if p.Name == c.Name {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func (s *Service) deliver(ctx context.Context, p Proposal) {
	var tools []string
	for _, t := range p.Tools {
		tools = append(tools, t.Name)
	}
	s.notifier.Notify(ctx, notify.AllPlayersInWorld{WorldID: p.WorldID}, notify.DialogueApproved{
		WorldID:  p.WorldID,
		RegionID: p.RegionID,
		NPCID:    p.NPCID,
		NPCName:  p.NPCName,
		Text:     p.Text,
		PlayerID: p.PlayerID,
		Tools:    tools,
	})
}

func (s *Service) retry(ctx context.Context, o approval.Retry[Proposal]) {
	p := o.Item.Payload
	it := genqueue.Item{
		Priority: genqueue.PriorityHigh,
		Payload: genqueue.PlayerAction{
			WorldID:   p.WorldID,
			RegionID:  p.RegionID,
			RequestID: o.NewRequestID,
			PlayerID:  p.PlayerID,
			NPCID:     p.NPCID,
			Action:    p.Action,
		},
		Attempt:  o.Attempt,
		Feedback: o.Feedback,
	}
	var err error
	if s.gen != nil {
		if _, err = s.gen.Enqueue(ctx, it); err == nil {
			return
		}
		observe.Logger(ctx).Warn("dialogue: regeneration not queued, running inline",
			"request_id", o.NewRequestID, "err", err)
	}
	if err = s.HandleGeneration(ctx, it); err != nil {
		s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: p.WorldID}, notify.GenerationFailed{
			WorldID:     p.WorldID,
			Worker:      Kind,
			ItemID:      o.NewRequestID,
			PayloadKind: it.Payload.Kind(),
			Attempts:    1,
			Error:       err.Error(),
		})
	}
}
