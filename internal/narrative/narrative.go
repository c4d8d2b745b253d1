// Package narrative puts model-suggested narrative events in front of the DM.
//
// While writing an NPC's reply the model may call the suggest_event tool
// ([Service.Tool]) to propose that one of the world's DM-authored events is
// triggered. Each suggestion becomes a [genqueue.EventTrigger]; the
// generation worker calls [Service.HandleGeneration], which looks the event
// up, optionally asks the model for scene direction and files the result on
// the narrative approval queue. Approved events are announced to every
// player of the world.
package narrative

import (
	"context"
	"encoding/json"
	"errors"
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
	// Kind names the narrative approval queue and handler.
	Kind = "narrative"

	// SuggestTool is the tool the model calls to suggest an event.
	SuggestTool = "suggest_event"

	// DefaultLLMTimeout bounds one generation call.
	DefaultLLMTimeout = 20 * time.Second

	llmTemperature = 0.7

	systemPrompt = "You are a tabletop game master assistant. " +
		"Write a short scene direction the DM can read aloud when a narrative event begins. " +
		"Two or three sentences, present tense, no dialogue."
)

// Suggestion is the argument object of a [SuggestTool] call.
type Suggestion struct {
	EventID         string   `json:"event_id"`
	Confidence      string   `json:"confidence"`
	Reasoning       string   `json:"reasoning,omitempty"`
	MatchedTriggers []string `json:"matched_triggers,omitempty"`
}

// ParseSuggestion decodes tool-call arguments.
func ParseSuggestion(arguments string) (Suggestion, error) {
	var s Suggestion
	if err := json.Unmarshal([]byte(arguments), &s); err != nil {
		return Suggestion{}, fmt.Errorf("narrative: parse suggestion: %w", err)
	}
	if s.EventID == "" {
		return Suggestion{}, errors.New("narrative: parse suggestion: event_id is required")
	}
	return s, nil
}

// Proposal is a narrative event trigger awaiting approval.
type Proposal struct {
	WorldID  string `json:"world_id"`
	RegionID string `json:"region_id,omitempty"`
	PlayerID string `json:"player_id,omitempty"`
	NPCID    string `json:"npc_id,omitempty"`

	EventID     string `json:"event_id"`
	EventName   string `json:"event_name"`
	Description string `json:"description,omitempty"`

	// SceneDirection is what players are told when the event begins.
	SceneDirection string `json:"scene_direction"`

	Confidence      string   `json:"confidence,omitempty"`
	Reasoning       string   `json:"reasoning,omitempty"`
	MatchedTriggers []string `json:"matched_triggers,omitempty"`

	// Outcome is the selected outcome; Outcomes are the event's choices.
	Outcome  string   `json:"outcome,omitempty"`
	Outcomes []string `json:"outcomes,omitempty"`

	// Degraded is set when the model could not write the scene direction.
	Degraded bool `json:"degraded,omitempty"`
}

// EventSource looks up the world's narrative events.
type EventSource interface {
	Event(ctx context.Context, worldID, eventID string) (world.Event, error)
	Events(ctx context.Context, worldID string) ([]world.Event, error)
}

var _ EventSource = (*world.MemStore)(nil)

// Generator accepts generation work. [*genqueue.Queue] satisfies it.
type Generator interface {
	Enqueue(ctx context.Context, it genqueue.Item) (genqueue.Item, error)
}

// Service prepares narrative event suggestions and applies DM decisions on
// them.
type Service struct {
	events   EventSource
	llm      llm.Provider
	llmName  string
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

// WithLLM lets the model write scene direction. Without one the event's own
// scene direction is used.
func WithLLM(p llm.Provider, name string) Option {
	return func(s *Service) { s.llm, s.llmName = p, name }
}

// WithLLMTimeout bounds each generation call.
func WithLLMTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// WithClock sets the clock of the default approval queue.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithQueue replaces the default approval queue.
func WithQueue(q *approval.Queue[Proposal]) Option { return func(s *Service) { s.queue = q } }

// WithGenerator routes preparation through a queue.
func WithGenerator(g Generator) Option { return func(s *Service) { s.gen = g } }

// WithNotifier sets where requests and approved events are sent.
func WithNotifier(n notify.Sink) Option { return func(s *Service) { s.notifier = n } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option { return func(s *Service) { s.metrics = m } }

// NewService creates a narrative service over the world's events.
func NewService(events EventSource, opts ...Option) *Service {
	s := &Service{
		events:   events,
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

// Queue returns the narrative approval queue.
func (s *Service) Queue() *approval.Queue[Proposal] { return s.queue }

// Tool returns the suggest_event definition for worldID, listing the events
// the model may pick from. It reports false when the world has none.
func (s *Service) Tool(ctx context.Context, worldID string) (llm.ToolDefinition, bool) {
	events, err := s.events.Events(ctx, worldID)
	if err != nil || len(events) == 0 {
		return llm.ToolDefinition{}, false
	}
	ids := make([]string, len(events))
	var b strings.Builder
	b.WriteString("Suggest that the exchange triggers one of these narrative events. The DM decides.\n")
	for i, e := range events {
		ids[i] = e.ID
		fmt.Fprintf(&b, "- %s: %s", e.ID, e.Name)
		if len(e.Triggers) > 0 {
			fmt.Fprintf(&b, " (triggers: %s)", strings.Join(e.Triggers, "; "))
		}
		b.WriteByte('\n')
	}
	return llm.ToolDefinition{
		Name:        SuggestTool,
		Description: strings.TrimSpace(b.String()),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"event_id":   map[string]any{"type": "string", "enum": ids},
				"confidence": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
				"reasoning":  map[string]any{"type": "string", "description": "Why the event fits now."},
				"matched_triggers": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
			"required": []string{"event_id", "confidence"},
		},
	}, true
}

// SuggestEvent files a [SuggestTool] call made while answering a. It returns
// the approval request id, which is the pending one when the same event is
// already waiting in the world.
func (s *Service) SuggestEvent(ctx context.Context, a genqueue.PlayerAction, arguments string) (string, error) {
	sg, err := ParseSuggestion(arguments)
	if err != nil {
		return "", err
	}
	return s.Request(ctx, genqueue.EventTrigger{
		WorldID:         a.WorldID,
		RegionID:        a.RegionID,
		PlayerID:        a.PlayerID,
		NPCID:           a.NPCID,
		EventID:         sg.EventID,
		Confidence:      sg.Confidence,
		Reasoning:       sg.Reasoning,
		MatchedTriggers: sg.MatchedTriggers,
	})
}

// Request starts preparing an event trigger and returns the approval request
// id it will be filed under.
func (s *Service) Request(ctx context.Context, t genqueue.EventTrigger) (string, error) {
	if id, ok := s.pendingFor(t.WorldID, t.EventID); ok {
		return id, nil
	}
	if t.RequestID == "" {
		t.RequestID = s.queue.NewRequestID()
	}
	it := genqueue.Item{Payload: t, Priority: genqueue.PriorityNormal}
	if s.gen != nil {
		if _, err := s.gen.Enqueue(ctx, it); err != nil {
			return "", fmt.Errorf("narrative: request: %w", err)
		}
		return t.RequestID, nil
	}
	if err := s.HandleGeneration(ctx, it); err != nil {
		return "", err
	}
	return t.RequestID, nil
}

func (s *Service) pendingFor(worldID, eventID string) (string, bool) {
	for _, p := range s.queue.PeekPending(approval.Scope{WorldID: worldID}) {
		if p.Payload.EventID == eventID {
			return p.RequestID, true
		}
	}
	return "", false
}

// HandleGeneration serves [genqueue.EventTrigger] items.
func (s *Service) HandleGeneration(ctx context.Context, it genqueue.Item) error {
	t, ok := it.Payload.(genqueue.EventTrigger)
	if !ok {
		return fmt.Errorf("narrative: handle generation: unexpected payload %s", it.Payload.Kind())
	}
	if t.RequestID != "" {
		if _, err := s.queue.Get(t.RequestID); err == nil {
			return nil
		}
	}

	ev, err := s.events.Event(ctx, t.WorldID, t.EventID)
	if err != nil {
		if errors.Is(err, world.ErrNotFound) {
			// The model named an event the world never offered; nothing to retry.
			observe.Logger(ctx).Warn("narrative: suggestion for unknown event dropped", "event", t.EventID)
			return nil
		}
		return fmt.Errorf("narrative: look up %s: %w", t.EventID, err)
	}
	if ev.Region != "" && t.RegionID != "" && ev.Region != t.RegionID {
		observe.Logger(ctx).Info("narrative: suggestion outside the event's region dropped",
			"event", ev.ID, "region", t.RegionID)
		return nil
	}

	p := s.direct(ctx, ev, t, it.Feedback)
	id, err := s.queue.Enqueue(ctx, approval.EnqueueRequest[Proposal]{
		ID:         t.RequestID,
		Payload:    p,
		RetryCount: it.Attempt,
		Guidance:   it.Feedback,
		Scope:      approval.Scope{WorldID: t.WorldID, RegionID: t.RegionID},
		Urgency:    approval.UrgencyNormal,
	})
	if err != nil {
		return fmt.Errorf("narrative: file %s: %w", t.RequestID, err)
	}

	summary := fmt.Sprintf("event %q suggested", ev.Name)
	if t.Confidence != "" {
		summary += " (" + t.Confidence + " confidence)"
	}
	detail := p.SceneDirection
	if t.Reasoning != "" {
		detail += "\nwhy: " + t.Reasoning
	}
	s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: t.WorldID}, notify.ApprovalRequired{
		Kind:       Kind,
		WorldID:    t.WorldID,
		RequestID:  id,
		Summary:    summary,
		Detail:     detail,
		Urgency:    approval.UrgencyNormal.String(),
		RetryCount: it.Attempt,
	})
	return nil
}

// direct builds the proposal. Scene direction comes from the model when one
// is configured and answers, otherwise from the event itself.
func (s *Service) direct(ctx context.Context, ev world.Event, t genqueue.EventTrigger, feedback string) Proposal {
	p := Proposal{
		WorldID:         t.WorldID,
		RegionID:        t.RegionID,
		PlayerID:        t.PlayerID,
		NPCID:           t.NPCID,
		EventID:         ev.ID,
		EventName:       ev.Name,
		Description:     ev.Description,
		SceneDirection:  ev.SceneDirection,
		Confidence:      t.Confidence,
		Reasoning:       t.Reasoning,
		MatchedTriggers: t.MatchedTriggers,
		Outcome:         ev.DefaultOutcome(),
		Outcomes:        ev.Outcomes,
	}
	if p.SceneDirection == "" {
		p.SceneDirection = ev.Description
	}
	if p.SceneDirection == "" {
		p.SceneDirection = ev.Name
	}
	if s.llm == nil {
		return p
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s\n", ev.Name)
	if ev.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", ev.Description)
	}
	if ev.SceneDirection != "" {
		fmt.Fprintf(&b, "Author's direction: %s\n", ev.SceneDirection)
	}
	if t.Reasoning != "" {
		fmt.Fprintf(&b, "Why it triggers now: %s\n", t.Reasoning)
	}
	if fb := strings.TrimSpace(feedback); fb != "" {
		fmt.Fprintf(&b, "DM guidance: %s\n", fb)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	resp, err := llm.Generate(cctx, s.llm, systemPrompt, b.String(), llmTemperature)
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(), observe.ProviderAttr(s.llmName))
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = llm.Malformed(s.llmName, "empty scene direction")
	}
	if err != nil {
		s.metrics.RecordProviderError(ctx, s.llmName, "llm")
		observe.Logger(ctx).Warn("narrative: scene direction unavailable, using the event's own",
			"event", ev.ID, "err", llm.Classify(s.llmName, err))
		p.Degraded = true
		return p
	}
	s.metrics.RecordProviderRequest(ctx, s.llmName, "llm", "ok")
	p.SceneDirection = strings.TrimSpace(resp.Content)
	return p
}

// ── Decisions ──────────────────────────────────────────────────────────────

// Kind implements [approval.Handler].
func (s *Service) Kind() string { return Kind }

// Submit implements [approval.Handler]. A modification or take-over may
// change the scene direction and pick another outcome, never the event.
func (s *Service) Submit(ctx context.Context, requestID string, d approval.Decision, who approval.Actor) (approval.Receipt, error) {
	out, err := s.queue.Resolve(ctx, requestID, d, who.String())
	if err != nil {
		return approval.Receipt{}, fmt.Errorf("narrative: submit %s: %w", requestID, err)
	}
	item := out.Pending()
	worldID := item.Payload.WorldID
	defer s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: worldID}, notify.DecisionApplied{
		Kind:      Kind,
		WorldID:   worldID,
		RequestID: requestID,
		Outcome:   approval.OutcomeKind(out),
		By:        who.String(),
	})

	switch o := out.(type) {
	case approval.Approved[Proposal]:
		s.deliver(ctx, edited(item.Payload, o.Payload))
	case approval.TakenOver[Proposal]:
		s.deliver(ctx, edited(item.Payload, o.Content))
	case approval.Retry[Proposal]:
		s.retry(ctx, o)
	case approval.TerminallyFailed[Proposal]:
		observe.Logger(ctx).Info("narrative: event suggestion rejected with no retries left",
			"request_id", requestID, "event", item.Payload.EventID)
		s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: worldID}, notify.ApprovalTerminallyFailed{
			Kind:      Kind,
			WorldID:   worldID,
			RequestID: requestID,
			Feedback:  o.Feedback,
		})
	}
	return approval.ReceiptFor(Kind, out), nil
}

// edited applies the DM's scene direction and outcome choice to the
// proposal. An outcome the event does not offer is ignored.
func edited(proposed, chosen Proposal) Proposal {
	p := proposed
	if sd := strings.TrimSpace(chosen.SceneDirection); sd != "" {
		p.SceneDirection = sd
	}
	if chosen.Outcome != "" && (len(p.Outcomes) == 0 || slices.Contains(p.Outcomes, chosen.Outcome)) {
		p.Outcome = chosen.Outcome
	}
	return p
}

func (s *Service) deliver(ctx context.Context, p Proposal) {
	s.notifier.Notify(ctx, notify.AllPlayersInWorld{WorldID: p.WorldID}, notify.NarrativeEventTriggered{
		WorldID:        p.WorldID,
		RegionID:       p.RegionID,
		EventID:        p.EventID,
		EventName:      p.EventName,
		SceneDirection: p.SceneDirection,
		Outcome:        p.Outcome,
	})
}

func (s *Service) retry(ctx context.Context, o approval.Retry[Proposal]) {
	p := o.Item.Payload
	it := genqueue.Item{
		Priority: genqueue.PriorityNormal,
		Payload: genqueue.EventTrigger{
			WorldID:         p.WorldID,
			RegionID:        p.RegionID,
			RequestID:       o.NewRequestID,
			PlayerID:        p.PlayerID,
			NPCID:           p.NPCID,
			EventID:         p.EventID,
			Confidence:      p.Confidence,
			Reasoning:       p.Reasoning,
			MatchedTriggers: p.MatchedTriggers,
		},
		Attempt:  o.Attempt,
		Feedback: o.Feedback,
	}
	var err error
	if s.gen != nil {
		if _, err = s.gen.Enqueue(ctx, it); err == nil {
			return
		}
		observe.Logger(ctx).Warn("narrative: regeneration not queued, running inline",
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
