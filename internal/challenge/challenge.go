// Package challenge routes narrated dice-roll outcomes through DM approval.
//
// The rules decide success; the LLM only narrates. A failed or malformed
// generation falls back to the rules' own description when one exists, so
// a roll is never stuck behind an unavailable model.
package challenge

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/genqueue"
	"github.com/MrWong99/stagehand/internal/notify"
	"github.com/MrWong99/stagehand/internal/observe"
	"github.com/MrWong99/stagehand/pkg/provider/llm"
)

const (
	// Kind names the challenge approval queue and handler.
	Kind = "challenge"

	// DefaultLLMTimeout bounds one generation call.
	DefaultLLMTimeout = 20 * time.Second

	// maxSuggestions is how many narrations are requested per outcome.
	maxSuggestions = 3

	llmTemperature = 0.8

	systemPrompt = "You are a creative tabletop game master assistant. " +
		"Write alternative narrative descriptions for a challenge outcome. " +
		"Each must be evocative and fit the setting. " +
		"Return each on its own line, numbered 1 to 3."
)

// Proposal is a narrated challenge outcome awaiting approval.
type Proposal struct {
	WorldID       string `json:"world_id"`
	ChallengeID   string `json:"challenge_id"`
	ChallengeName string `json:"challenge_name"`
	PlayerID      string `json:"player_id"`
	Roll          int    `json:"roll"`
	Difficulty    int    `json:"difficulty"`
	Success       bool   `json:"success"`

	// Description is the narration players will see. Alternatives are the
	// model's other candidates for the DM to pick from.
	Description  string   `json:"description"`
	Alternatives []string `json:"alternatives,omitempty"`

	// Degraded is set when the model could not be used.
	Degraded bool `json:"degraded,omitempty"`
}

// Generator accepts regeneration work. [*genqueue.Queue] satisfies it.
type Generator interface {
	Enqueue(ctx context.Context, it genqueue.Item) (genqueue.Item, error)
}

// Service narrates challenge outcomes and applies DM decisions on them.
type Service struct {
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

// WithProviderName sets the provider label used in errors and metrics.
func WithProviderName(name string) Option { return func(s *Service) { s.llmName = name } }

// WithLLMTimeout bounds each generation call.
func WithLLMTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// WithClock sets the clock of the default approval queue.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithQueue replaces the default approval queue.
func WithQueue(q *approval.Queue[Proposal]) Option { return func(s *Service) { s.queue = q } }

// WithGenerator routes generation through a queue.
func WithGenerator(g Generator) Option { return func(s *Service) { s.gen = g } }

// WithNotifier sets where requests and approved outcomes are sent.
func WithNotifier(n notify.Sink) Option { return func(s *Service) { s.notifier = n } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option { return func(s *Service) { s.metrics = m } }

// NewService creates a challenge service. p may be nil, in which case every
// outcome uses the rules' description.
func NewService(p llm.Provider, opts ...Option) *Service {
	s := &Service{
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

// Queue returns the challenge approval queue.
func (s *Service) Queue() *approval.Queue[Proposal] { return s.queue }

// Request starts narration of a resolved roll and returns the approval
// request id it will be filed under.
func (s *Service) Request(ctx context.Context, o genqueue.OutcomeSuggestion) (string, error) {
	if o.RequestID == "" {
		o.RequestID = s.queue.NewRequestID()
	}
	it := genqueue.Item{Payload: o, Priority: genqueue.PriorityHigh}
	if s.gen != nil {
		if _, err := s.gen.Enqueue(ctx, it); err != nil {
			return "", fmt.Errorf("challenge: request: %w", err)
		}
		return o.RequestID, nil
	}
	if err := s.HandleGeneration(ctx, it); err != nil {
		return "", err
	}
	return o.RequestID, nil
}

// HandleGeneration serves [genqueue.OutcomeSuggestion] items.
func (s *Service) HandleGeneration(ctx context.Context, it genqueue.Item) error {
	o, ok := it.Payload.(genqueue.OutcomeSuggestion)
	if !ok {
		return fmt.Errorf("challenge: handle generation: unexpected payload %s", it.Payload.Kind())
	}
	if o.RequestID != "" {
		if _, err := s.queue.Get(o.RequestID); err == nil {
			return nil
		}
	}

	p, err := s.narrate(ctx, o, it.Feedback)
	if err != nil {
		return err
	}
	id, err := s.queue.Enqueue(ctx, approval.EnqueueRequest[Proposal]{
		ID:         o.RequestID,
		Payload:    p,
		RetryCount: it.Attempt,
		Guidance:   it.Feedback,
		Scope:      approval.Scope{WorldID: o.WorldID},
		Urgency:    approval.UrgencyAwaitingPlayer,
	})
	if err != nil {
		return fmt.Errorf("challenge: file %s: %w", o.RequestID, err)
	}

	verdict := "fails"
	if p.Success {
		verdict = "succeeds"
	}
	s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: o.WorldID}, notify.ApprovalRequired{
		Kind:       Kind,
		WorldID:    o.WorldID,
		RequestID:  id,
		Summary:    fmt.Sprintf("%s %s %s (%d vs %d)", o.PlayerID, verdict, o.ChallengeName, o.Roll, o.Difficulty),
		Detail:     p.Description,
		Urgency:    approval.UrgencyAwaitingPlayer.String(),
		RetryCount: it.Attempt,
	})
	return nil
}

func (s *Service) narrate(ctx context.Context, o genqueue.OutcomeSuggestion, feedback string) (Proposal, error) {
	p := Proposal{
		WorldID:       o.WorldID,
		ChallengeID:   o.ChallengeID,
		ChallengeName: o.ChallengeName,
		PlayerID:      o.PlayerID,
		Roll:          o.Roll,
		Difficulty:    o.Difficulty,
		Success:       o.Roll >= o.Difficulty,
		Description:   o.Description,
	}
	if s.llm == nil {
		return p, s.requireDescription(ctx, &p, nil)
	}

	result := "failure"
	if p.Success {
		result = "success"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Challenge: %s\nResult: %s (rolled %d against %d)\n", o.ChallengeName, result, o.Roll, o.Difficulty)
	if o.Description != "" {
		fmt.Fprintf(&b, "Current outcome description: %q\n", o.Description)
	}
	if fb := strings.TrimSpace(feedback); fb != "" {
		fmt.Fprintf(&b, "DM guidance: %s\n", fb)
	}
	fmt.Fprintf(&b, "Generate %d alternative descriptions.", maxSuggestions)

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	resp, err := llm.Generate(cctx, s.llm, systemPrompt, b.String(), llmTemperature)
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(), observe.ProviderAttr(s.llmName))
	if err == nil && resp == nil {
		err = llm.Malformed(s.llmName, "no response")
	}
	var lines []string
	if err == nil {
		if lines = parseSuggestions(resp.Content); len(lines) == 0 {
			err = llm.Malformed(s.llmName, "no suggestions")
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return Proposal{}, ctx.Err()
		}
		err = llm.Classify(s.llmName, err)
		s.metrics.RecordProviderError(ctx, s.llmName, "llm")
		if err := s.requireDescription(ctx, &p, err); err != nil {
			return Proposal{}, err
		}
		return p, nil
	}
	s.metrics.RecordProviderRequest(ctx, s.llmName, "llm", "ok")

	p.Description, p.Alternatives = lines[0], lines[1:]
	return p, nil
}

// requireDescription decides whether an outcome without narration can still
// be filed: only when the rules supplied a description.
func (s *Service) requireDescription(ctx context.Context, p *Proposal, cause error) error {
	if p.Description == "" {
		if cause == nil {
			cause = llm.Malformed(s.llmName, "no model and no rules description")
		}
		return fmt.Errorf("challenge: narrate %s: %w", p.ChallengeID, cause)
	}
	if cause != nil {
		p.Degraded = true
		observe.Logger(ctx).Warn("challenge: narration unavailable, using rules description",
			"challenge", p.ChallengeID, "err", cause)
	}
	return nil
}

// parseSuggestions splits one suggestion per line, stripping list numbering.
func parseSuggestions(content string) []string {
	var out []string
	for line := range strings.Lines(content) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); unicode.IsDigit(r[0]) {
			line = strings.TrimLeftFunc(line, unicode.IsDigit)
			line = strings.TrimSpace(strings.TrimLeft(line, ".):- "))
		}
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

// ── Decisions ──────────────────────────────────────────────────────────────

// Kind implements [approval.Handler].
func (s *Service) Kind() string { return Kind }

// Submit implements [approval.Handler]. A modification may replace the
// narration but never the rolled result.
func (s *Service) Submit(ctx context.Context, requestID string, d approval.Decision, who approval.Actor) (approval.Receipt, error) {
	out, err := s.queue.Resolve(ctx, requestID, d, who.String())
	if err != nil {
		return approval.Receipt{}, fmt.Errorf("challenge: submit %s: %w", requestID, err)
	}
	item := out.Pending()
	world := item.Payload.WorldID
	defer s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: world}, notify.DecisionApplied{
		Kind:      Kind,
		WorldID:   world,
		RequestID: requestID,
		Outcome:   approval.OutcomeKind(out),
		By:        who.String(),
	})

	switch o := out.(type) {
	case approval.Approved[Proposal]:
		s.deliver(ctx, item.Payload, o.Payload.Description)
	case approval.TakenOver[Proposal]:
		s.deliver(ctx, item.Payload, o.Content.Description)
	case approval.Retry[Proposal]:
		s.retry(ctx, o)
	case approval.TerminallyFailed[Proposal]:
		observe.Logger(ctx).Warn("challenge: outcome rejected with no retries left",
			"request_id", requestID, "challenge", item.Payload.ChallengeID)
		s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: world}, notify.ApprovalTerminallyFailed{
			Kind:      Kind,
			WorldID:   world,
			RequestID: requestID,
			Feedback:  o.Feedback,
		})
	}
	return approval.ReceiptFor(Kind, out), nil
}

func (s *Service) deliver(ctx context.Context, p Proposal, description string) {
	s.notifier.Notify(ctx, notify.SpecificUser{WorldID: p.WorldID, UserID: p.PlayerID}, notify.OutcomeApproved{
		WorldID:     p.WorldID,
		ChallengeID: p.ChallengeID,
		PlayerID:    p.PlayerID,
		Success:     p.Success,
		Description: description,
	})
}

func (s *Service) retry(ctx context.Context, o approval.Retry[Proposal]) {
	p := o.Item.Payload
	it := genqueue.Item{
		Priority: genqueue.PriorityHigh,
		Payload: genqueue.OutcomeSuggestion{
			WorldID:       p.WorldID,
			RequestID:     o.NewRequestID,
			ChallengeID:   p.ChallengeID,
			ChallengeName: p.ChallengeName,
			PlayerID:      p.PlayerID,
			Roll:          p.Roll,
			Difficulty:    p.Difficulty,
			Description:   p.Description,
		},
		Attempt:  o.Attempt,
		Feedback: o.Feedback,
	}
	var err error
	if s.gen != nil {
		if _, err = s.gen.Enqueue(ctx, it); err == nil {
			return
		}
		observe.Logger(ctx).Warn("challenge: regeneration not queued, running inline",
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
