package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/genqueue"
	"github.com/MrWong99/stagehand/internal/notify"
	"github.com/MrWong99/stagehand/internal/observe"
)

// SystemActor is recorded as the approver of automatic decisions.
const SystemActor = "system"

const autoApprovedPrefix = "[Auto-approved] "

// Kind implements [approval.Handler].
func (s *Service) Kind() string { return Kind }

// Submit implements [approval.Handler]. Accepting or taking over activates
// a staging; rejecting queues a regeneration under a new request id, or
// parks the request once its retries are spent.
func (s *Service) Submit(ctx context.Context, requestID string, d approval.Decision, who approval.Actor) (approval.Receipt, error) {
	out, err := s.queue.Resolve(ctx, requestID, d, who.String())
	if err != nil {
		return approval.Receipt{}, fmt.Errorf("staging: submit %s: %w", requestID, err)
	}
	if _, _, err := s.apply(ctx, out, who.String(), 0, ""); err != nil {
		return approval.Receipt{}, err
	}
	return approval.ReceiptFor(Kind, out), nil
}

// retry moves the region on to the regenerated request and schedules the
// regeneration. If the generation queue refuses the work it runs inline; an
// inline failure is reported to DMs rather than failing the decision, which
// has already been applied.
func (s *Service) retry(ctx context.Context, o approval.Retry[Proposal]) error {
	k := o.Item.Payload.Key()
	playersWaiting := s.repoint(k, o.Item.RequestID, o.NewRequestID)

	regen := genqueue.StagingRegeneration{
		WorldID:   k.WorldID,
		RegionID:  k.RegionID,
		RequestID: o.NewRequestID,
		GameTime:  o.Item.Payload.GameTime,
		Guidance:  o.Feedback,
	}
	if s.gen != nil {
		prio := genqueue.PriorityNormal
		if playersWaiting {
			prio = genqueue.PriorityHigh
		}
		_, err := s.gen.Enqueue(ctx, genqueue.Item{
			Priority: prio,
			Payload:  regen,
			Attempt:  o.Attempt,
			Feedback: o.Feedback,
		})
		if err == nil {
			return nil
		}
		observe.Logger(ctx).Warn("staging: regeneration not queued, running inline",
			"request_id", o.NewRequestID, "err", err)
	}
	if err := s.Resubmit(ctx, regen, o.Attempt); err != nil {
		s.ReleaseRegeneration(ctx, regen)
		s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: k.WorldID}, notify.GenerationFailed{
			WorldID:     k.WorldID,
			Worker:      Kind,
			ItemID:      o.NewRequestID,
			PayloadKind: regen.Kind(),
			Attempts:    1,
			Error:       err.Error(),
		})
	}
	return nil
}

// Resubmit generates a fresh proposal for a rejected one and queues it for
// approval under regen.RequestID with the given retry count. Running it
// again after it succeeded is a no-op.
func (s *Service) Resubmit(ctx context.Context, regen genqueue.StagingRegeneration, retryCount int) error {
	if _, err := s.queue.Get(regen.RequestID); err == nil {
		return nil
	}
	k := RegionKey{WorldID: regen.WorldID, RegionID: regen.RegionID}
	gameTime := regen.GameTime
	if gameTime.IsZero() {
		gameTime = s.clock.GameTime(regen.WorldID)
	}
	p, err := s.proposer.Propose(ctx, ProposeInput{
		WorldID:  k.WorldID,
		RegionID: k.RegionID,
		GameTime: gameTime,
		Previous: s.previous(k),
		Guidance: regen.Guidance,
	})
	if err != nil {
		return fmt.Errorf("staging: resubmit %s: %w", regen.RequestID, err)
	}

	sh := s.shard(k)
	sh.mu.Lock()
	waiting := len(sh.state(k).waiting) > 0
	sh.mu.Unlock()

	if _, err := s.queue.Enqueue(ctx, approval.EnqueueRequest[Proposal]{
		ID:         regen.RequestID,
		Payload:    p,
		RetryCount: retryCount,
		Guidance:   regen.Guidance,
		Scope:      approval.Scope{WorldID: k.WorldID, RegionID: k.RegionID},
		Urgency:    urgency(waiting),
	}); err != nil {
		return fmt.Errorf("staging: resubmit %s: %w", regen.RequestID, err)
	}

	players, current := s.settle(k, regen.RequestID)
	if !current {
		s.drop(ctx, regen.RequestID)
		return nil
	}
	s.announce(ctx, p, regen.RequestID, retryCount, players)
	return nil
}

// ReleaseRegeneration gives up on a regeneration that could not be
// produced, so the next lookup of the region starts a fresh request.
func (s *Service) ReleaseRegeneration(ctx context.Context, regen genqueue.StagingRegeneration) {
	k := RegionKey{WorldID: regen.WorldID, RegionID: regen.RegionID}
	sh := s.shard(k)
	sh.mu.Lock()
	rs, ok := sh.m[k]
	if ok && rs.requestID == regen.RequestID && rs.inFlight {
		rs.requestID, rs.inFlight = "", false
	}
	sh.mu.Unlock()
	observe.Logger(ctx).Warn("staging: regeneration abandoned",
		"request_id", regen.RequestID, "region", k.String())
}

// ── Auto-approval ──────────────────────────────────────────────────────────

// SweepAutoApprove approves, with their rule-derived NPCs, all proposals
// that have waited longer than the auto-approval timeout. It returns how
// many it approved; proposals a DM decided on meanwhile are skipped.
func (s *Service) SweepAutoApprove(ctx context.Context) int {
	after := s.AutoApproveAfter()
	if after <= 0 {
		return 0
	}
	n := 0
	for _, p := range s.queue.OlderThan(after) {
		mod := p.Payload
		mod.NPCs = proposed(autoApproved(p.Payload.RuleNPCs()), SourceRule)
		out, err := s.queue.Resolve(ctx, p.RequestID, approval.AcceptWithModification{Modification: mod}, SystemActor)
		if errors.Is(err, approval.ErrAlreadyResolved) || errors.Is(err, approval.ErrNotFound) {
			continue
		}
		if err != nil {
			observe.Logger(ctx).Warn("staging: auto-approve failed", "request_id", p.RequestID, "err", err)
			continue
		}
		if _, _, err := s.apply(ctx, out, SystemActor, 0, SourceAutoApproved); err != nil {
			observe.Logger(ctx).Warn("staging: auto-approve failed", "request_id", p.RequestID, "err", err)
			continue
		}
		n++
	}
	return n
}

// RunAutoApprove sweeps every interval until ctx is done.
func (s *Service) RunAutoApprove(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := s.SweepAutoApprove(ctx); n > 0 {
				observe.Logger(ctx).Info("staging: auto-approved timed out proposals", "count", n)
			}
		}
	}
}

func autoApproved(npcs []StagedNPC) []StagedNPC {
	out := make([]StagedNPC, len(npcs))
	for i, n := range npcs {
		n.Reasoning = autoApprovedPrefix + n.Reasoning
		out[i] = n
	}
	return out
}

// HandleGeneration serves [genqueue.StagingRegeneration] items from a
// generation worker.
func (s *Service) HandleGeneration(ctx context.Context, it genqueue.Item) error {
	regen, ok := it.Payload.(genqueue.StagingRegeneration)
	if !ok {
		return fmt.Errorf("staging: handle generation: unexpected payload %s", it.Payload.Kind())
	}
	return s.Resubmit(ctx, regen, it.Attempt)
}

// GenerationGivenUp releases the region of a regeneration the worker
// abandoned, so the next player request starts a fresh proposal.
func (s *Service) GenerationGivenUp(ctx context.Context, it genqueue.Item, _ error) {
	if regen, ok := it.Payload.(genqueue.StagingRegeneration); ok {
		s.ReleaseRegeneration(ctx, regen)
	}
}
