package staging

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/genqueue"
	"github.com/MrWong99/stagehand/internal/notify"
	"github.com/MrWong99/stagehand/internal/observe"
	"github.com/MrWong99/stagehand/internal/world"
)

// Kind is the approval kind of staging proposals.
const Kind = "staging"

// DefaultAutoApproveAfter is how long a proposal may wait for the DM before
// its rule-derived NPCs are approved automatically.
const DefaultAutoApproveAfter = 30 * time.Second

const regionShards = 64

// Outcome is the result of [Service.GetOrRequest]: [Ready] or [Pending].
type Outcome interface {
	lookupOutcome()
}

// Ready carries a valid active staging.
type Ready struct {
	Staging Staging
}

// Pending means the region awaits a DM decision on RequestID.
type Pending struct {
	RequestID string
}

func (Ready) lookupOutcome()   {}
func (Pending) lookupOutcome() {}

// RegionRequest asks for the staging of a region.
type RegionRequest struct {
	WorldID  string
	RegionID string

	// PlayerID, when set, is notified once the region is ready.
	PlayerID string

	// GameTime defaults to the world's current game time.
	GameTime time.Time
}

// ApproveInput is a DM approval of a pending proposal.
type ApproveInput struct {
	RequestID string

	// NPCs replaces the proposed list when non-nil.
	NPCs []StagedNPC

	// TTLHours defaults to the configured TTL.
	TTLHours int

	// Source defaults to human for an edited list and to the proposal's own
	// source otherwise.
	Source   Source
	Approver string
}

// PreStageInput is a DM-authored staging applied without approval.
type PreStageInput struct {
	WorldID  string
	RegionID string
	NPCs     []StagedNPC
	TTLHours int
	Approver string

	// GameTime defaults to the world's current game time.
	GameTime time.Time
}

// Generator accepts regeneration work. [*genqueue.Queue] satisfies it.
type Generator interface {
	Enqueue(ctx context.Context, it genqueue.Item) (genqueue.Item, error)
}

// Service is the staging façade the rest of the engine calls. It is safe for
// concurrent use; per-region bookkeeping is lock-striped and no lock is held
// across a call to the resolver, store or notifier.
type Service struct {
	world    world.ReadModel
	proposer Proposer
	queue    *approval.Queue[Proposal]
	cache    *Cache
	store    Store
	clock    clock.Clock
	notifier notify.Sink
	gen      Generator
	metrics  *observe.Metrics

	ttlHours  atomic.Int64
	autoAfter atomic.Int64

	regions [regionShards]regionShard
}

var _ approval.Handler = (*Service)(nil)

type regionShard struct {
	mu sync.Mutex
	m  map[RegionKey]*regionState
}

// regionState tracks the one outstanding proposal of a region.
type regionState struct {
	requestID string

	// inFlight is set while the proposal for requestID is being generated
	// and is not in the queue yet.
	inFlight bool

	waiting map[string]struct{}
}

// Option configures a [Service].
type Option func(*Service)

// WithClock sets the clock. Default: a [clock.World] at [clock.DefaultEpoch].
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithQueue sets the approval queue. Default: a queue named [Kind] with
// [approval.DefaultCapacity] sharing the service clock.
func WithQueue(q *approval.Queue[Proposal]) Option { return func(s *Service) { s.queue = q } }

// WithStore sets the staging store. Default: [NewMemStore].
func WithStore(st Store) Option { return func(s *Service) { s.store = st } }

// WithNotifier sets the event sink. Default: [notify.Discard].
func WithNotifier(n notify.Sink) Option { return func(s *Service) { s.notifier = n } }

// WithGenerator routes regenerations after a rejection through g. Without
// one they run inline.
func WithGenerator(g Generator) Option { return func(s *Service) { s.gen = g } }

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithDefaultTTL sets the TTL in game hours. Default: [DefaultTTLHours].
func WithDefaultTTL(hours int) Option {
	return func(s *Service) { s.ttlHours.Store(int64(hours)) }
}

// WithAutoApproveAfter sets the auto-approval timeout; zero disables it.
// Default: [DefaultAutoApproveAfter].
func WithAutoApproveAfter(d time.Duration) Option {
	return func(s *Service) { s.autoAfter.Store(int64(d)) }
}

// NewService creates a Service resolving proposals with p against w.
func NewService(w world.ReadModel, p Proposer, opts ...Option) *Service {
	s := &Service{world: w, proposer: p, cache: NewCache()}
	s.ttlHours.Store(DefaultTTLHours)
	s.autoAfter.Store(int64(DefaultAutoApproveAfter))
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = clock.NewWorld(time.Time{})
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.queue == nil {
		s.queue = approval.New[Proposal](Kind, approval.DefaultCapacity,
			approval.WithClock(s.clock), approval.WithMetrics(s.metrics))
	}
	if s.store == nil {
		s.store = NewMemStore()
	}
	if s.notifier == nil {
		s.notifier = notify.Discard
	}
	for i := range s.regions {
		s.regions[i].m = make(map[RegionKey]*regionState)
	}
	return s
}

// Queue returns the approval queue of staging proposals.
func (s *Service) Queue() *approval.Queue[Proposal] { return s.queue }

// DefaultTTL returns the TTL in game hours applied when none is given.
func (s *Service) DefaultTTL() int { return int(s.ttlHours.Load()) }

// SetDefaultTTL changes the default TTL.
func (s *Service) SetDefaultTTL(hours int) { s.ttlHours.Store(int64(hours)) }

// AutoApproveAfter returns the auto-approval timeout.
func (s *Service) AutoApproveAfter() time.Duration { return time.Duration(s.autoAfter.Load()) }

// SetAutoApproveAfter changes the auto-approval timeout; zero disables it.
func (s *Service) SetAutoApproveAfter(d time.Duration) { s.autoAfter.Store(int64(d)) }

// ── Lookup ─────────────────────────────────────────────────────────────────

// GetOrRequest returns the region's active staging if it is valid at the
// request's game time. Otherwise it returns the region's outstanding
// request, or proposes a new staging, queues it for the DM and returns its
// request id. A region never has more than one outstanding request.
func (s *Service) GetOrRequest(ctx context.Context, req RegionRequest) (Outcome, error) {
	k := RegionKey{WorldID: req.WorldID, RegionID: req.RegionID}
	gameNow := req.GameTime
	if gameNow.IsZero() {
		gameNow = s.clock.GameTime(req.WorldID)
	}

	if st, ok := s.lookupValid(ctx, k, gameNow); ok {
		s.metrics.RecordStagingLookup(ctx, "ready")
		return Ready{Staging: st}, nil
	}

	sh := s.shard(k)
	sh.mu.Lock()
	// An approval may have landed since the first look.
	if st, ok := s.cache.GetValid(k, gameNow); ok {
		sh.mu.Unlock()
		s.metrics.RecordStagingLookup(ctx, "ready")
		return Ready{Staging: st}, nil
	}
	rs := sh.state(k)
	if id, ok := s.outstanding(rs); ok {
		joined := rs.wait(req.PlayerID)
		sh.mu.Unlock()
		s.metrics.RecordStagingLookup(ctx, "pending")
		if joined {
			s.notifier.Notify(ctx, notify.SpecificUser{WorldID: k.WorldID, UserID: req.PlayerID},
				notify.StagingPending{WorldID: k.WorldID, RegionID: k.RegionID, RequestID: id})
		}
		return Pending{RequestID: id}, nil
	}
	id := s.queue.NewRequestID()
	rs.requestID, rs.inFlight = id, true
	rs.wait(req.PlayerID)
	sh.mu.Unlock()

	p, err := s.proposer.Propose(ctx, ProposeInput{
		WorldID:  k.WorldID,
		RegionID: k.RegionID,
		GameTime: gameNow,
		Previous: s.previous(k),
	})
	if err == nil {
		_, err = s.queue.Enqueue(ctx, approval.EnqueueRequest[Proposal]{
			ID:      id,
			Payload: p,
			Scope:   approval.Scope{WorldID: k.WorldID, RegionID: k.RegionID},
			Urgency: urgency(req.PlayerID != ""),
		})
	}
	if err != nil {
		s.abandon(k, id)
		return nil, fmt.Errorf("staging: get or request %s: %w", k, err)
	}

	waiting, current := s.settle(k, id)
	if !current {
		// Pre-staged while the proposal was being generated.
		s.drop(ctx, id)
		if st, ok := s.cache.GetValid(k, gameNow); ok {
			s.metrics.RecordStagingLookup(ctx, "ready")
			return Ready{Staging: st}, nil
		}
	}
	s.metrics.RecordStagingLookup(ctx, "requested")
	s.announce(ctx, p, id, 0, waiting)
	return Pending{RequestID: id}, nil
}

// Active returns the active staging of k, expired or not.
func (s *Service) Active(ctx context.Context, k RegionKey) (Staging, error) {
	if st, ok := s.cache.Get(k); ok {
		return st, nil
	}
	st, err := s.store.Active(ctx, k)
	if err != nil {
		return Staging{}, fmt.Errorf("staging: active %s: %w", k, err)
	}
	s.cache.Put(st)
	return st, nil
}

// History returns up to limit stagings of k, newest first.
func (s *Service) History(ctx context.Context, k RegionKey, limit int) ([]Staging, error) {
	h, err := s.store.History(ctx, k, limit)
	if err != nil {
		return nil, fmt.Errorf("staging: history %s: %w", k, err)
	}
	return h, nil
}

// PendingRequests returns the outstanding proposals inside scope.
func (s *Service) PendingRequests(scope approval.Scope) []approval.Pending[Proposal] {
	return s.queue.PeekPending(scope)
}

// FailedRequests returns proposals that exhausted their retries and await
// a take-over, regeneration or discard.
func (s *Service) FailedRequests(scope approval.Scope) []approval.Pending[Proposal] {
	return s.queue.PeekFailed(scope)
}

func (s *Service) lookupValid(ctx context.Context, k RegionKey, gameNow time.Time) (Staging, bool) {
	if st, ok := s.cache.Get(k); ok {
		if st.ExpiredAt(gameNow) {
			return Staging{}, false
		}
		return st, true
	}
	st, err := s.store.Active(ctx, k)
	if err != nil {
		if !errors.Is(err, ErrNoStaging) {
			observe.Logger(ctx).Warn("staging: store lookup failed", "region", k.String(), "err", err)
		}
		return Staging{}, false
	}
	s.cache.Put(st)
	if st.ExpiredAt(gameNow) {
		return Staging{}, false
	}
	return st, true
}

func (s *Service) previous(k RegionKey) *Staging {
	if st, ok := s.cache.Get(k); ok {
		return &st
	}
	return nil
}

// ── Decisions ──────────────────────────────────────────────────────────────

// Approve accepts a pending proposal, optionally with an edited NPC list,
// and makes it the region's active staging. It fails with an error wrapping
// [approval.ErrNotFound] when the request is not pending and
// [approval.ErrAlreadyResolved] when another decision won.
func (s *Service) Approve(ctx context.Context, in ApproveInput) (Staging, error) {
	var d approval.Decision = approval.Accept{}
	if in.NPCs != nil {
		p, err := s.queue.Get(in.RequestID)
		if err != nil {
			return Staging{}, fmt.Errorf("staging: approve %s: %w", in.RequestID, err)
		}
		mod := p.Payload
		mod.NPCs = proposed(in.NPCs, SourceHuman)
		d = approval.AcceptWithModification{Modification: mod}
	}
	out, err := s.queue.Resolve(ctx, in.RequestID, d, in.Approver)
	if err != nil {
		return Staging{}, fmt.Errorf("staging: approve %s: %w", in.RequestID, err)
	}
	st, _, err := s.apply(ctx, out, in.Approver, in.TTLHours, in.Source)
	return st, err
}

// Regenerate re-runs the resolver for a pending request with guidance and
// replaces its proposal in place: same request id, attempt incremented.
func (s *Service) Regenerate(ctx context.Context, requestID, guidance string) (approval.Pending[Proposal], error) {
	cur, err := s.queue.Get(requestID)
	if err != nil {
		return approval.Pending[Proposal]{}, fmt.Errorf("staging: regenerate %s: %w", requestID, err)
	}
	k := cur.Payload.Key()
	p, err := s.proposer.Propose(ctx, ProposeInput{
		WorldID:  k.WorldID,
		RegionID: k.RegionID,
		GameTime: cur.Payload.GameTime,
		Previous: s.previous(k),
		Guidance: guidance,
	})
	if err != nil {
		return approval.Pending[Proposal]{}, fmt.Errorf("staging: regenerate %s: %w", requestID, err)
	}
	next, err := s.queue.Replace(ctx, requestID, p, guidance)
	if err != nil {
		return approval.Pending[Proposal]{}, fmt.Errorf("staging: regenerate %s: %w", requestID, err)
	}
	s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: k.WorldID}, notify.StagingRegenerated{
		WorldID:   k.WorldID,
		RegionID:  k.RegionID,
		RequestID: requestID,
		Attempt:   next.Attempt,
		NPCs:      suggestions(p.NPCs),
		Degraded:  p.Degraded,
	})
	return next, nil
}

// PreStage makes a DM-authored staging active at once, superseding the
// current one and cancelling any outstanding request for the region.
func (s *Service) PreStage(ctx context.Context, in PreStageInput) (Staging, error) {
	k := RegionKey{WorldID: in.WorldID, RegionID: in.RegionID}
	if _, err := s.world.Region(ctx, in.WorldID, in.RegionID); err != nil {
		return Staging{}, fmt.Errorf("staging: pre-stage %s: %w", k, err)
	}
	gameTime := in.GameTime
	if gameTime.IsZero() {
		gameTime = s.clock.GameTime(in.WorldID)
	}
	st := s.activate(ctx, k, in.NPCs, gameTime, in.TTLHours, SourcePreStaged, in.Approver)

	pendingID, waiting := s.release(k, "")
	if pendingID != "" {
		if err := s.queue.Discard(ctx, pendingID, in.Approver); err != nil &&
			!errors.Is(err, approval.ErrNotFound) && !errors.Is(err, approval.ErrAlreadyResolved) {
			observe.Logger(ctx).Warn("staging: discard superseded request", "request_id", pendingID, "err", err)
		}
	}
	s.notifyReady(ctx, st, waiting)
	return st, nil
}

// apply acts on a resolved proposal. It returns the new staging when the
// outcome activated one.
func (s *Service) apply(ctx context.Context, out approval.Outcome[Proposal], by string, ttl int, src Source) (Staging, bool, error) {
	item := out.Pending()
	k := item.Payload.Key()
	defer s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: k.WorldID}, notify.DecisionApplied{
		Kind:      Kind,
		WorldID:   k.WorldID,
		RequestID: item.RequestID,
		Outcome:   approval.OutcomeKind(out),
		By:        by,
	})

	// The TTL window opens at the game time of the decision, not of the request.
	approvedAt := s.clock.GameTime(k.WorldID)

	switch o := out.(type) {
	case approval.Approved[Proposal]:
		if src == "" {
			src = o.Payload.source()
			if o.Modified {
				src = SourceHuman
			}
		}
		st := s.activate(ctx, k, o.Payload.Staged(), approvedAt, ttl, src, by)
		_, waiting := s.release(k, item.RequestID)
		s.notifyReady(ctx, st, waiting)
		return st, true, nil

	case approval.TakenOver[Proposal]:
		if src == "" {
			src = SourceHuman
		}
		st := s.activate(ctx, k, o.Content.Staged(), approvedAt, ttl, src, by)
		_, waiting := s.release(k, item.RequestID)
		s.notifyReady(ctx, st, waiting)
		return st, true, nil

	case approval.Retry[Proposal]:
		return Staging{}, false, s.retry(ctx, o)

	case approval.TerminallyFailed[Proposal]:
		observe.Logger(ctx).Warn("staging: proposal rejected with no retries left",
			"request_id", item.RequestID, "region", k.String(), "retry_count", item.RetryCount)
		s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: k.WorldID}, notify.ApprovalTerminallyFailed{
			Kind:      Kind,
			WorldID:   k.WorldID,
			RequestID: item.RequestID,
			Feedback:  o.Feedback,
		})
		return Staging{}, false, nil
	}
	return Staging{}, false, fmt.Errorf("staging: unexpected outcome %T", out)
}

// activate makes a new staging the active one for k. The cache is updated
// first; a store failure is logged and does not undo the approval.
func (s *Service) activate(ctx context.Context, k RegionKey, npcs []StagedNPC, gameTime time.Time, ttl int, src Source, by string) Staging {
	if ttl <= 0 {
		ttl = s.DefaultTTL()
	}
	st := Staging{
		ID:         uuid.NewString(),
		WorldID:    k.WorldID,
		RegionID:   k.RegionID,
		NPCs:       slices.Clone(npcs),
		ApprovedAt: s.clock.Now(),
		GameTime:   gameTime,
		TTLHours:   ttl,
		Source:     src,
		ApprovedBy: by,
		IsActive:   true,
	}
	s.cache.Put(st)
	prev, err := s.store.Activate(ctx, st)
	if err != nil {
		observe.Logger(ctx).Error("staging: persist staging failed", "staging_id", st.ID, "region", k.String(), "err", err)
	}
	log := observe.Logger(ctx).With("staging_id", st.ID, "region", k.String(), "source", string(src), "by", by)
	if prev != nil {
		log = log.With("superseded", prev.ID)
	}
	log.Info("staging: activated", "npcs", len(st.NPCs), "ttl_hours", ttl)
	return st
}

// notifyReady tells DMs the full presence list and waiting players only the
// NPCs they can see.
func (s *Service) notifyReady(ctx context.Context, st Staging, waiting []string) {
	ev := notify.StagingReady{
		WorldID:   st.WorldID,
		RegionID:  st.RegionID,
		StagingID: st.ID,
		Source:    string(st.Source),
		NPCs:      presence(st.Present()),
	}
	s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: st.WorldID}, ev)
	ev.NPCs = presence(st.Visible())
	for _, p := range waiting {
		s.notifier.Notify(ctx, notify.SpecificUser{WorldID: st.WorldID, UserID: p}, ev)
	}
}

// announce asks DMs to review a freshly queued proposal and tells waiting
// players the region is pending.
func (s *Service) announce(ctx context.Context, p Proposal, id string, retryCount int, waiting []string) {
	s.notifier.Notify(ctx, notify.AllDMsInWorld{WorldID: p.WorldID}, notify.StagingApprovalRequired{
		WorldID:    p.WorldID,
		RegionID:   p.RegionID,
		RegionName: p.RegionName,
		RequestID:  id,
		GameTime:   p.GameTime,
		NPCs:       suggestions(p.NPCs),
		Degraded:   p.Degraded,
		RetryCount: retryCount,
		WaitingFor: waiting,
	})
	for _, player := range waiting {
		s.notifier.Notify(ctx, notify.SpecificUser{WorldID: p.WorldID, UserID: player}, notify.StagingPending{
			WorldID:    p.WorldID,
			RegionID:   p.RegionID,
			RegionName: p.RegionName,
			RequestID:  id,
		})
	}
}

// drop discards a request that lost its region to a pre-stage.
func (s *Service) drop(ctx context.Context, id string) {
	if err := s.queue.Discard(ctx, id, "system"); err != nil && !errors.Is(err, approval.ErrNotFound) {
		slog.Debug("staging: drop stale request", "request_id", id, "err", err)
	}
}

// ── Region index ───────────────────────────────────────────────────────────

func (s *Service) shard(k RegionKey) *regionShard {
	h := fnv.New32a()
	h.Write([]byte(k.WorldID))
	h.Write([]byte{0})
	h.Write([]byte(k.RegionID))
	return &s.regions[h.Sum32()%regionShards]
}

func (sh *regionShard) state(k RegionKey) *regionState {
	rs, ok := sh.m[k]
	if !ok {
		rs = &regionState{}
		sh.m[k] = rs
	}
	return rs
}

// wait records player as waiting and reports whether it was new.
func (rs *regionState) wait(player string) bool {
	if player == "" {
		return false
	}
	if rs.waiting == nil {
		rs.waiting = make(map[string]struct{})
	}
	if _, ok := rs.waiting[player]; ok {
		return false
	}
	rs.waiting[player] = struct{}{}
	return true
}

func (rs *regionState) waitingList() []string {
	out := make([]string, 0, len(rs.waiting))
	for p := range rs.waiting {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// outstanding returns the region's request id if it is still live. Must be
// called with the shard lock held.
func (s *Service) outstanding(rs *regionState) (string, bool) {
	if rs.requestID == "" {
		return "", false
	}
	if rs.inFlight {
		return rs.requestID, true
	}
	if _, err := s.queue.Get(rs.requestID); err == nil {
		return rs.requestID, true
	}
	rs.requestID = ""
	return "", false
}

// settle marks id as queued and returns the players waiting on it. current
// is false when the region has moved on to another request meanwhile.
func (s *Service) settle(k RegionKey, id string) (waiting []string, current bool) {
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rs := sh.state(k)
	if rs.requestID != id {
		return nil, false
	}
	rs.inFlight = false
	return rs.waitingList(), true
}

// abandon forgets id after its proposal could not be queued. Waiting players
// stay recorded for the next request.
func (s *Service) abandon(k RegionKey, id string) {
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if rs, ok := sh.m[k]; ok && rs.requestID == id {
		rs.requestID, rs.inFlight = "", false
	}
}

// release clears the region's outstanding request and returns it along with
// the players that were waiting. A non-empty id only releases that request.
func (s *Service) release(k RegionKey, id string) (string, []string) {
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rs, ok := sh.m[k]
	if !ok || (id != "" && rs.requestID != id) {
		return "", nil
	}
	delete(sh.m, k)
	return rs.requestID, rs.waitingList()
}

// repoint moves the region's outstanding request from old to next, which is
// being regenerated. It reports whether players are waiting.
func (s *Service) repoint(k RegionKey, old, next string) bool {
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rs := sh.state(k)
	if rs.requestID == old || rs.requestID == "" {
		rs.requestID, rs.inFlight = next, true
	}
	return len(rs.waiting) > 0
}

// Reindex rebuilds the region index from the queue, for use after the queue
// was restored from its journal.
func (s *Service) Reindex() int {
	items := append(s.queue.PeekPending(approval.Scope{}), s.queue.PeekFailed(approval.Scope{})...)
	slices.SortFunc(items, func(a, b approval.Pending[Proposal]) int { return a.CreatedAt.Compare(b.CreatedAt) })
	for _, it := range items {
		k := it.Payload.Key()
		sh := s.shard(k)
		sh.mu.Lock()
		rs := sh.state(k)
		rs.requestID, rs.inFlight = it.RequestID, false
		sh.mu.Unlock()
	}
	return len(items)
}

// ── Conversions ────────────────────────────────────────────────────────────

func urgency(playerWaiting bool) approval.Urgency {
	if playerWaiting {
		return approval.UrgencyAwaitingPlayer
	}
	return approval.UrgencyNormal
}

func proposed(npcs []StagedNPC, src Source) []ProposedNPC {
	out := make([]ProposedNPC, len(npcs))
	for i, n := range npcs {
		out[i] = ProposedNPC{StagedNPC: n, Source: src}
	}
	return out
}

func suggestions(npcs []ProposedNPC) []notify.NPCSuggestion {
	out := make([]notify.NPCSuggestion, len(npcs))
	for i, n := range npcs {
		out[i] = notify.NPCSuggestion{
			CharacterID: n.CharacterID,
			Name:        n.Name,
			IsPresent:   n.IsPresent,
			IsHidden:    n.IsHiddenFromPlayers,
			Reasoning:   n.Reasoning,
			Source:      string(n.Source),
			Flagged:     n.FlaggedForReview,
		}
	}
	return out
}

func presence(npcs []StagedNPC) []notify.NPCPresence {
	out := make([]notify.NPCPresence, len(npcs))
	for i, n := range npcs {
		out[i] = notify.NPCPresence{CharacterID: n.CharacterID, Name: n.Name, Hidden: n.IsHiddenFromPlayers}
	}
	return out
}
