// Package approval holds the human-in-the-loop machinery shared by every kind
// of AI-proposed content: a bounded generic [Queue] of pending approvals,
// the closed sets of [Decision] and [Outcome] types, and the [Intake] that
// routes a DM's decision to the queue owning the request.
//
// A request id is resolved at most once. [Queue.Resolve] removes the item
// with a single check-and-remove under the lock of the shard that owns the
// id, so two DM clients racing on the same request see exactly one winner;
// the loser gets [ErrAlreadyResolved].
//
// All types are safe for concurrent use.
package approval

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/observe"
)

const (
	// DefaultCapacity is the queue capacity used when none is configured.
	DefaultCapacity = 256

	shardCount = 32

	// tombstonesPerShard bounds how many resolved ids each shard remembers
	// for telling [ErrAlreadyResolved] apart from [ErrNotFound].
	tombstonesPerShard = 512

	defaultHistorySize = 256
)

// Urgency orders pending approvals for the DM. Higher sorts first.
type Urgency int

const (
	UrgencyNormal Urgency = iota
	// UrgencyAwaitingPlayer marks content a player is actively waiting on.
	UrgencyAwaitingPlayer
	// UrgencySceneCritical marks content blocking the whole table.
	UrgencySceneCritical
)

// String returns the lower-case urgency name.
func (u Urgency) String() string {
	switch u {
	case UrgencyNormal:
		return "normal"
	case UrgencyAwaitingPlayer:
		return "awaiting_player"
	case UrgencySceneCritical:
		return "scene_critical"
	default:
		return "unknown"
	}
}

// Scope locates a pending approval in the game world. Empty fields act as
// wildcards when a Scope is used as a filter.
type Scope struct {
	WorldID  string
	RegionID string
}

// Contains reports whether other falls inside the filter s.
func (s Scope) Contains(other Scope) bool {
	return (s.WorldID == "" || s.WorldID == other.WorldID) &&
		(s.RegionID == "" || s.RegionID == other.RegionID)
}

// Pending is one unit of content awaiting a human decision.
type Pending[T any] struct {
	RequestID string
	CreatedAt time.Time
	Payload   T

	// RetryCount is how many times this content has been rejected and
	// regenerated. It is compared against [MaxRetries] on Reject.
	RetryCount int

	// Attempt counts in-place regenerations of this request, starting at 1.
	Attempt int

	Guidance string
	Scope    Scope
	Urgency  Urgency

	// Failed is set while the item is parked after exhausting its retries.
	Failed bool
}

// EnqueueRequest describes new content to put up for review.
type EnqueueRequest[T any] struct {
	// ID is optional. Set it to the NewRequestID of a [Retry] outcome so the
	// regenerated content keeps the id the caller already handed out.
	ID string

	Payload    T
	RetryCount int
	Guidance   string
	Scope      Scope
	Urgency    Urgency
}

// Resolution records how a request left the queue.
type Resolution struct {
	Queue     string
	RequestID string
	Scope     Scope
	Decision  string
	Outcome   string
	By        string
	At        time.Time
}

// shard owns a slice of the request id space.
type shard[T any] struct {
	mu      sync.RWMutex
	pending map[string]*Pending[T]
	failed  map[string]*Pending[T]

	tombs    map[string]struct{}
	tombRing []string
	tombNext int
}

func (s *shard[T]) bury(id string) {
	if old := s.tombRing[s.tombNext]; old != "" {
		delete(s.tombs, old)
	}
	s.tombRing[s.tombNext] = id
	s.tombNext = (s.tombNext + 1) % len(s.tombRing)
	s.tombs[id] = struct{}{}
}

// lookupErr classifies a miss on id. Caller holds s.mu.
// owns returns nil when id is pending or parked in s, and the lookup error
// otherwise.
func (s *shard[T]) owns(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.pending[id]; ok {
		return nil
	}
	if _, ok := s.failed[id]; ok {
		return nil
	}
	return s.lookupErr(id)
}

func (s *shard[T]) lookupErr(id string) error {
	if _, ok := s.tombs[id]; ok {
		return ErrAlreadyResolved
	}
	return ErrNotFound
}

// Queue is a bounded store of pending approvals carrying payloads of type T.
type Queue[T any] struct {
	name     string
	capacity int64
	size     atomic.Int64
	shards   [shardCount]*shard[T]

	clock   clock.Clock
	journal Journal
	metrics *observe.Metrics
	newID   func() string

	histMu   sync.Mutex
	history  []Resolution
	histNext int
	histFull bool
}

// Option configures a [Queue].
type Option func(*options)

type options struct {
	clock       clock.Clock
	journal     Journal
	metrics     *observe.Metrics
	newID       func() string
	historySize int
}

// WithClock sets the clock used for CreatedAt and history timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithJournal persists every enqueue and resolution to j.
func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithIDGenerator overrides request id generation. Default: random UUIDs.
func WithIDGenerator(f func() string) Option {
	return func(o *options) { o.newID = f }
}

// WithHistorySize bounds the resolution history. Default: 256.
func WithHistorySize(n int) Option {
	return func(o *options) { o.historySize = n }
}

// New creates a queue called name that holds at most capacity items, pending
// and failed together. A non-positive capacity means [DefaultCapacity].
func New[T any](name string, capacity int, opts ...Option) *Queue[T] {
	o := options{
		clock:       clock.NewWorld(time.Time{}),
		newID:       uuid.NewString,
		historySize: defaultHistorySize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.historySize <= 0 {
		o.historySize = defaultHistorySize
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	q := &Queue[T]{
		name:     name,
		capacity: int64(capacity),
		clock:    o.clock,
		journal:  o.journal,
		metrics:  o.metrics,
		newID:    o.newID,
		history:  make([]Resolution, o.historySize),
	}
	for i := range q.shards {
		q.shards[i] = &shard[T]{
			pending:  make(map[string]*Pending[T]),
			failed:   make(map[string]*Pending[T]),
			tombs:    make(map[string]struct{}),
			tombRing: make([]string, tombstonesPerShard),
		}
	}
	return q
}

// Name returns the queue name given to [New].
func (q *Queue[T]) Name() string { return q.name }

// Len returns the number of items held, pending and failed.
func (q *Queue[T]) Len() int { return int(q.size.Load()) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return int(q.capacity) }

// NewRequestID reserves a fresh request id without enqueuing anything.
func (q *Queue[T]) NewRequestID() string { return q.newID() }

func (q *Queue[T]) shardFor(id string) *shard[T] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return q.shards[h.Sum32()%shardCount]
}

// reserve claims one slot of capacity.
func (q *Queue[T]) reserve() bool {
	for {
		n := q.size.Load()
		if n >= q.capacity {
			return false
		}
		if q.size.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (q *Queue[T]) release(ctx context.Context) {
	q.size.Add(-1)
	q.metrics.RecordDequeue(ctx, q.name, 1)
}

// Enqueue puts new content up for review and returns its request id. It
// returns [ErrBackpressure] at once when the queue is full.
func (q *Queue[T]) Enqueue(ctx context.Context, req EnqueueRequest[T]) (string, error) {
	if !q.reserve() {
		q.metrics.RecordBackpressure(ctx, q.name)
		return "", fmt.Errorf("approval: enqueue %s: %w", q.name, ErrBackpressure)
	}

	id := req.ID
	if id == "" {
		id = q.newID()
	}
	item := &Pending[T]{
		RequestID:  id,
		CreatedAt:  q.clock.Now(),
		Payload:    req.Payload,
		RetryCount: req.RetryCount,
		Attempt:    1,
		Guidance:   req.Guidance,
		Scope:      req.Scope,
		Urgency:    req.Urgency,
	}

	s := q.shardFor(id)
	s.mu.Lock()
	_, dupPending := s.pending[id]
	_, dupFailed := s.failed[id]
	if dupPending || dupFailed {
		s.mu.Unlock()
		q.size.Add(-1)
		return "", fmt.Errorf("approval: enqueue %s: request %s is already queued", q.name, id)
	}
	s.pending[id] = item
	snapshot := *item
	s.mu.Unlock()

	q.metrics.RecordEnqueue(ctx, q.name)
	q.persist(ctx, snapshot)
	return id, nil
}

// Get returns a copy of the pending or failed item with id.
func (q *Queue[T]) Get(id string) (Pending[T], error) {
	s := q.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if it, ok := s.pending[id]; ok {
		return *it, nil
	}
	if it, ok := s.failed[id]; ok {
		return *it, nil
	}
	return Pending[T]{}, fmt.Errorf("approval: get %s: %w", id, s.lookupErr(id))
}

// Resolve applies a human decision to the request. Exactly one call per id
// can succeed; later calls get [ErrAlreadyResolved]. Rejecting an item that
// already failed terminally returns [ErrTerminallyFailed]; accept or take
// over still work on such an item.
func (q *Queue[T]) Resolve(ctx context.Context, id string, d Decision, by string) (Outcome[T], error) {
	if d == nil {
		return nil, fmt.Errorf("approval: resolve %s: %w: nil decision", id, ErrInvalidDecision)
	}
	// Ownership first: content meant for another queue's id must read as a
	// miss, not as malformed content.
	s := q.shardFor(id)
	if err := s.owns(id); err != nil {
		return nil, fmt.Errorf("approval: resolve %s: %w", id, err)
	}

	// Convert human content before taking the lock so a malformed edit
	// leaves the item untouched.
	var content T
	switch d := d.(type) {
	case AcceptWithModification:
		v, err := payloadAs[T](d.Modification)
		if err != nil {
			return nil, fmt.Errorf("approval: resolve %s: %w", id, err)
		}
		content = v
	case TakeOver:
		v, err := payloadAs[T](d.Content)
		if err != nil {
			return nil, fmt.Errorf("approval: resolve %s: %w", id, err)
		}
		content = v
	}

	s.mu.Lock()
	item, fromPending := s.pending[id]
	if !fromPending {
		var ok bool
		if item, ok = s.failed[id]; !ok {
			err := s.lookupErr(id)
			s.mu.Unlock()
			return nil, fmt.Errorf("approval: resolve %s: %w", id, err)
		}
	}

	var out Outcome[T]
	removed := true
	parked := false
	switch d := d.(type) {
	case Accept:
		out = Approved[T]{Item: *item, Payload: item.Payload}
	case AcceptWithModification:
		out = Approved[T]{Item: *item, Payload: content, Modified: true}
	case TakeOver:
		out = TakenOver[T]{Item: *item, Content: content}
	case Reject:
		switch {
		case !fromPending:
			s.mu.Unlock()
			return nil, fmt.Errorf("approval: resolve %s: %w", id, ErrTerminallyFailed)
		case item.RetryCount >= MaxRetries:
			item.Failed = true
			delete(s.pending, id)
			s.failed[id] = item
			removed, parked = false, true
			out = TerminallyFailed[T]{Item: *item, Feedback: d.Feedback}
		default:
			out = Retry[T]{
				Item:         *item,
				NewRequestID: q.newID(),
				Attempt:      item.RetryCount + 1,
				Feedback:     d.Feedback,
			}
		}
	}
	if removed {
		delete(s.pending, id)
		delete(s.failed, id)
		s.bury(id)
	}
	var parkedSnapshot Pending[T]
	if parked {
		parkedSnapshot = *item
	}
	s.mu.Unlock()

	if removed {
		q.release(ctx)
	}
	q.metrics.RecordDecision(ctx, q.name, DecisionKind(d))
	res := Resolution{
		Queue:     q.name,
		RequestID: id,
		Scope:     item.Scope,
		Decision:  DecisionKind(d),
		Outcome:   OutcomeKind(out),
		By:        by,
		At:        q.clock.Now(),
	}
	if removed {
		q.record(ctx, res)
	} else if parked {
		q.remember(res)
		q.persist(ctx, parkedSnapshot)
	}
	return out, nil
}

// Replace swaps the payload of a pending request in place: same request id,
// Attempt incremented. A terminally failed item is moved back to pending so
// the DM can review the regenerated content.
func (q *Queue[T]) Replace(ctx context.Context, id string, payload T, guidance string) (Pending[T], error) {
	s := q.shardFor(id)
	s.mu.Lock()
	item, ok := s.pending[id]
	if !ok {
		if item, ok = s.failed[id]; ok {
			delete(s.failed, id)
			item.Failed = false
			s.pending[id] = item
		}
	}
	if !ok {
		err := s.lookupErr(id)
		s.mu.Unlock()
		return Pending[T]{}, fmt.Errorf("approval: replace %s: %w", id, err)
	}
	item.Payload = payload
	item.Guidance = guidance
	item.Attempt++
	snapshot := *item
	s.mu.Unlock()

	q.persist(ctx, snapshot)
	return snapshot, nil
}

// Discard drops a pending or failed request without producing content. It is
// the DM's explicit "give up" on a terminally failed request.
func (q *Queue[T]) Discard(ctx context.Context, id, by string) error {
	s := q.shardFor(id)
	s.mu.Lock()
	item, ok := s.pending[id]
	if !ok {
		item, ok = s.failed[id]
	}
	if !ok {
		err := s.lookupErr(id)
		s.mu.Unlock()
		return fmt.Errorf("approval: discard %s: %w", id, err)
	}
	delete(s.pending, id)
	delete(s.failed, id)
	s.bury(id)
	scope := item.Scope
	s.mu.Unlock()

	q.release(ctx)
	q.record(ctx, Resolution{
		Queue:     q.name,
		RequestID: id,
		Scope:     scope,
		Decision:  "discard",
		Outcome:   "discarded",
		By:        by,
		At:        q.clock.Now(),
	})
	return nil
}

// PeekPending returns copies of every pending item inside scope, most urgent
// first, then oldest first.
func (q *Queue[T]) PeekPending(scope Scope) []Pending[T] {
	return q.collect(scope, func(s *shard[T]) map[string]*Pending[T] { return s.pending })
}

// PeekFailed returns copies of every terminally failed item inside scope.
func (q *Queue[T]) PeekFailed(scope Scope) []Pending[T] {
	return q.collect(scope, func(s *shard[T]) map[string]*Pending[T] { return s.failed })
}

// OlderThan returns pending items created at least age ago.
func (q *Queue[T]) OlderThan(age time.Duration) []Pending[T] {
	cutoff := q.clock.Now().Add(-age)
	all := q.PeekPending(Scope{})
	out := all[:0]
	for _, p := range all {
		if !p.CreatedAt.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

func (q *Queue[T]) collect(scope Scope, pick func(*shard[T]) map[string]*Pending[T]) []Pending[T] {
	var out []Pending[T]
	for _, s := range q.shards {
		s.mu.RLock()
		for _, it := range pick(s) {
			if scope.Contains(it.Scope) {
				out = append(out, *it)
			}
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b Pending[T]) int {
		if c := cmp.Compare(b.Urgency, a.Urgency); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.RequestID, b.RequestID)
	})
	return out
}

// Restore loads items recovered from a journal without re-journaling them.
// It stops with [ErrBackpressure] when the queue fills up and returns the
// number loaded so far.
func (q *Queue[T]) Restore(ctx context.Context, items []Pending[T]) (int, error) {
	for i, it := range items {
		if !q.reserve() {
			return i, fmt.Errorf("approval: restore %s: %w", q.name, ErrBackpressure)
		}
		cp := it
		s := q.shardFor(it.RequestID)
		s.mu.Lock()
		if cp.Failed {
			s.failed[cp.RequestID] = &cp
		} else {
			s.pending[cp.RequestID] = &cp
		}
		s.mu.Unlock()
		q.metrics.RecordEnqueue(ctx, q.name)
	}
	return len(items), nil
}

// History returns up to limit of the most recent resolutions, newest first.
// A non-positive limit returns everything retained.
func (q *Queue[T]) History(limit int) []Resolution {
	q.histMu.Lock()
	defer q.histMu.Unlock()

	n := q.histNext
	if q.histFull {
		n = len(q.history)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Resolution, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (q.histNext - i + len(q.history)) % len(q.history)
		out = append(out, q.history[idx])
	}
	return out
}

func (q *Queue[T]) remember(r Resolution) {
	q.histMu.Lock()
	defer q.histMu.Unlock()
	q.history[q.histNext] = r
	q.histNext = (q.histNext + 1) % len(q.history)
	if q.histNext == 0 {
		q.histFull = true
	}
}

// record appends r to the history and marks the request resolved in the
// journal.
func (q *Queue[T]) record(ctx context.Context, r Resolution) {
	q.remember(r)
	if q.journal == nil {
		return
	}
	if err := q.journal.MarkResolved(ctx, r); err != nil {
		slog.Warn("approval: journal resolve failed",
			"queue", q.name, "request_id", r.RequestID, "err", err)
	}
}

func (q *Queue[T]) persist(ctx context.Context, p Pending[T]) {
	if q.journal == nil {
		return
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		slog.Warn("approval: journal encode failed",
			"queue", q.name, "request_id", p.RequestID, "err", err)
		return
	}
	entry := Entry{
		Queue:      q.name,
		RequestID:  p.RequestID,
		Scope:      p.Scope,
		CreatedAt:  p.CreatedAt,
		RetryCount: p.RetryCount,
		Attempt:    p.Attempt,
		Guidance:   p.Guidance,
		Urgency:    p.Urgency,
		Failed:     p.Failed,
		Payload:    payload,
	}
	if err := q.journal.Append(ctx, entry); err != nil {
		slog.Warn("approval: journal append failed",
			"queue", q.name, "request_id", p.RequestID, "err", err)
	}
}
