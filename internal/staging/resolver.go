package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/observe"
	"github.com/MrWong99/stagehand/internal/world"
	"github.com/MrWong99/stagehand/pkg/provider/llm"
)

const (
	// DefaultMatchThreshold is the Jaro-Winkler similarity above which an
	// LLM-supplied name is taken to mean a known NPC.
	DefaultMatchThreshold = 0.92

	// DefaultLLMTimeout bounds the suggestion call.
	DefaultLLMTimeout = 20 * time.Second

	llmTemperature = 0.7
	llmPrefix      = "[LLM] "
)

// Proposer computes staging proposals. [*Resolver] is the production
// implementation.
type Proposer interface {
	Propose(ctx context.Context, in ProposeInput) (Proposal, error)
}

// ProposeInput is what a proposal is computed from.
type ProposeInput struct {
	WorldID  string
	RegionID string
	GameTime time.Time

	// Previous is the region's last staging, expired or not. Its NPCs are
	// carried over for continuity.
	Previous *Staging

	// Guidance is free-text DM direction for the LLM pass.
	Guidance string
}

// Resolver blends rule-derived NPC presence with an optional LLM pass.
// Every NPC the rules produce stays in the proposal whatever the LLM says;
// the LLM can only confirm, hide, flag by omission, or add.
type Resolver struct {
	world     world.ReadModel
	llm       llm.Provider
	llmName   string
	timeout   time.Duration
	threshold float64
	metrics   *observe.Metrics
}

var _ Proposer = (*Resolver)(nil)

// ResolverOption configures a [Resolver].
type ResolverOption func(*Resolver)

// WithLLM enables the LLM pass. name labels metrics and logs.
func WithLLM(p llm.Provider, name string) ResolverOption {
	return func(r *Resolver) {
		r.llm = p
		r.llmName = name
	}
}

// WithLLMTimeout bounds the LLM call. Default: [DefaultLLMTimeout].
func WithLLMTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.timeout = d }
}

// WithMatchThreshold sets the fuzzy name-match threshold in (0, 1].
func WithMatchThreshold(t float64) ResolverOption {
	return func(r *Resolver) { r.threshold = t }
}

// WithResolverMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithResolverMetrics(m *observe.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a Resolver over w. Without [WithLLM] it proposes from
// rules alone.
func NewResolver(w world.ReadModel, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		world:     w,
		timeout:   DefaultLLMTimeout,
		threshold: DefaultMatchThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.llmName == "" {
		r.llmName = "llm"
	}
	return r
}

// Propose implements [Proposer]. A typed LLM failure degrades the proposal
// to rules only and sets Degraded; cancellation of ctx is returned as an
// error.
func (r *Resolver) Propose(ctx context.Context, in ProposeInput) (Proposal, error) {
	ctx, span := observe.StartSpan(ctx, "staging.propose")
	defer span.End()
	start := time.Now()
	defer func() {
		r.metrics.ResolverDuration.Record(ctx, time.Since(start).Seconds())
	}()

	tod := clock.TimeOfDayAt(in.GameTime)

	var (
		region     world.Region
		candidates []world.Candidate
		everyone   []world.NPC
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		region, err = r.world.Region(gctx, in.WorldID, in.RegionID)
		return err
	})
	g.Go(func() error {
		var err error
		candidates, err = r.world.NPCsNear(gctx, in.WorldID, in.RegionID, tod)
		return err
	})
	if r.llm != nil {
		g.Go(func() error {
			var err error
			everyone, err = r.world.NPCs(gctx, in.WorldID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Proposal{}, fmt.Errorf("staging: propose %s/%s: %w", in.WorldID, in.RegionID, err)
	}

	p := Proposal{
		WorldID:    in.WorldID,
		RegionID:   in.RegionID,
		RegionName: region.Name,
		GameTime:   in.GameTime,
		Guidance:   in.Guidance,
		NPCs:       ruleNPCs(candidates, tod, in.Previous),
	}
	if r.llm == nil {
		return p, nil
	}

	extra := addable(everyone, candidates, in.RegionID)
	suggestions, err := r.suggest(ctx, region, tod, p.NPCs, extra, in)
	if err != nil {
		if ctx.Err() != nil {
			return Proposal{}, fmt.Errorf("staging: propose %s/%s: %w", in.WorldID, in.RegionID, ctx.Err())
		}
		if !llm.IsGenerationFailure(err) {
			return Proposal{}, fmt.Errorf("staging: propose %s/%s: %w", in.WorldID, in.RegionID, err)
		}
		r.metrics.ResolverDegraded.Add(ctx, 1)
		observe.Logger(ctx).Warn("staging: llm pass failed, using rules only",
			"world_id", in.WorldID, "region_id", in.RegionID, "err", err)
		p.Degraded = true
		return p, nil
	}

	p.NPCs = r.overlay(p.NPCs, suggestions, extra)
	p.LLMUsed = true
	return p, nil
}

// ── Rule pass ──────────────────────────────────────────────────────────────

var relationRank = map[world.RelationKind]int{
	world.RelationHome:      0,
	world.RelationWorksAt:   1,
	world.RelationFrequents: 2,
}

// ruleNPCs derives presence from region relations. An NPC with several
// relations is staged by the strongest one that applies. NPCs of prev not
// otherwise derived are carried over unchanged.
func ruleNPCs(cands []world.Candidate, tod clock.TimeOfDay, prev *Staging) []ProposedNPC {
	best := make(map[string]world.Candidate)
	var order []string
	for _, c := range cands {
		if !applies(c.Relation, tod) {
			continue
		}
		cur, seen := best[c.NPC.ID]
		if !seen {
			order = append(order, c.NPC.ID)
		}
		if !seen || relationRank[c.Relation.Kind] < relationRank[cur.Relation.Kind] {
			best[c.NPC.ID] = c
		}
	}

	out := make([]ProposedNPC, 0, len(order))
	for _, id := range order {
		c := best[id]
		out = append(out, ProposedNPC{
			StagedNPC: StagedNPC{
				CharacterID: c.NPC.ID,
				Name:        c.NPC.Name,
				IsPresent:   !(c.Relation.Kind == world.RelationFrequents && c.Relation.Frequency == world.FrequencyRarely),
				Reasoning:   reasoning(c.Relation),
			},
			Source: SourceRule,
		})
	}

	if prev != nil {
		for _, n := range prev.NPCs {
			if _, ok := best[n.CharacterID]; ok {
				continue
			}
			out = append(out, ProposedNPC{StagedNPC: n, Source: SourceRule})
		}
	}
	return out
}

func applies(rel world.Relation, tod clock.TimeOfDay) bool {
	switch rel.Kind {
	case world.RelationHome, world.RelationFrequents:
		return true
	case world.RelationWorksAt:
		switch rel.Shift {
		case world.ShiftDay:
			return tod.IsDaytime()
		case world.ShiftNight:
			return !tod.IsDaytime()
		default:
			return true
		}
	default:
		return false
	}
}

func reasoning(rel world.Relation) string {
	switch rel.Kind {
	case world.RelationHome:
		return "Lives here"
	case world.RelationWorksAt:
		switch rel.Shift {
		case world.ShiftDay:
			return "Works here (day shift)"
		case world.ShiftNight:
			return "Works here (night shift)"
		default:
			return "Works here"
		}
	case world.RelationFrequents:
		freq := rel.Frequency
		if freq == "" {
			freq = world.FrequencySometimes
		}
		if rel.TimeOfDay != nil {
			return fmt.Sprintf("Frequents this area %s (%s)", freq, *rel.TimeOfDay)
		}
		return fmt.Sprintf("Frequents this area (%s)", freq)
	default:
		return ""
	}
}

// addable lists NPCs the LLM may add beyond the rule set: anyone in the
// world who does not avoid the region.
func addable(everyone []world.NPC, cands []world.Candidate, regionID string) []world.NPC {
	avoid := make(map[string]bool)
	for _, c := range cands {
		if c.Relation.Kind == world.RelationAvoids {
			avoid[c.NPC.ID] = true
		}
	}
	var out []world.NPC
	for _, n := range everyone {
		if avoid[n.ID] {
			continue
		}
		avoids := false
		for _, rel := range n.Relations {
			if rel.Kind == world.RelationAvoids && rel.RegionID == regionID {
				avoids = true
				break
			}
		}
		if !avoids {
			out = append(out, n)
		}
	}
	return out
}

// ── LLM pass ───────────────────────────────────────────────────────────────

type suggestion struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Hidden bool   `json:"hidden,omitempty"`
}

const systemPrompt = `You are a helpful TTRPG assistant deciding which NPCs are present in a scene.
Respond with a JSON array of objects, each with "name" (exact name from the lists), "reason" (a brief explanation) and optionally "hidden": true for NPCs present but concealed from the players.
Include every scheduled NPC you believe is present. Only use names from the provided lists.`

func (r *Resolver) suggest(ctx context.Context, region world.Region, tod clock.TimeOfDay, rule []ProposedNPC, extra []world.NPC, in ProposeInput) ([]suggestion, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Region: %s", region.Name)
	if region.Location != "" {
		fmt.Fprintf(&b, " (in %s)", region.Location)
	}
	fmt.Fprintf(&b, "\nTime of day: %s\n", tod)
	if region.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", region.Description)
	}

	b.WriteString("\nScheduled NPCs:\n")
	ruleIDs := make(map[string]bool, len(rule))
	for i, n := range rule {
		ruleIDs[n.CharacterID] = true
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, n.Name, n.Reasoning)
	}
	var others []string
	for _, n := range extra {
		if !ruleIDs[n.ID] {
			others = append(others, n.Name)
		}
	}
	if len(others) > 0 {
		fmt.Fprintf(&b, "\nOther NPCs who could plausibly appear: %s\n", strings.Join(others, ", "))
	}
	if in.Previous != nil && len(in.Previous.NPCs) > 0 {
		var names []string
		for _, n := range in.Previous.Visible() {
			names = append(names, n.Name)
		}
		if len(names) > 0 {
			fmt.Fprintf(&b, "\nLast time the players were here they saw: %s\n", strings.Join(names, ", "))
		}
	}
	if g := strings.TrimSpace(in.Guidance); g != "" {
		fmt.Fprintf(&b, "\nDM's guidance: %s\n", g)
	}
	b.WriteString("\nWhich NPCs are present? Respond with JSON only.")

	cctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := llm.Generate(cctx, r.llm, systemPrompt, b.String(), llmTemperature)
	r.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", r.llmName)))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !llm.IsGenerationFailure(err) {
			err = fmt.Errorf("%w: %s: %w", llm.ErrTimeout, r.llmName, err)
		}
		r.metrics.RecordProviderError(ctx, r.llmName, "llm")
		return nil, err
	}
	r.metrics.RecordProviderRequest(ctx, r.llmName, "llm", "ok")
	if resp == nil {
		return nil, llm.Malformed(r.llmName, "empty response")
	}
	return parseSuggestions(r.llmName, resp.Content)
}

// parseSuggestions extracts the JSON array between the first '[' and the
// last ']' of content.
func parseSuggestions(provider, content string) ([]suggestion, error) {
	start := strings.IndexByte(content, '[')
	end := strings.LastIndexByte(content, ']')
	if start < 0 || end <= start {
		return nil, llm.Malformed(provider, "no JSON array in staging response")
	}
	var out []suggestion
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, llm.Malformed(provider, "decode staging response: "+err.Error())
	}
	return out, nil
}

// overlay applies LLM suggestions on top of the rule set. Rule NPCs the LLM
// left out stay present and are flagged for review; extra lists the NPCs it
// may add.
func (r *Resolver) overlay(rule []ProposedNPC, sugg []suggestion, extra []world.NPC) []ProposedNPC {
	names := make(map[string]string, len(rule)+len(extra))
	known := make([]string, 0, len(rule)+len(extra))
	for _, n := range rule {
		if _, ok := names[normalizeName(n.Name)]; !ok {
			names[normalizeName(n.Name)] = n.CharacterID
			known = append(known, normalizeName(n.Name))
		}
	}
	byID := make(map[string]world.NPC, len(extra))
	for _, n := range extra {
		byID[n.ID] = n
		if _, ok := names[normalizeName(n.Name)]; !ok {
			names[normalizeName(n.Name)] = n.ID
			known = append(known, normalizeName(n.Name))
		}
	}

	out := make([]ProposedNPC, len(rule))
	copy(out, rule)
	index := make(map[string]int, len(out))
	for i, n := range out {
		index[n.CharacterID] = i
	}
	confirmed := make(map[string]bool)

	for _, s := range sugg {
		id, ok := r.match(s.Name, names, known)
		if !ok {
			slog.Debug("staging: ignoring unknown llm suggestion", "name", s.Name)
			continue
		}
		reason := llmPrefix + strings.TrimSpace(s.Reason)
		if i, ok := index[id]; ok {
			confirmed[id] = true
			out[i].IsPresent = true
			out[i].IsHiddenFromPlayers = s.Hidden
			out[i].Reasoning = joinReason(out[i].Reasoning, reason)
			continue
		}
		npc, ok := byID[id]
		if !ok {
			continue
		}
		index[id] = len(out)
		confirmed[id] = true
		out = append(out, ProposedNPC{
			StagedNPC: StagedNPC{
				CharacterID:         npc.ID,
				Name:                npc.Name,
				IsPresent:           true,
				IsHiddenFromPlayers: s.Hidden,
				Reasoning:           reason,
			},
			Source: SourceLLM,
		})
	}

	for i := range out {
		if out[i].Source == SourceRule && !confirmed[out[i].CharacterID] {
			out[i].FlaggedForReview = true
		}
	}
	return out
}

func (r *Resolver) match(name string, names map[string]string, known []string) (string, bool) {
	norm := normalizeName(name)
	if norm == "" {
		return "", false
	}
	if id, ok := names[norm]; ok {
		return id, true
	}
	bestScore, best := 0.0, ""
	for _, k := range known {
		if s := matchr.JaroWinkler(norm, k, false); s > bestScore {
			bestScore, best = s, k
		}
	}
	if bestScore >= r.threshold {
		return names[best], true
	}
	return "", false
}

// normalizeName trims, collapses inner whitespace and lower-cases.
func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func joinReason(rule, extra string) string {
	if rule == "" {
		return extra
	}
	return rule + "; " + extra
}
