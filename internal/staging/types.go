// Package staging decides which NPCs are present in a region at a given game
// time and keeps that decision, with a time-to-live in game hours, until it
// expires or is superseded.
//
// A [Service] answers "who is here?" from the [Cache] when it can. When it
// cannot, it asks the [Resolver] for a proposal, puts it on an approval
// queue for the DM, and tells the asking player the region is pending. The
// DM's decision arrives through [Service.Submit] (or [Service.Approve]) and
// becomes the region's single active [Staging]; the one it replaces is kept
// in the [Store] as history.
package staging

import "time"

// DefaultTTLHours is how long an approved staging stays valid, in game
// hours, when neither the approver nor the configuration says otherwise.
const DefaultTTLHours = 3

// Source records where the NPC list of a staging came from.
type Source string

const (
	SourceRule         Source = "rule"
	SourceLLM          Source = "llm"
	SourceHuman        Source = "human"
	SourcePreStaged    Source = "pre_staged"
	SourceAutoApproved Source = "auto_approved"
)

// IsValid reports whether s is a known source.
func (s Source) IsValid() bool {
	switch s {
	case SourceRule, SourceLLM, SourceHuman, SourcePreStaged, SourceAutoApproved:
		return true
	}
	return false
}

// RegionKey identifies a region across worlds.
type RegionKey struct {
	WorldID  string
	RegionID string
}

func (k RegionKey) String() string { return k.WorldID + "/" + k.RegionID }

// StagedNPC is one NPC's presence in a staging.
type StagedNPC struct {
	CharacterID         string `json:"character_id"`
	Name                string `json:"name"`
	IsPresent           bool   `json:"is_present"`
	IsHiddenFromPlayers bool   `json:"is_hidden_from_players"`
	Reasoning           string `json:"reasoning,omitempty"`
}

// Staging is the approved NPC presence of one region from GameTime on.
// Superseded stagings are kept as history with IsActive false and are
// otherwise never changed.
type Staging struct {
	ID       string      `json:"id"`
	WorldID  string      `json:"world_id"`
	RegionID string      `json:"region_id"`
	NPCs     []StagedNPC `json:"npcs"`

	// ApprovedAt is real time; GameTime is the in-world time the staging is
	// valid from.
	ApprovedAt time.Time `json:"approved_at"`
	GameTime   time.Time `json:"game_time"`
	TTLHours   int       `json:"ttl_hours"`

	Source     Source `json:"source"`
	ApprovedBy string `json:"approved_by"`
	IsActive   bool   `json:"is_active"`
}

// Key returns the region the staging belongs to.
func (s Staging) Key() RegionKey { return RegionKey{WorldID: s.WorldID, RegionID: s.RegionID} }

// ExpiresAt returns the game time at which the staging stops being valid.
func (s Staging) ExpiresAt() time.Time {
	return s.GameTime.Add(time.Duration(s.TTLHours) * time.Hour)
}

// ExpiredAt reports whether the staging is no longer valid at gameNow.
func (s Staging) ExpiredAt(gameNow time.Time) bool {
	return !gameNow.Before(s.ExpiresAt())
}

// Visible returns the NPCs players can see: present and not hidden.
func (s Staging) Visible() []StagedNPC {
	return visible(s.NPCs)
}

// Present returns every present NPC, hidden ones included.
func (s Staging) Present() []StagedNPC {
	var out []StagedNPC
	for _, n := range s.NPCs {
		if n.IsPresent {
			out = append(out, n)
		}
	}
	return out
}

func visible(npcs []StagedNPC) []StagedNPC {
	var out []StagedNPC
	for _, n := range npcs {
		if n.IsPresent && !n.IsHiddenFromPlayers {
			out = append(out, n)
		}
	}
	return out
}

// ProposedNPC is a suggestion in a [Proposal].
type ProposedNPC struct {
	StagedNPC

	Source Source `json:"source"`

	// FlaggedForReview marks a rule-derived NPC the LLM pass did not
	// confirm. It stays in the proposal; the DM decides.
	FlaggedForReview bool `json:"flagged_for_review,omitempty"`
}

// Proposal is a staging suggestion awaiting DM approval.
type Proposal struct {
	WorldID    string        `json:"world_id"`
	RegionID   string        `json:"region_id"`
	RegionName string        `json:"region_name"`
	GameTime   time.Time     `json:"game_time"`
	NPCs       []ProposedNPC `json:"npcs"`

	// LLMUsed is set when the LLM pass shaped the proposal. Degraded is set
	// when it was attempted and failed, leaving only rules.
	LLMUsed  bool   `json:"llm_used,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Guidance string `json:"guidance,omitempty"`
}

// Key returns the region the proposal is for.
func (p Proposal) Key() RegionKey { return RegionKey{WorldID: p.WorldID, RegionID: p.RegionID} }

// Staged returns the proposal's NPCs as they would be staged.
func (p Proposal) Staged() []StagedNPC {
	out := make([]StagedNPC, len(p.NPCs))
	for i, n := range p.NPCs {
		out[i] = n.StagedNPC
	}
	return out
}

// RuleNPCs returns only the rule-derived suggestions.
func (p Proposal) RuleNPCs() []StagedNPC {
	var out []StagedNPC
	for _, n := range p.NPCs {
		if n.Source == SourceRule {
			out = append(out, n.StagedNPC)
		}
	}
	return out
}

// source reports what an unmodified acceptance of p is recorded as.
func (p Proposal) source() Source {
	if p.LLMUsed {
		return SourceLLM
	}
	return SourceRule
}
