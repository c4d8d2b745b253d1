package genqueue

import "time"

// Payload is the work a generation item carries. It is a closed set:
// [PlayerAction], [StagingRegeneration], [OutcomeSuggestion], [EventTrigger]
// and [AssetRequest].
type Payload interface {
	// Kind returns the stable payload name used for routing and metrics.
	Kind() string

	payload()
}

// PlayerAction asks for an NPC's response to something a player did. When
// RequestID is set the result is submitted for approval under that id.
type PlayerAction struct {
	WorldID   string
	RegionID  string
	RequestID string
	PlayerID  string
	NPCID     string
	Action    string
}

// StagingRegeneration asks for a fresh staging proposal for a region at
// GameTime. When RequestID is set the result is submitted for approval under
// that id.
type StagingRegeneration struct {
	WorldID   string
	RegionID  string
	RequestID string
	GameTime  time.Time
	Guidance  string
}

// OutcomeSuggestion asks for a narrative outcome of a resolved dice roll.
type OutcomeSuggestion struct {
	WorldID       string
	RequestID     string
	ChallengeID   string
	ChallengeName string
	PlayerID      string
	Roll          int
	Difficulty    int

	// Description is the outcome text the rules produced, if any.
	Description string
}

// EventTrigger asks for a narrative event suggestion to be prepared for
// approval. The suggestion came from the model during an exchange between
// PlayerID and NPCID.
type EventTrigger struct {
	WorldID   string
	RegionID  string
	RequestID string
	PlayerID  string
	NPCID     string
	EventID   string

	Confidence      string
	Reasoning       string
	MatchedTriggers []string
}

// AssetRequest asks for a generated image. RequestID names the asset once
// it exists.
type AssetRequest struct {
	WorldID     string
	RegionID    string
	RequestID   string
	RequestedBy string
	AssetKind   string
	Prompt      string
	Size        string
}

func (PlayerAction) Kind() string        { return "player_action" }
func (StagingRegeneration) Kind() string { return "staging_regeneration" }
func (OutcomeSuggestion) Kind() string   { return "outcome_suggestion" }
func (EventTrigger) Kind() string        { return "event_trigger" }
func (AssetRequest) Kind() string        { return "asset_request" }

func (PlayerAction) payload()        {}
func (StagingRegeneration) payload() {}
func (OutcomeSuggestion) payload()   {}
func (EventTrigger) payload()        {}
func (AssetRequest) payload()        {}

// WorldOf returns the world a payload belongs to.
func WorldOf(p Payload) string {
	switch p := p.(type) {
	case PlayerAction:
		return p.WorldID
	case StagingRegeneration:
		return p.WorldID
	case OutcomeSuggestion:
		return p.WorldID
	case EventTrigger:
		return p.WorldID
	case AssetRequest:
		return p.WorldID
	}
	return ""
}
