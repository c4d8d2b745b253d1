package notify

import "time"

// Event is a transport-agnostic domain event. Transports decide how to
// render it; Type is the stable discriminator they use.
type Event interface {
	Type() string
}

// NPCSuggestion is one proposed NPC as shown to a DM.
type NPCSuggestion struct {
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
	IsPresent   bool   `json:"is_present"`
	IsHidden    bool   `json:"is_hidden_from_players"`
	Reasoning   string `json:"reasoning"`
	Source      string `json:"source"`
	Flagged     bool   `json:"flagged_for_review"`
}

// NPCPresence is one present NPC as shown to players.
type NPCPresence struct {
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`

	// Hidden is only ever set in events addressed to DMs.
	Hidden bool `json:"hidden,omitempty"`
}

// StagingApprovalRequired asks DMs to review a staging proposal.
type StagingApprovalRequired struct {
	WorldID    string          `json:"world_id"`
	RegionID   string          `json:"region_id"`
	RegionName string          `json:"region_name"`
	RequestID  string          `json:"request_id"`
	GameTime   time.Time       `json:"game_time"`
	NPCs       []NPCSuggestion `json:"npcs"`
	Degraded   bool            `json:"degraded"`
	RetryCount int             `json:"retry_count"`
	WaitingFor []string        `json:"waiting_players,omitempty"`
}

// StagingPending tells a player the region is waiting for the DM.
type StagingPending struct {
	WorldID    string `json:"world_id"`
	RegionID   string `json:"region_id"`
	RegionName string `json:"region_name"`
	RequestID  string `json:"request_id"`
}

// StagingReady announces the approved NPC presence of a region. NPCs lists
// only those present and visible to players.
type StagingReady struct {
	WorldID   string        `json:"world_id"`
	RegionID  string        `json:"region_id"`
	StagingID string        `json:"staging_id"`
	Source    string        `json:"source"`
	NPCs      []NPCPresence `json:"npcs"`
}

// StagingRegenerated tells DMs a pending proposal has new suggestions.
type StagingRegenerated struct {
	WorldID   string          `json:"world_id"`
	RegionID  string          `json:"region_id"`
	RequestID string          `json:"request_id"`
	Attempt   int             `json:"attempt"`
	NPCs      []NPCSuggestion `json:"npcs"`
	Degraded  bool            `json:"degraded"`
}

// ApprovalRequired asks DMs to review non-staging content.
type ApprovalRequired struct {
	Kind       string `json:"kind"`
	WorldID    string `json:"world_id"`
	RequestID  string `json:"request_id"`
	Summary    string `json:"summary"`
	Detail     string `json:"detail,omitempty"`
	Urgency    string `json:"urgency"`
	RetryCount int    `json:"retry_count"`
}

// DialogueApproved delivers an approved NPC line.
type DialogueApproved struct {
	WorldID  string `json:"world_id"`
	RegionID string `json:"region_id,omitempty"`
	NPCID    string `json:"npc_id"`
	NPCName  string `json:"npc_name"`
	Text     string `json:"text"`
	PlayerID string `json:"player_id,omitempty"`

	// Tools names the tool calls the DM approved with the line.
	Tools []string `json:"tools,omitempty"`
}

// OutcomeApproved delivers an approved challenge outcome.
type OutcomeApproved struct {
	WorldID     string `json:"world_id"`
	ChallengeID string `json:"challenge_id"`
	PlayerID    string `json:"player_id"`
	Success     bool   `json:"success"`
	Description string `json:"description"`
}

// NarrativeEventTriggered announces an approved narrative event.
type NarrativeEventTriggered struct {
	WorldID        string `json:"world_id"`
	RegionID       string `json:"region_id,omitempty"`
	EventID        string `json:"event_id"`
	EventName      string `json:"event_name"`
	SceneDirection string `json:"scene_direction"`
	Outcome        string `json:"outcome,omitempty"`
}

// ApprovalTerminallyFailed tells DMs a request ran out of retries and needs
// a regenerate, take-over or discard.
type ApprovalTerminallyFailed struct {
	Kind      string `json:"kind"`
	WorldID   string `json:"world_id"`
	RequestID string `json:"request_id"`
	Feedback  string `json:"feedback,omitempty"`
}

// GenerationFailed reports a generation item given up on after its
// infrastructure retries.
type GenerationFailed struct {
	WorldID     string `json:"world_id"`
	Worker      string `json:"worker"`
	ItemID      string `json:"item_id"`
	PayloadKind string `json:"payload_kind"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error"`
}

// AssetReady announces a generated image to the DMs of a world.
type AssetReady struct {
	WorldID       string `json:"world_id"`
	RegionID      string `json:"region_id,omitempty"`
	AssetID       string `json:"asset_id"`
	AssetKind     string `json:"asset_kind"`
	Prompt        string `json:"prompt"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
	URL           string `json:"url,omitempty"`
	MIMEType      string `json:"mime_type,omitempty"`
	Bytes         int    `json:"bytes,omitempty"`
}

// DecisionApplied echoes a DM decision to every DM screen of the world.
type DecisionApplied struct {
	Kind      string `json:"kind"`
	WorldID   string `json:"world_id"`
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`
	By        string `json:"by"`
}

func (StagingApprovalRequired) Type() string  { return "staging_approval_required" }
func (StagingPending) Type() string           { return "staging_pending" }
func (StagingReady) Type() string             { return "staging_ready" }
func (StagingRegenerated) Type() string       { return "staging_regenerated" }
func (ApprovalRequired) Type() string         { return "approval_required" }
func (DialogueApproved) Type() string         { return "dialogue_approved" }
func (OutcomeApproved) Type() string          { return "outcome_approved" }
func (NarrativeEventTriggered) Type() string  { return "narrative_event_triggered" }
func (ApprovalTerminallyFailed) Type() string { return "approval_terminally_failed" }
func (GenerationFailed) Type() string         { return "generation_failed" }
func (DecisionApplied) Type() string          { return "decision_applied" }
func (AssetReady) Type() string               { return "asset_ready" }
