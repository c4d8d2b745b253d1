package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/stagehand/internal/challenge"
	"github.com/MrWong99/stagehand/internal/dialogue"
	"github.com/MrWong99/stagehand/internal/genqueue"
	"github.com/MrWong99/stagehand/internal/narrative"
	"github.com/MrWong99/stagehand/internal/notify"
	"github.com/MrWong99/stagehand/internal/notify/ws"
	"github.com/MrWong99/stagehand/internal/staging"
	"github.com/MrWong99/stagehand/pkg/provider/llm"
)

// npcTools are the game-state changes an NPC may propose alongside a line of
// dialogue. The DM approves a subset with accept_modified.
var npcTools = []llm.ToolDefinition{
	{
		Name:        "give_item",
		Description: "Hand an item to the player.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"item": map[string]any{"type": "string", "description": "Name of the item."},
			},
			"required": []string{"item"},
		},
	},
	{
		Name:        "reveal_secret",
		Description: "Share a secret the NPC knows with the player.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"topic": map[string]any{"type": "string", "description": "What the secret is about."},
			},
			"required": []string{"topic"},
		},
	},
	{
		Name:        "change_attitude",
		Description: "Change how the NPC feels about the player.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"attitude": map[string]any{"type": "string", "enum": []string{"hostile", "wary", "neutral", "friendly"}},
			},
			"required": []string{"attitude"},
		},
	},
}

var _ dialogue.EventSuggester = (*narrative.Service)(nil)

var (
	errSpectator = errors.New("spectators cannot act")
	errDMOnly    = errors.New("only DMs can do that")
)

// ── Websocket messages ──────────────────────────────────────────────────────

type enterRegionMessage struct {
	RegionID string `json:"region_id"`
}

type enterRegionResult struct {
	RegionID  string               `json:"region_id"`
	Status    string               `json:"status"`
	RequestID string               `json:"request_id,omitempty"`
	StagingID string               `json:"staging_id,omitempty"`
	NPCs      []notify.NPCPresence `json:"npcs,omitempty"`
}

type talkMessage struct {
	RegionID string `json:"region_id"`
	NPCID    string `json:"npc_id"`
	Action   string `json:"action"`
}

type rollMessage struct {
	ChallengeID   string `json:"challenge_id"`
	ChallengeName string `json:"challenge_name"`
	Roll          int    `json:"roll"`
	Difficulty    int    `json:"difficulty"`
	Description   string `json:"description,omitempty"`
}

type assetMessage struct {
	RegionID string `json:"region_id"`
	Kind     string `json:"kind"`
	Prompt   string `json:"prompt"`
	Size     string `json:"size"`
}

type requestResult struct {
	RequestID string `json:"request_id"`
}

func (a *App) wsOptions() []ws.Option {
	opts := []ws.Option{
		ws.WithIntake(a.intake),
		ws.WithMessage("enter_region", a.enterRegion),
		ws.WithMessage("roll_outcome", a.rollOutcome),
	}
	if a.dialogue != nil {
		opts = append(opts, ws.WithMessage("talk", a.talk))
	}
	if a.assets != nil {
		opts = append(opts, ws.WithMessage("request_asset", a.requestAsset))
	}
	return opts
}

// enterRegion answers with the region's NPCs or, while the DM decides, the
// request the player is waiting on. DMs see hidden NPCs, players do not.
func (a *App) enterRegion(ctx context.Context, from ws.Sender, payload json.RawMessage) (any, error) {
	if from.Role == notify.RoleSpectator {
		return nil, errSpectator
	}
	var in enterRegionMessage
	if err := json.Unmarshal(payload, &in); err != nil || in.RegionID == "" {
		return nil, errors.New("region_id is required")
	}
	out, err := a.staging.GetOrRequest(ctx, staging.RegionRequest{
		WorldID:  from.WorldID,
		RegionID: in.RegionID,
		PlayerID: from.UserID,
	})
	if err != nil {
		return nil, err
	}
	switch o := out.(type) {
	case staging.Ready:
		npcs := o.Staging.Visible()
		if from.Role == notify.RoleDM {
			npcs = o.Staging.Present()
		}
		res := enterRegionResult{RegionID: in.RegionID, Status: "ready", StagingID: o.Staging.ID}
		for _, n := range npcs {
			res.NPCs = append(res.NPCs, notify.NPCPresence{CharacterID: n.CharacterID, Name: n.Name, Hidden: n.IsHiddenFromPlayers})
		}
		return res, nil
	case staging.Pending:
		return enterRegionResult{RegionID: in.RegionID, Status: "pending", RequestID: o.RequestID}, nil
	default:
		return nil, fmt.Errorf("unexpected lookup result %T", out)
	}
}

// talk files a player's action towards an NPC for a generated reply.
func (a *App) talk(ctx context.Context, from ws.Sender, payload json.RawMessage) (any, error) {
	if from.Role == notify.RoleSpectator {
		return nil, errSpectator
	}
	var in talkMessage
	if err := json.Unmarshal(payload, &in); err != nil || in.NPCID == "" || strings.TrimSpace(in.Action) == "" {
		return nil, errors.New("npc_id and action are required")
	}
	id, err := a.dialogue.Request(ctx, genqueue.PlayerAction{
		WorldID:  from.WorldID,
		RegionID: in.RegionID,
		PlayerID: from.UserID,
		NPCID:    in.NPCID,
		Action:   in.Action,
	})
	if err != nil {
		return nil, err
	}
	return requestResult{RequestID: id}, nil
}

// rollOutcome files a resolved roll for narration.
func (a *App) rollOutcome(ctx context.Context, from ws.Sender, payload json.RawMessage) (any, error) {
	if from.Role == notify.RoleSpectator {
		return nil, errSpectator
	}
	var in rollMessage
	if err := json.Unmarshal(payload, &in); err != nil || in.ChallengeID == "" {
		return nil, errors.New("challenge_id is required")
	}
	name := in.ChallengeName
	if name == "" {
		name = in.ChallengeID
	}
	id, err := a.challenge.Request(ctx, genqueue.OutcomeSuggestion{
		WorldID:       from.WorldID,
		ChallengeID:   in.ChallengeID,
		ChallengeName: name,
		PlayerID:      from.UserID,
		Roll:          in.Roll,
		Difficulty:    in.Difficulty,
		Description:   in.Description,
	})
	if err != nil {
		return nil, err
	}
	return requestResult{RequestID: id}, nil
}

// requestAsset files a DM's image request. The picture arrives later as an
// asset_ready event.
func (a *App) requestAsset(ctx context.Context, from ws.Sender, payload json.RawMessage) (any, error) {
	if from.Role != notify.RoleDM {
		return nil, errDMOnly
	}
	var in assetMessage
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.New("kind and prompt are required")
	}
	id, err := a.assets.Request(ctx, genqueue.AssetRequest{
		WorldID:     from.WorldID,
		RegionID:    in.RegionID,
		RequestedBy: from.UserID,
		AssetKind:   in.Kind,
		Prompt:      in.Prompt,
		Size:        in.Size,
	})
	if err != nil {
		return nil, err
	}
	return requestResult{RequestID: id}, nil
}

// ── Summaries for the DM tools ──────────────────────────────────────────────

func summarizeStaging(p staging.Proposal) string {
	region := p.RegionName
	if region == "" {
		region = p.RegionID
	}
	var names []string
	for _, n := range p.NPCs {
		if n.IsPresent {
			names = append(names, n.Name)
		}
	}
	if len(names) == 0 {
		return region + ": nobody"
	}
	return region + ": " + strings.Join(names, ", ")
}

func summarizeDialogue(p dialogue.Proposal) string {
	return fmt.Sprintf("%s to %s: %q", p.NPCName, p.PlayerID, p.Text)
}

func summarizeChallenge(p challenge.Proposal) string {
	verdict := "fails"
	if p.Success {
		verdict = "succeeds"
	}
	return fmt.Sprintf("%s %s %s (%d vs %d): %s", p.PlayerID, verdict, p.ChallengeName, p.Roll, p.Difficulty, p.Description)
}

func summarizeNarrative(p narrative.Proposal) string {
	s := fmt.Sprintf("%s: %s", p.EventName, p.SceneDirection)
	if p.Outcome != "" {
		s += " (outcome: " + p.Outcome + ")"
	}
	return s
}
