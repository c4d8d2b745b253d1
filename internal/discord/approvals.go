package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/staging"
	"github.com/MrWong99/stagehand/internal/world"
)

const (
	rejectModalPrefix   = "reject-modal:"
	takeoverModalPrefix = "takeover-modal:"

	feedbackInput = "feedback"
	contentInput  = "content"
)

// Intake accepts DM decisions. [*approval.Intake] satisfies it.
type Intake interface {
	SubmitDecision(ctx context.Context, requestID string, d approval.Decision, who approval.Actor) (approval.Receipt, error)
}

// NPCDirectory lists the NPCs of a world. [*world.MemStore] satisfies it.
type NPCDirectory interface {
	NPCs(ctx context.Context, worldID string) ([]world.NPC, error)
}

// Approvals turns the buttons posted by [ChannelConn] into decisions.
// Rejecting and taking over open a modal first.
type Approvals struct {
	intake   Intake
	npcs     NPCDirectory
	perms    *PermissionChecker
	channels Channels
}

// NewApprovals creates the approval button handlers.
func NewApprovals(intake Intake, npcs NPCDirectory, perms *PermissionChecker, channels Channels) *Approvals {
	return &Approvals{intake: intake, npcs: npcs, perms: perms, channels: channels}
}

// Register adds the button and modal handlers to r.
func (a *Approvals) Register(r *CommandRouter) {
	r.RegisterComponent(approvePrefix, a.perms.Require(a.approve))
	r.RegisterComponent(rejectPrefix, a.perms.Require(a.openModal(rejectPrefix, rejectModalPrefix)))
	r.RegisterComponent(takeoverPrefix, a.perms.Require(a.openModal(takeoverPrefix, takeoverModalPrefix)))
	r.RegisterModal(rejectModalPrefix, a.perms.Require(a.reject))
	r.RegisterModal(takeoverModalPrefix, a.perms.Require(a.takeOver))
}

// parseTarget splits "<prefix><kind>:<request id>".
func parseTarget(customID, prefix string) (kind, requestID string, ok bool) {
	kind, requestID, ok = strings.Cut(strings.TrimPrefix(customID, prefix), ":")
	return kind, requestID, ok && kind != "" && requestID != ""
}

func (a *Approvals) approve(ctx context.Context, s Session, i *discordgo.InteractionCreate) {
	_, id, ok := parseTarget(i.MessageComponentData().CustomID, approvePrefix)
	if !ok {
		RespondEphemeral(s, i, "Malformed button.")
		return
	}
	a.submit(ctx, s, i, id, approval.Accept{})
}

func (a *Approvals) openModal(buttonPrefix, modalPrefix string) HandlerFunc {
	return func(_ context.Context, s Session, i *discordgo.InteractionCreate) {
		kind, id, ok := parseTarget(i.MessageComponentData().CustomID, buttonPrefix)
		if !ok {
			RespondEphemeral(s, i, "Malformed button.")
			return
		}
		var input discordgo.TextInput
		title := "Reject " + kind
		if modalPrefix == rejectModalPrefix {
			input = discordgo.TextInput{
				CustomID:    feedbackInput,
				Label:       "What should change?",
				Style:       discordgo.TextInputParagraph,
				Placeholder: "Feedback for the next attempt",
				Required:    new(false),
				MaxLength:   1000,
			}
		} else {
			title = "Take over " + kind
			input = takeoverInput(kind)
		}
		RespondModal(s, i, &discordgo.InteractionResponseData{
			CustomID: modalPrefix + kind + ":" + id,
			Title:    title,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{input}},
			},
		})
	}
}

func takeoverInput(kind string) discordgo.TextInput {
	in := discordgo.TextInput{
		CustomID:  contentInput,
		Style:     discordgo.TextInputParagraph,
		Required:  new(true),
		MaxLength: 2000,
	}
	switch kind {
	case staging.Kind:
		in.Label = "NPCs present"
		in.Placeholder = "Comma-separated names, e.g. Kraddock, Mara"
		in.Required = new(false)
	case "challenge":
		in.Label = "Outcome description"
	case "narrative":
		in.Label = "Scene direction"
	default:
		in.Label = "What the NPC says"
	}
	return in
}

func (a *Approvals) reject(ctx context.Context, s Session, i *discordgo.InteractionCreate) {
	_, id, ok := parseTarget(i.ModalSubmitData().CustomID, rejectModalPrefix)
	if !ok {
		RespondEphemeral(s, i, "Malformed form.")
		return
	}
	a.submit(ctx, s, i, id, approval.Reject{Feedback: modalValue(i, feedbackInput)})
}

func (a *Approvals) takeOver(ctx context.Context, s Session, i *discordgo.InteractionCreate) {
	kind, id, ok := parseTarget(i.ModalSubmitData().CustomID, takeoverModalPrefix)
	if !ok {
		RespondEphemeral(s, i, "Malformed form.")
		return
	}
	content, err := a.takeoverContent(ctx, i, kind, modalValue(i, contentInput))
	if err != nil {
		RespondError(s, i, err)
		return
	}
	a.submit(ctx, s, i, id, approval.TakeOver{Content: content})
}

// takeoverContent encodes the DM's text as the payload of kind.
func (a *Approvals) takeoverContent(ctx context.Context, i *discordgo.InteractionCreate, kind, text string) (json.RawMessage, error) {
	switch kind {
	case staging.Kind:
		worldID, ok := a.channels.World(i.ChannelID)
		if !ok {
			return nil, errors.New("this channel is not linked to a world")
		}
		npcs, err := ResolveNPCs(ctx, a.npcs, worldID, text)
		if err != nil {
			return nil, err
		}
		proposed := make([]staging.ProposedNPC, len(npcs))
		for j, n := range npcs {
			proposed[j] = staging.ProposedNPC{StagedNPC: n, Source: staging.SourceHuman}
		}
		return json.Marshal(staging.Proposal{WorldID: worldID, NPCs: proposed})
	case "challenge":
		return json.Marshal(map[string]string{"description": text})
	case "narrative":
		return json.Marshal(map[string]string{"scene_direction": text})
	default:
		return json.Marshal(map[string]string{"text": text})
	}
}

func (a *Approvals) submit(ctx context.Context, s Session, i *discordgo.InteractionCreate, requestID string, d approval.Decision) {
	r, err := a.intake.SubmitDecision(ctx, requestID, d, actor(i))
	switch {
	case errors.Is(err, approval.ErrAlreadyResolved):
		RespondEphemeral(s, i, "Another DM already decided this one.")
	case errors.Is(err, approval.ErrNotFound):
		RespondEphemeral(s, i, "This request is no longer pending.")
	case errors.Is(err, approval.ErrTerminallyFailed):
		RespondEphemeral(s, i, "No retries left. Approve or take it over instead.")
	case err != nil:
		RespondError(s, i, err)
	default:
		RespondEphemeral(s, i, receiptText(r))
	}
}

func receiptText(r approval.Receipt) string {
	switch r.Outcome {
	case "retry":
		return fmt.Sprintf("Rejected. Regenerating as `%s` (attempt %d).", r.NewRequestID, r.Attempt)
	case "terminally_failed":
		return "Rejected. No retries left; take it over or approve the last proposal."
	default:
		return fmt.Sprintf("Done: %s %s.", r.Kind, strings.ReplaceAll(r.Outcome, "_", " "))
	}
}

func modalValue(i *discordgo.InteractionCreate, customID string) string {
	for _, row := range i.ModalSubmitData().Components {
		ar, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, comp := range ar.Components {
			if ti, ok := comp.(*discordgo.TextInput); ok && ti.CustomID == customID {
				return strings.TrimSpace(ti.Value)
			}
		}
	}
	return ""
}

// ResolveNPCs turns a comma-separated list of NPC names or ids into present
// staged NPCs. An empty list stages nobody. Unknown names are an error
// listing all of them.
func ResolveNPCs(ctx context.Context, dir NPCDirectory, worldID, list string) ([]staging.StagedNPC, error) {
	all, err := dir.NPCs(ctx, worldID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]world.NPC, 2*len(all))
	for _, n := range all {
		byKey[strings.ToLower(n.ID)] = n
		byKey[strings.ToLower(n.Name)] = n
	}

	out := []staging.StagedNPC{}
	seen := make(map[string]bool)
	var unknown []string
	for _, raw := range strings.Split(list, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		n, ok := byKey[strings.ToLower(name)]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, staging.StagedNPC{CharacterID: n.ID, Name: n.Name, IsPresent: true})
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown NPCs: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// Channels maps Discord channels to the worlds they serve.
type Channels map[string]string

// ChannelsFromWorlds inverts a world → channel map.
func ChannelsFromWorlds(worlds map[string]string) Channels {
	c := make(Channels, len(worlds))
	for w, ch := range worlds {
		c[ch] = w
	}
	return c
}

// World returns the world linked to channelID.
func (c Channels) World(channelID string) (string, bool) {
	w, ok := c[channelID]
	return w, ok
}
