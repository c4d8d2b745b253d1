package discord

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/world"
)

const (
	testWorld   = "w1"
	testChannel = "chan-1"
	testDMRole  = "dm-role"
)

func dmMember() *discordgo.Member {
	return &discordgo.Member{
		User:  &discordgo.User{ID: "u1", Username: "gm"},
		Nick:  "The GM",
		Roles: []string{testDMRole},
	}
}

func playerMember() *discordgo.Member {
	return &discordgo.Member{User: &discordgo.User{ID: "u2", Username: "pc"}}
}

func buttonClick(m *discordgo.Member, customID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: testChannel,
		Member:    m,
		Data:      discordgo.MessageComponentInteractionData{CustomID: customID},
	}}
}

func modalSubmit(m *discordgo.Member, customID, inputID, value string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionModalSubmit,
		ChannelID: testChannel,
		Member:    m,
		Data: discordgo.ModalSubmitInteractionData{
			CustomID: customID,
			Components: []discordgo.MessageComponent{
				&discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					&discordgo.TextInput{CustomID: inputID, Value: value},
				}},
			},
		},
	}}
}

func slashCommand(m *discordgo.Member, sub string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		ChannelID: testChannel,
		Member:    m,
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "staging",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{{
				Name:    sub,
				Type:    discordgo.ApplicationCommandOptionSubCommand,
				Options: opts,
			}},
		},
	}}
}

func strOpt(name, v string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionString, Value: v}
}

func intOpt(name string, v int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionInteger, Value: float64(v)}
}

// ── Fakes ──────────────────────────────────────────────────────────────────

type submitted struct {
	requestID string
	decision  approval.Decision
	who       approval.Actor
}

type fakeIntake struct {
	mu      sync.Mutex
	calls   []submitted
	receipt approval.Receipt
	err     error
}

func (f *fakeIntake) SubmitDecision(_ context.Context, requestID string, d approval.Decision, who approval.Actor) (approval.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, submitted{requestID, d, who})
	return f.receipt, f.err
}

func (f *fakeIntake) Calls() []submitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submitted(nil), f.calls...)
}

type fakeNPCs []world.NPC

func (f fakeNPCs) NPCs(context.Context, string) ([]world.NPC, error) { return f, nil }

var tavernNPCs = fakeNPCs{
	{ID: "kraddock", WorldID: testWorld, Name: "Kraddock"},
	{ID: "mara", WorldID: testWorld, Name: "Mara Vell"},
}

func lastContent(r *discordgo.InteractionResponse) string {
	if r == nil || r.Data == nil {
		return ""
	}
	return r.Data.Content
}
