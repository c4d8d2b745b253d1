package discord

import (
	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/stagehand/internal/approval"
)

// Session is the part of [discordgo.Session] the bot's handlers use. Tests
// substitute the recorder in the mock package.
type Session interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Session = (*discordgo.Session)(nil)

// actor identifies the author of an interaction for the approval journal.
func actor(i *discordgo.InteractionCreate) approval.Actor {
	var u *discordgo.User
	nick := ""
	switch {
	case i.Member != nil && i.Member.User != nil:
		u, nick = i.Member.User, i.Member.Nick
	case i.User != nil:
		u = i.User
	default:
		return approval.Actor{UserID: "discord:unknown"}
	}
	name := nick
	if name == "" {
		name = u.GlobalName
	}
	if name == "" {
		name = u.Username
	}
	return approval.Actor{UserID: "discord:" + u.ID, Name: name}
}
