package discord

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// RespondEphemeral sends an ephemeral text response to an interaction.
func RespondEphemeral(s Session, i *discordgo.InteractionCreate, content string) {
	respond(s, i, discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
}

// RespondEmbed sends an ephemeral embed response to an interaction.
func RespondEmbed(s Session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	respond(s, i, discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{embed},
		Flags:  discordgo.MessageFlagsEphemeral,
	})
}

// RespondError sends a formatted error response (ephemeral).
func RespondError(s Session, i *discordgo.InteractionCreate, err error) {
	RespondEphemeral(s, i, fmt.Sprintf("Error: %v", err))
}

// RespondModal opens a modal dialog.
func RespondModal(s Session, i *discordgo.InteractionCreate, modal *discordgo.InteractionResponseData) {
	respond(s, i, discordgo.InteractionResponseModal, modal)
}

// RespondChoices answers an autocomplete request.
func RespondChoices(s Session, i *discordgo.InteractionCreate, choices []*discordgo.ApplicationCommandOptionChoice) {
	respond(s, i, discordgo.InteractionApplicationCommandAutocompleteResult, &discordgo.InteractionResponseData{
		Choices: choices,
	})
}

// RespondUpdate replaces the message a button was clicked on.
func RespondUpdate(s Session, i *discordgo.InteractionCreate, data *discordgo.InteractionResponseData) {
	respond(s, i, discordgo.InteractionResponseUpdateMessage, data)
}

// DeferReply acknowledges a long-running command.
func DeferReply(s Session, i *discordgo.InteractionCreate) {
	respond(s, i, discordgo.InteractionResponseDeferredChannelMessageWithSource, &discordgo.InteractionResponseData{
		Flags: discordgo.MessageFlagsEphemeral,
	})
}

// FollowUp sends a follow-up message after a deferred response.
func FollowUp(s Session, i *discordgo.InteractionCreate, content string) {
	_, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
	if err != nil {
		slog.Warn("discord: failed to send follow-up", "err", err)
	}
}

func respond(s Session, i *discordgo.InteractionCreate, typ discordgo.InteractionResponseType, data *discordgo.InteractionResponseData) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: typ, Data: data})
	if err != nil {
		slog.Warn("discord: failed to respond", "type", typ, "err", err)
	}
}
