package discord

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one interaction.
type HandlerFunc func(ctx context.Context, s Session, i *discordgo.InteractionCreate)

type commandEntry struct {
	command *discordgo.ApplicationCommand
	handler HandlerFunc
}

// CommandRouter dispatches Discord interactions to registered handlers.
// Commands are keyed "command" or "command/subcommand"; components and
// modals are matched by custom_id prefix, longest prefix first.
type CommandRouter struct {
	mu           sync.RWMutex
	commands     map[string]commandEntry
	autocomplete map[string]HandlerFunc
	components   map[string]HandlerFunc
	modals       map[string]HandlerFunc
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		commands:     make(map[string]commandEntry),
		autocomplete: make(map[string]HandlerFunc),
		components:   make(map[string]HandlerFunc),
		modals:       make(map[string]HandlerFunc),
	}
}

// RegisterCommand registers a handler for key. cmd is the top-level
// definition sent to Discord; pass nil for further subcommands of an
// already registered command.
func (r *CommandRouter) RegisterCommand(key string, cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[key] = commandEntry{command: cmd, handler: handler}
}

// RegisterAutocomplete registers an autocomplete handler for key.
func (r *CommandRouter) RegisterAutocomplete(key string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autocomplete[key] = handler
}

// RegisterComponent registers a handler for buttons whose custom_id starts
// with prefix.
func (r *CommandRouter) RegisterComponent(prefix string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[prefix] = handler
}

// RegisterModal registers a handler for modal submits whose custom_id
// starts with prefix.
func (r *CommandRouter) RegisterModal(prefix string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modals[prefix] = handler
}

// ApplicationCommands returns the deduplicated top-level command
// definitions for registration with the Discord API.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var cmds []*discordgo.ApplicationCommand
	for _, entry := range r.commands {
		if entry.command != nil && !seen[entry.command.Name] {
			seen[entry.command.Name] = true
			cmds = append(cmds, entry.command)
		}
	}
	return cmds
}

// Handle dispatches an interaction to the matching handler.
func (r *CommandRouter) Handle(ctx context.Context, s Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		key := interactionKey(i.ApplicationCommandData())
		r.mu.RLock()
		entry, ok := r.commands[key]
		r.mu.RUnlock()
		if !ok {
			slog.Warn("discord: unknown command", "key", key)
			RespondEphemeral(s, i, "Unknown command.")
			return
		}
		entry.handler(ctx, s, i)

	case discordgo.InteractionApplicationCommandAutocomplete:
		key := interactionKey(i.ApplicationCommandData())
		r.mu.RLock()
		handler, ok := r.autocomplete[key]
		r.mu.RUnlock()
		if !ok {
			RespondChoices(s, i, nil)
			return
		}
		handler(ctx, s, i)

	case discordgo.InteractionMessageComponent:
		r.dispatchPrefixed(ctx, s, i, r.components, i.MessageComponentData().CustomID, "component")

	case discordgo.InteractionModalSubmit:
		r.dispatchPrefixed(ctx, s, i, r.modals, i.ModalSubmitData().CustomID, "modal")

	default:
		slog.Warn("discord: unhandled interaction type", "type", i.Type)
	}
}

func (r *CommandRouter) dispatchPrefixed(ctx context.Context, s Session, i *discordgo.InteractionCreate, table map[string]HandlerFunc, customID, what string) {
	r.mu.RLock()
	var (
		handler HandlerFunc
		best    string
	)
	for prefix, h := range table {
		if strings.HasPrefix(customID, prefix) && len(prefix) > len(best) {
			handler, best = h, prefix
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		slog.Warn("discord: unknown "+what, "custom_id", customID)
		RespondEphemeral(s, i, "This button is no longer active.")
		return
	}
	handler(ctx, s, i)
}

// interactionKey builds a router key from an application command.
func interactionKey(data discordgo.ApplicationCommandInteractionData) string {
	key := data.Name
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		key += "/" + data.Options[0].Name
	}
	return key
}

// subOptions returns the options of the invoked subcommand keyed by name.
func subOptions(data discordgo.ApplicationCommandInteractionData) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	opts := data.Options
	if len(opts) > 0 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		opts = opts[0].Options
	}
	out := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		out[o.Name] = o
	}
	return out
}
