package discord

import (
	"context"
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker decides who may act as a DM: members holding the
// configured role or, without one, guild administrators.
type PermissionChecker struct {
	dmRoleID string
}

// NewPermissionChecker creates a PermissionChecker with the given DM role ID.
func NewPermissionChecker(dmRoleID string) *PermissionChecker {
	return &PermissionChecker{dmRoleID: dmRoleID}
}

// IsDM reports whether the interaction author may decide approvals.
// Interactions outside a guild never qualify.
func (p *PermissionChecker) IsDM(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	if p.dmRoleID == "" {
		return i.Member.Permissions&discordgo.PermissionAdministrator != 0
	}
	return slices.Contains(i.Member.Roles, p.dmRoleID)
}

// Require wraps h so that non-DMs get an ephemeral refusal instead.
func (p *PermissionChecker) Require(h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, s Session, i *discordgo.InteractionCreate) {
		if !p.IsDM(i) {
			RespondEphemeral(s, i, "Only the DM can do that.")
			return
		}
		h(ctx, s, i)
	}
}
