package discord

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/staging"
	"github.com/MrWong99/stagehand/internal/world"
)

// StagingService is the part of [*staging.Service] the slash commands use.
type StagingService interface {
	Active(ctx context.Context, k staging.RegionKey) (staging.Staging, error)
	History(ctx context.Context, k staging.RegionKey, limit int) ([]staging.Staging, error)
	PendingRequests(scope approval.Scope) []approval.Pending[staging.Proposal]
	PreStage(ctx context.Context, in staging.PreStageInput) (staging.Staging, error)
	Regenerate(ctx context.Context, requestID, guidance string) (approval.Pending[staging.Proposal], error)
}

// RegionDirectory lists and looks up regions. [*world.MemStore] satisfies it.
type RegionDirectory interface {
	Region(ctx context.Context, worldID, regionID string) (world.Region, error)
	Regions(ctx context.Context, worldID string) ([]world.Region, error)
}

// GameClock reads and advances per-world game time. [*clock.World]
// satisfies it.
type GameClock interface {
	GameTime(worldID string) time.Time
	Advance(worldID string, d time.Duration) time.Time
}

// StagingCommands implements the /staging slash command group.
type StagingCommands struct {
	svc      StagingService
	regions  RegionDirectory
	npcs     NPCDirectory
	clock    GameClock
	stats    *ApprovalStats
	perms    *PermissionChecker
	channels Channels
}

// StagingCommandsConfig holds the dependencies of [StagingCommands].
type StagingCommandsConfig struct {
	Service  StagingService
	Regions  RegionDirectory
	NPCs     NPCDirectory
	Clock    GameClock
	Stats    *ApprovalStats
	Perms    *PermissionChecker
	Channels Channels
}

// NewStagingCommands creates the /staging command group.
func NewStagingCommands(cfg StagingCommandsConfig) *StagingCommands {
	return &StagingCommands{
		svc:      cfg.Service,
		regions:  cfg.Regions,
		npcs:     cfg.NPCs,
		clock:    cfg.Clock,
		stats:    cfg.Stats,
		perms:    cfg.Perms,
		channels: cfg.Channels,
	}
}

// Register adds the subcommands to r. Everything but status is DM-only.
func (c *StagingCommands) Register(r *CommandRouter) {
	def := c.Definition()
	r.RegisterCommand("staging/status", def, c.status)
	r.RegisterCommand("staging/pending", nil, c.perms.Require(c.pending))
	r.RegisterCommand("staging/history", nil, c.perms.Require(c.history))
	r.RegisterCommand("staging/prestage", nil, c.perms.Require(c.prestage))
	r.RegisterCommand("staging/regenerate", nil, c.perms.Require(c.regenerate))
	r.RegisterCommand("staging/advance", nil, c.perms.Require(c.advance))
	r.RegisterCommand("staging/stats", nil, c.perms.Require(c.showStats))
	for _, sub := range []string{"status", "history", "prestage"} {
		r.RegisterAutocomplete("staging/"+sub, c.autocompleteRegion)
	}
}

// Definition returns the /staging command sent to Discord.
func (c *StagingCommands) Definition() *discordgo.ApplicationCommand {
	region := &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionString,
		Name:         "region",
		Description:  "Region",
		Required:     true,
		Autocomplete: true,
	}
	return &discordgo.ApplicationCommand{
		Name:        "staging",
		Description: "Who is where in the world",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the active staging of a region",
				Options:     []*discordgo.ApplicationCommandOption{region},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "pending",
				Description: "List stagings waiting for approval",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "history",
				Description: "Show past stagings of a region",
				Options: []*discordgo.ApplicationCommandOption{
					region,
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "limit",
						Description: "How many (default 5)",
						MinValue:    ptr(1.0),
						MaxValue:    25,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "prestage",
				Description: "Set who is present before anyone arrives",
				Options: []*discordgo.ApplicationCommandOption{
					region,
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "npcs",
						Description: "Comma-separated NPC names; empty stages nobody",
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "ttl",
						Description: "Game hours the staging stays valid",
						MinValue:    ptr(1.0),
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "regenerate",
				Description: "Ask for a new proposal with guidance",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "request",
						Description: "Pending request ID",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "guidance",
						Description: "What the next proposal should consider",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "advance",
				Description: "Move the world's game time forward",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "hours",
						Description: "Game hours to advance",
						Required:    true,
						MinValue:    ptr(1.0),
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stats",
				Description: "Approval turnaround in this channel",
			},
		},
	}
}

func ptr[T any](v T) *T { return &v }

// world resolves the interaction's channel to a world or answers with an
// error and reports false.
func (c *StagingCommands) world(s Session, i *discordgo.InteractionCreate) (string, bool) {
	w, ok := c.channels.World(i.ChannelID)
	if !ok {
		RespondEphemeral(s, i, "This channel is not linked to a world.")
	}
	return w, ok
}

func (c *StagingCommands) status(ctx context.Context, s Session, i *discordgo.InteractionCreate) {
	worldID, ok := c.world(s, i)
	if !ok {
		return
	}
	opts := subOptions(i.ApplicationCommandData())
	region, err := c.regions.Region(ctx, worldID, opts["region"].StringValue())
	if err != nil {
		RespondError(s, i, err)
		return
	}
	st, err := c.svc.Active(ctx, staging.RegionKey{WorldID: worldID, RegionID: region.ID})
	if errors.Is(err, staging.ErrNoStaging) {
		RespondEphemeral(s, i, fmt.Sprintf("Nobody is staged in %s yet.", region.Name))
		return
	}
	if err != nil {
		RespondError(s, i, err)
		return
	}
	// Hidden NPCs stay hidden from anyone but the DM.
	RespondEmbed(s, i, activeEmbed(region.Name, st, c.clock.GameTime(worldID), c.perms.IsDM(i)))
}

func activeEmbed(regionName string, st staging.Staging, gameNow time.Time, showHidden bool) *discordgo.MessageEmbed {
	var lines []string
	for _, n := range st.NPCs {
		if !n.IsPresent || (n.IsHiddenFromPlayers && !showHidden) {
			continue
		}
		line := "• " + n.Name
		if n.IsHiddenFromPlayers {
			line += " (hidden)"
		}
		lines = append(lines, line)
	}
	desc := "Nobody is here."
	if len(lines) > 0 {
		desc = strings.Join(lines, "\n")
	}
	state := "valid"
	if st.ExpiredAt(gameNow) {
		state = "expired"
	}
	return &discordgo.MessageEmbed{
		Title:       regionName,
		Description: desc,
		Color:       colorNormal,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Source", Value: string(st.Source), Inline: true},
			{Name: "Until", Value: st.ExpiresAt().Format("Jan 2 15:04") + " (" + state + ")", Inline: true},
			{Name: "Approved by", Value: cmp.Or(st.ApprovedBy, "-"), Inline: true},
		},
	}
}

func (c *StagingCommands) pending(_ context.Context, s Session, i *discordgo.InteractionCreate) {
	worldID, ok := c.world(s, i)
	if !ok {
		return
	}
	items := c.svc.PendingRequests(approval.Scope{WorldID: worldID})
	if len(items) == 0 {
		RespondEphemeral(s, i, "Nothing waiting for approval.")
		return
	}
	var b strings.Builder
	for _, p := range items {
		fmt.Fprintf(&b, "`%s` %s, %d NPCs", p.RequestID, cmp.Or(p.Payload.RegionName, p.Payload.RegionID), len(p.Payload.NPCs))
		if p.RetryCount > 0 {
			fmt.Fprintf(&b, ", retry %d/%d", p.RetryCount, approval.MaxRetries)
		}
		if p.Failed {
			b.WriteString(", **out of retries**")
		}
		b.WriteByte('\n')
	}
	RespondEphemeral(s, i, clip(b.String(), 1900))
}

func (c *StagingCommands) history(ctx context.Context, s Session, i *discordgo.InteractionCreate) {
	worldID, ok := c.world(s, i)
	if !ok {
		return
	}
	opts := subOptions(i.ApplicationCommandData())
	limit := 5
	if o, ok := opts["limit"]; ok {
		limit = int(o.IntValue())
	}
	regionID := opts["region"].StringValue()
	h, err := c.svc.History(ctx, staging.RegionKey{WorldID: worldID, RegionID: regionID}, limit)
	if err != nil {
		RespondError(s, i, err)
		return
	}
	if len(h) == 0 {
		RespondEphemeral(s, i, "No stagings recorded for "+regionID+".")
		return
	}
	var b strings.Builder
	for _, st := range h {
		present := 0
		for _, n := range st.NPCs {
			if n.IsPresent {
				present++
			}
		}
		marker := ""
		if st.IsActive {
			marker = " **active**"
		}
		fmt.Fprintf(&b, "%s, %d present, %s by %s%s\n",
			st.GameTime.Format("Jan 2 15:04"), present, st.Source, cmp.Or(st.ApprovedBy, "-"), marker)
	}
	RespondEphemeral(s, i, clip(b.String(), 1900))
}

func (c *StagingCommands) prestage(ctx context.Context, s Session, i *discordgo.InteractionCreate) {
	worldID, ok := c.world(s, i)
	if !ok {
		return
	}
	opts := subOptions(i.ApplicationCommandData())
	list := ""
	if o, ok := opts["npcs"]; ok {
		list = o.StringValue()
	}
	npcs, err := ResolveNPCs(ctx, c.npcs, worldID, list)
	if err != nil {
		RespondError(s, i, err)
		return
	}
	in := staging.PreStageInput{
		WorldID:  worldID,
		RegionID: opts["region"].StringValue(),
		NPCs:     npcs,
		Approver: actor(i).String(),
	}
	if o, ok := opts["ttl"]; ok {
		in.TTLHours = int(o.IntValue())
	}
	st, err := c.svc.PreStage(ctx, in)
	if err != nil {
		RespondError(s, i, err)
		return
	}
	RespondEphemeral(s, i, fmt.Sprintf("Pre-staged %d NPCs in %s until %s.",
		len(st.NPCs), st.RegionID, st.ExpiresAt().Format("Jan 2 15:04")))
}

func (c *StagingCommands) regenerate(ctx context.Context, s Session, i *discordgo.InteractionCreate) {
	opts := subOptions(i.ApplicationCommandData())
	p, err := c.svc.Regenerate(ctx, opts["request"].StringValue(), opts["guidance"].StringValue())
	if err != nil {
		RespondError(s, i, err)
		return
	}
	RespondEphemeral(s, i, fmt.Sprintf("New proposal `%s` for %s is up for approval.",
		p.RequestID, cmp.Or(p.Payload.RegionName, p.Payload.RegionID)))
}

func (c *StagingCommands) advance(_ context.Context, s Session, i *discordgo.InteractionCreate) {
	worldID, ok := c.world(s, i)
	if !ok {
		return
	}
	hours := subOptions(i.ApplicationCommandData())["hours"].IntValue()
	now := c.clock.Advance(worldID, time.Duration(hours)*time.Hour)
	RespondEphemeral(s, i, "It is now "+now.Format("Mon Jan 2 15:04")+" in the world.")
}

func (c *StagingCommands) showStats(_ context.Context, s Session, i *discordgo.InteractionCreate) {
	if c.stats == nil {
		RespondEphemeral(s, i, "No statistics collected.")
		return
	}
	RespondEmbed(s, i, statsEmbed(c.stats.Snapshot()))
}

func statsEmbed(snap StatsSnapshot) *discordgo.MessageEmbed {
	var fields []*discordgo.MessageEmbedField
	for _, kind := range snap.Kinds() {
		p := snap.Waits[kind]
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   titleCase(kind),
			Value:  fmt.Sprintf("p50 %s · p95 %s", formatWait(p.P50), formatWait(p.P95)),
			Inline: false,
		})
	}
	if len(snap.Outcomes) > 0 {
		keys := make([]string, 0, len(snap.Outcomes))
		for k := range snap.Outcomes {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		var parts []string
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %d", strings.ReplaceAll(k, "_", " "), snap.Outcomes[k]))
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Outcomes", Value: strings.Join(parts, "\n")})
	}
	desc := ""
	if len(fields) == 0 {
		desc = "No decisions yet."
	}
	return &discordgo.MessageEmbed{
		Title:       "Approval turnaround",
		Description: desc,
		Color:       colorNormal,
		Fields:      fields,
	}
}

// formatWait renders d as "Xh Ym", "Ym Zs" or "Zs".
func formatWait(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// autocompleteRegion offers the world's regions ranked by similarity to
// what has been typed so far.
func (c *StagingCommands) autocompleteRegion(ctx context.Context, s Session, i *discordgo.InteractionCreate) {
	worldID, ok := c.channels.World(i.ChannelID)
	if !ok {
		RespondChoices(s, i, nil)
		return
	}
	regions, err := c.regions.Regions(ctx, worldID)
	if err != nil {
		RespondChoices(s, i, nil)
		return
	}
	typed := ""
	if o, ok := subOptions(i.ApplicationCommandData())["region"]; ok {
		typed = strings.ToLower(o.StringValue())
	}
	RespondChoices(s, i, rankRegions(regions, typed))
}

const maxChoices = 25

func rankRegions(regions []world.Region, typed string) []*discordgo.ApplicationCommandOptionChoice {
	type scored struct {
		r     world.Region
		score float64
	}
	var ranked []scored
	for _, r := range regions {
		name := strings.ToLower(r.Name)
		score := 1.0
		switch {
		case typed == "":
		case strings.HasPrefix(name, typed) || strings.HasPrefix(r.ID, typed):
			score = 2
		case strings.Contains(name, typed):
			score = 1.5
		default:
			score = matchr.JaroWinkler(typed, name, false)
			if score < 0.7 {
				continue
			}
		}
		ranked = append(ranked, scored{r, score})
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.r.Name, b.r.Name)
	})
	if len(ranked) > maxChoices {
		ranked = ranked[:maxChoices]
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, len(ranked))
	for j, sc := range ranked {
		choices[j] = &discordgo.ApplicationCommandOptionChoice{Name: sc.r.Name, Value: sc.r.ID}
	}
	return choices
}
