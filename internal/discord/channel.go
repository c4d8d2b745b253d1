package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/notify"
)

const (
	colorNormal   = 0x3498DB
	colorWaiting  = 0xE67E22
	colorCritical = 0xE74C3C
	colorDone     = 0x95A5A6
	colorFailed   = 0x992D22

	defaultChannelBuffer = 32
)

// Button custom_id prefixes. The full id is "<prefix><kind>:<request id>".
const (
	approvePrefix  = "approve:"
	rejectPrefix   = "reject:"
	takeoverPrefix = "takeover:"
)

// ChannelConn posts the DM-facing events of one world to a Discord channel.
// It implements [notify.Conn]; register it with the world's registry as a
// DM. Approval requests get Approve, Reject and Take over buttons, and the
// message is edited once a decision lands.
type ChannelConn struct {
	worldID   string
	channelID string
	session   Session
	clock     clock.Clock
	stats     *ApprovalStats
	events    chan notify.Event

	mu     sync.Mutex
	posted map[string]postedMessage
}

var _ notify.Conn = (*ChannelConn)(nil)

type postedMessage struct {
	messageID string
	kind      string
	at        time.Time
	embed     *discordgo.MessageEmbed
}

// ChannelOption configures a [ChannelConn].
type ChannelOption func(*ChannelConn)

// WithChannelClock sets the clock used to time approvals.
func WithChannelClock(c clock.Clock) ChannelOption {
	return func(cc *ChannelConn) { cc.clock = c }
}

// WithStats records approval turnaround into st.
func WithStats(st *ApprovalStats) ChannelOption {
	return func(cc *ChannelConn) { cc.stats = st }
}

// NewChannelConn creates a connection posting worldID's events to channelID.
func NewChannelConn(s Session, worldID, channelID string, opts ...ChannelOption) *ChannelConn {
	c := &ChannelConn{
		worldID:   worldID,
		channelID: channelID,
		session:   s,
		clock:     clock.NewWorld(clock.DefaultEpoch),
		events:    make(chan notify.Event, defaultChannelBuffer),
		posted:    make(map[string]postedMessage),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ID implements [notify.Conn].
func (c *ChannelConn) ID() string { return "discord:" + c.channelID }

// WorldID returns the world this channel serves.
func (c *ChannelConn) WorldID() string { return c.worldID }

// Deliver implements [notify.Conn]. Posting happens on [ChannelConn.Run].
func (c *ChannelConn) Deliver(_ context.Context, ev notify.Event) error {
	select {
	case c.events <- ev:
		return nil
	default:
		return notify.ErrSlowConsumer
	}
}

// Run posts delivered events until ctx is cancelled.
func (c *ChannelConn) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *ChannelConn) handle(ev notify.Event) {
	switch ev := ev.(type) {
	case notify.StagingApprovalRequired:
		c.post(ev.RequestID, "staging", stagingEmbed(ev.RegionName, ev.GameTime, ev.NPCs, ev.Degraded, ev.RetryCount, ev.WaitingFor),
			buttons("staging", ev.RequestID, true))
	case notify.StagingRegenerated:
		embed := stagingEmbed(ev.RegionID, time.Time{}, ev.NPCs, ev.Degraded, ev.Attempt, nil)
		embed.Title = fmt.Sprintf("Staging regenerated (attempt %d)", ev.Attempt)
		if !c.edit(ev.RequestID, embed, buttons("staging", ev.RequestID, true)) {
			c.post(ev.RequestID, "staging", embed, buttons("staging", ev.RequestID, true))
		}
	case notify.ApprovalRequired:
		c.post(ev.RequestID, ev.Kind, approvalEmbed(ev), buttons(ev.Kind, ev.RequestID, true))
	case notify.ApprovalTerminallyFailed:
		embed := &discordgo.MessageEmbed{
			Title:       fmt.Sprintf("%s request out of retries", titleCase(ev.Kind)),
			Description: "Rejected with no retries left. Take it over, or accept the last proposal.",
			Color:       colorFailed,
		}
		if ev.Feedback != "" {
			embed.Fields = []*discordgo.MessageEmbedField{{Name: "Last feedback", Value: clip(ev.Feedback, 1024)}}
		}
		c.post(ev.RequestID, ev.Kind, embed, buttons(ev.Kind, ev.RequestID, false))
	case notify.GenerationFailed:
		c.send(&discordgo.MessageSend{Content: fmt.Sprintf(
			"Generation of %s `%s` gave up after %d attempts: %s", ev.PayloadKind, ev.ItemID, ev.Attempts, clip(ev.Error, 300))})
	case notify.DecisionApplied:
		c.decided(ev)
	case notify.AssetReady:
		c.send(&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{assetEmbed(ev)}})
	default:
		// Player-facing events have no DM rendering.
	}
}

func (c *ChannelConn) post(requestID, kind string, embed *discordgo.MessageEmbed, components []discordgo.MessageComponent) {
	msg := c.send(&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}, Components: components})
	if msg == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	at := c.clock.Now()
	if prev, ok := c.posted[requestID]; ok {
		// A terminal failure re-posts; the wait still counts from the first.
		at = prev.at
	}
	c.posted[requestID] = postedMessage{messageID: msg.ID, kind: kind, at: at, embed: embed}
}

func (c *ChannelConn) send(m *discordgo.MessageSend) *discordgo.Message {
	msg, err := c.session.ChannelMessageSendComplex(c.channelID, m)
	if err != nil {
		slog.Warn("discord: post to channel failed", "channel", c.channelID, "world_id", c.worldID, "err", err)
		return nil
	}
	return msg
}

// edit replaces the posted message of requestID. It reports false when
// nothing was posted for it.
func (c *ChannelConn) edit(requestID string, embed *discordgo.MessageEmbed, components []discordgo.MessageComponent) bool {
	c.mu.Lock()
	p, ok := c.posted[requestID]
	if ok {
		p.embed = embed
		c.posted[requestID] = p
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	e := discordgo.NewMessageEdit(c.channelID, p.messageID).SetEmbeds([]*discordgo.MessageEmbed{embed})
	e.Components = &components
	if _, err := c.session.ChannelMessageEditComplex(e); err != nil {
		slog.Warn("discord: edit message failed", "channel", c.channelID, "message_id", p.messageID, "err", err)
	}
	return true
}

func (c *ChannelConn) decided(ev notify.DecisionApplied) {
	c.mu.Lock()
	p, ok := c.posted[ev.RequestID]
	delete(c.posted, ev.RequestID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.stats != nil {
		c.stats.Record(ev.Kind, ev.Outcome, c.clock.Now().Sub(p.at))
	}

	embed := *p.embed
	embed.Color = colorDone
	embed.Footer = &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("%s by %s", strings.ReplaceAll(ev.Outcome, "_", " "), ev.By)}
	e := discordgo.NewMessageEdit(c.channelID, p.messageID).SetEmbeds([]*discordgo.MessageEmbed{&embed})
	e.Components = &[]discordgo.MessageComponent{}
	if _, err := c.session.ChannelMessageEditComplex(e); err != nil {
		slog.Warn("discord: close approval message failed", "channel", c.channelID, "message_id", p.messageID, "err", err)
	}
}

// ── Rendering ──────────────────────────────────────────────────────────────

func stagingEmbed(region string, gameTime time.Time, npcs []notify.NPCSuggestion, degraded bool, retries int, waiting []string) *discordgo.MessageEmbed {
	var desc []string
	if !gameTime.IsZero() {
		desc = append(desc, "Game time: "+gameTime.Format("Jan 2, 15:04"))
	}
	if retries > 0 {
		desc = append(desc, fmt.Sprintf("Retry %d of %d", retries, approval.MaxRetries))
	}
	if degraded {
		desc = append(desc, "LLM unavailable; rule-based suggestions only.")
	}
	if len(waiting) > 0 {
		desc = append(desc, "Waiting: "+strings.Join(waiting, ", "))
	}

	color := colorNormal
	if len(waiting) > 0 {
		color = colorWaiting
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Staging needed: " + region,
		Description: strings.Join(desc, "\n"),
		Color:       color,
	}
	for _, n := range npcs {
		if len(embed.Fields) == 25 {
			break
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  n.Name,
			Value: clip(npcLine(n), 1024),
		})
	}
	if len(npcs) == 0 {
		embed.Fields = []*discordgo.MessageEmbedField{{Name: "No NPCs", Value: "Nobody is expected here."}}
	}
	return embed
}

func npcLine(n notify.NPCSuggestion) string {
	parts := []string{"absent"}
	if n.IsPresent {
		parts[0] = "present"
	}
	if n.IsHidden {
		parts = append(parts, "hidden")
	}
	parts = append(parts, n.Source)
	if n.Flagged {
		parts = append(parts, "flagged for review")
	}
	line := strings.Join(parts, " · ")
	if n.Reasoning != "" {
		line += "\n" + n.Reasoning
	}
	return line
}

func approvalEmbed(ev notify.ApprovalRequired) *discordgo.MessageEmbed {
	color := colorNormal
	switch ev.Urgency {
	case approval.UrgencyAwaitingPlayer.String():
		color = colorWaiting
	case approval.UrgencySceneCritical.String():
		color = colorCritical
	}
	embed := &discordgo.MessageEmbed{
		Title:       titleCase(ev.Kind) + " awaiting approval",
		Description: clip(ev.Summary, 4096),
		Color:       color,
	}
	if ev.Detail != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Detail", Value: clip(ev.Detail, 1024)})
	}
	if ev.RetryCount > 0 {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Retry %d of %d", ev.RetryCount, approval.MaxRetries)}
	}
	return embed
}

// buttons returns the decision row for a request. Terminally failed
// requests cannot be rejected again.
func buttons(kind, requestID string, rejectable bool) []discordgo.MessageComponent {
	suffix := kind + ":" + requestID
	row := []discordgo.MessageComponent{
		discordgo.Button{Label: "Approve", Style: discordgo.SuccessButton, CustomID: approvePrefix + suffix},
	}
	if rejectable {
		row = append(row, discordgo.Button{Label: "Reject", Style: discordgo.DangerButton, CustomID: rejectPrefix + suffix})
	}
	row = append(row, discordgo.Button{Label: "Take over", Style: discordgo.SecondaryButton, CustomID: takeoverPrefix + suffix})
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: row}}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func assetEmbed(ev notify.AssetReady) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s image ready", titleCase(ev.AssetKind)),
		Description: clip(ev.Prompt, 2048),
		Color:       colorNormal,
		Footer:      &discordgo.MessageEmbedFooter{Text: "asset " + ev.AssetID},
	}
	if ev.URL != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: ev.URL}
	} else {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Download", Value: "/assets/" + ev.AssetID})
	}
	if ev.RevisedPrompt != "" && ev.RevisedPrompt != ev.Prompt {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Drawn as", Value: clip(ev.RevisedPrompt, 1024)})
	}
	return embed
}
