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
)

const defaultBoardInterval = 15 * time.Second

// QueueCount summarises what one approval queue holds for a world.
type QueueCount struct {
	Kind    string
	Pending int
	Failed  int
	// Oldest is the creation time of the longest-waiting pending item, zero
	// when nothing is pending.
	Oldest time.Time
}

// CountQueue counts the items q holds inside scope.
func CountQueue[T any](q *approval.Queue[T], scope approval.Scope) QueueCount {
	c := QueueCount{Kind: q.Name()}
	for _, p := range q.PeekPending(scope) {
		c.Pending++
		if c.Oldest.IsZero() || p.CreatedAt.Before(c.Oldest) {
			c.Oldest = p.CreatedAt
		}
	}
	c.Failed = len(q.PeekFailed(scope))
	return c
}

// Board keeps one message per world channel showing how much is waiting
// for the DM. The message is posted on the first update and edited in
// place afterwards.
type Board struct {
	session   Session
	worldID   string
	channelID string
	interval  time.Duration
	counts    func() []QueueCount
	stats     *ApprovalStats
	clock     clock.Clock

	mu        sync.Mutex
	messageID string
}

// BoardConfig holds the dependencies of a [Board].
type BoardConfig struct {
	Session   Session
	WorldID   string
	ChannelID string
	Interval  time.Duration // Default: 15 seconds
	Counts    func() []QueueCount
	Stats     *ApprovalStats
	Clock     clock.Clock
}

// NewBoard creates a Board.
func NewBoard(cfg BoardConfig) *Board {
	b := &Board{
		session:   cfg.Session,
		worldID:   cfg.WorldID,
		channelID: cfg.ChannelID,
		interval:  cfg.Interval,
		counts:    cfg.Counts,
		stats:     cfg.Stats,
		clock:     cfg.Clock,
	}
	if b.interval <= 0 {
		b.interval = defaultBoardInterval
	}
	if b.clock == nil {
		b.clock = clock.NewWorld(clock.DefaultEpoch)
	}
	return b
}

// Run updates the board every interval until ctx is cancelled.
func (b *Board) Run(ctx context.Context) error {
	b.Update()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Update()
		}
	}
}

// Update renders the current counts and creates or edits the message.
func (b *Board) Update() {
	var snap StatsSnapshot
	if b.stats != nil {
		snap = b.stats.Snapshot()
	}
	counts := b.counts()
	embed := boardEmbed(b.worldID, counts, snap, b.clock.Now())
	slog.Debug("discord: board update", "world", b.worldID, "queues", boardSummary(counts))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.messageID == "" {
		msg, err := b.session.ChannelMessageSendComplex(b.channelID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
		})
		if err != nil {
			slog.Warn("discord: failed to post board", "channel", b.channelID, "err", err)
			return
		}
		b.messageID = msg.ID
		return
	}
	edit := discordgo.NewMessageEdit(b.channelID, b.messageID).SetEmbeds([]*discordgo.MessageEmbed{embed})
	if _, err := b.session.ChannelMessageEditComplex(edit); err != nil {
		slog.Warn("discord: failed to edit board", "message_id", b.messageID, "err", err)
	}
}

func boardEmbed(worldID string, counts []QueueCount, snap StatsSnapshot, now time.Time) *discordgo.MessageEmbed {
	color := colorDone
	var fields []*discordgo.MessageEmbedField
	for _, c := range counts {
		value := "nothing waiting"
		if c.Pending > 0 {
			color = colorWaiting
			value = fmt.Sprintf("%d waiting, oldest %s", c.Pending, formatWait(now.Sub(c.Oldest)))
		}
		if c.Failed > 0 {
			color = colorFailed
			value += fmt.Sprintf("\n%d out of retries", c.Failed)
		}
		if p, ok := snap.Waits[c.Kind]; ok {
			value += fmt.Sprintf("\nturnaround p50 %s", formatWait(p.P50))
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: titleCase(c.Kind), Value: value, Inline: true})
	}
	return &discordgo.MessageEmbed{
		Title:     "Waiting for the DM",
		Color:     color,
		Fields:    fields,
		Footer:    &discordgo.MessageEmbedFooter{Text: "World " + worldID},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// boardSummary is the one-line form used in logs.
func boardSummary(counts []QueueCount) string {
	parts := make([]string, 0, len(counts))
	for _, c := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d/%d", c.Kind, c.Pending, c.Failed))
	}
	return strings.Join(parts, " ")
}
