package discord

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/discord/mock"
)

func TestCountQueue(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(t0, clock.DefaultEpoch)
	q := approval.New[string]("dialogue", 8, approval.WithClock(clk))
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, approval.EnqueueRequest[string]{Payload: "a", Scope: approval.Scope{WorldID: testWorld}}); err != nil {
		t.Fatal(err)
	}
	clk.Sleep(time.Minute)
	if _, err := q.Enqueue(ctx, approval.EnqueueRequest[string]{Payload: "b", Scope: approval.Scope{WorldID: testWorld}}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, approval.EnqueueRequest[string]{Payload: "c", Scope: approval.Scope{WorldID: "other"}}); err != nil {
		t.Fatal(err)
	}

	c := CountQueue(q, approval.Scope{WorldID: testWorld})
	if c.Kind != "dialogue" || c.Pending != 2 || c.Failed != 0 {
		t.Errorf("count = %+v", c)
	}
	if !c.Oldest.Equal(t0) {
		t.Errorf("oldest = %v, want %v", c.Oldest, t0)
	}
}

func TestBoard_PostsThenEdits(t *testing.T) {
	t.Parallel()

	s := &mock.Session{}
	clk := clock.NewManual(t0, clock.DefaultEpoch)
	counts := []QueueCount{{Kind: "staging"}, {Kind: "dialogue"}}
	b := NewBoard(BoardConfig{
		Session:   s,
		WorldID:   testWorld,
		ChannelID: testChannel,
		Counts:    func() []QueueCount { return counts },
		Clock:     clk,
	})

	b.Update()
	sent := s.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	if embed := sent[0].Message.Embeds[0]; embed.Color != colorDone {
		t.Errorf("idle color = %x", embed.Color)
	}

	counts = []QueueCount{{Kind: "staging", Pending: 2, Oldest: t0.Add(-3 * time.Minute)}, {Kind: "dialogue", Failed: 1}}
	b.Update()
	if n := len(s.Sent()); n != 1 {
		t.Errorf("second update posted again: %d", n)
	}
	edits := s.Edits()
	if len(edits) != 1 || edits[0].ID != sent[0].ID {
		t.Fatalf("edits = %+v", edits)
	}
	embed := (*edits[0].Embeds)[0]
	if embed.Color != colorFailed {
		t.Errorf("color = %x, want failed", embed.Color)
	}
	if !strings.Contains(embed.Fields[0].Value, "2 waiting, oldest 3m 0s") {
		t.Errorf("staging field = %q", embed.Fields[0].Value)
	}
	if !strings.Contains(embed.Fields[1].Value, "1 out of retries") {
		t.Errorf("dialogue field = %q", embed.Fields[1].Value)
	}
}

func TestApprovalStats_Percentiles(t *testing.T) {
	t.Parallel()

	st := NewApprovalStats(4)
	for _, s := range []int{10, 20, 30, 40, 50, 60} {
		st.Record("staging", "approved", time.Duration(s)*time.Second)
	}
	snap := st.Snapshot()
	// Window of 4 keeps 30..60s.
	p := snap.Waits["staging"]
	if p.P50 != 40*time.Second || p.P95 != 60*time.Second {
		t.Errorf("percentiles = %+v", p)
	}
	if snap.Outcomes["approved"] != 6 {
		t.Errorf("outcomes = %v", snap.Outcomes)
	}
	if kinds := snap.Kinds(); len(kinds) != 1 || kinds[0] != "staging" {
		t.Errorf("kinds = %v", kinds)
	}
}
