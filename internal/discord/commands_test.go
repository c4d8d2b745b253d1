package discord

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/discord/mock"
	"github.com/MrWong99/stagehand/internal/staging"
	"github.com/MrWong99/stagehand/internal/world"
)

type fakeStaging struct {
	mu       sync.Mutex
	active   map[staging.RegionKey]staging.Staging
	pending  []approval.Pending[staging.Proposal]
	prestage []staging.PreStageInput
	regen    []string
}

func (f *fakeStaging) Active(_ context.Context, k staging.RegionKey) (staging.Staging, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.active[k]
	if !ok {
		return staging.Staging{}, staging.ErrNoStaging
	}
	return st, nil
}

func (f *fakeStaging) History(_ context.Context, k staging.RegionKey, _ int) ([]staging.Staging, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.active[k]; ok {
		return []staging.Staging{st}, nil
	}
	return nil, nil
}

func (f *fakeStaging) PendingRequests(approval.Scope) []approval.Pending[staging.Proposal] {
	return f.pending
}

func (f *fakeStaging) PreStage(_ context.Context, in staging.PreStageInput) (staging.Staging, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prestage = append(f.prestage, in)
	return staging.Staging{WorldID: in.WorldID, RegionID: in.RegionID, NPCs: in.NPCs, GameTime: clock.DefaultEpoch, TTLHours: 8}, nil
}

func (f *fakeStaging) Regenerate(_ context.Context, id, guidance string) (approval.Pending[staging.Proposal], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regen = append(f.regen, id+"|"+guidance)
	return approval.Pending[staging.Proposal]{RequestID: id + "-next", Payload: staging.Proposal{RegionName: "Tavern"}}, nil
}

type fakeRegions []world.Region

func (f fakeRegions) Region(_ context.Context, _, id string) (world.Region, error) {
	for _, r := range f {
		if r.ID == id {
			return r, nil
		}
	}
	return world.Region{}, world.ErrNotFound
}

func (f fakeRegions) Regions(context.Context, string) ([]world.Region, error) { return f, nil }

var testRegions = fakeRegions{
	{ID: "tavern", WorldID: testWorld, Name: "The Rusty Anchor"},
	{ID: "market", WorldID: testWorld, Name: "Market Square"},
	{ID: "temple", WorldID: testWorld, Name: "Temple of Dawn"},
}

func newTestCommands(svc *fakeStaging, clk GameClock) *CommandRouter {
	r := NewCommandRouter()
	NewStagingCommands(StagingCommandsConfig{
		Service:  svc,
		Regions:  testRegions,
		NPCs:     tavernNPCs,
		Clock:    clk,
		Stats:    NewApprovalStats(10),
		Perms:    NewPermissionChecker(testDMRole),
		Channels: Channels{testChannel: testWorld},
	}).Register(r)
	return r
}

func TestStagingCommands_StatusHidesHiddenFromPlayers(t *testing.T) {
	t.Parallel()

	svc := &fakeStaging{active: map[staging.RegionKey]staging.Staging{
		{WorldID: testWorld, RegionID: "tavern"}: {
			WorldID: testWorld, RegionID: "tavern", GameTime: clock.DefaultEpoch, TTLHours: 8, Source: staging.SourceHuman,
			NPCs: []staging.StagedNPC{
				{CharacterID: "kraddock", Name: "Kraddock", IsPresent: true},
				{CharacterID: "mara", Name: "Mara Vell", IsPresent: true, IsHiddenFromPlayers: true},
				{CharacterID: "bob", Name: "Bob", IsPresent: false},
			},
		},
	}}
	r := newTestCommands(svc, clock.NewWorld(clock.DefaultEpoch))

	s := &mock.Session{}
	r.Handle(context.Background(), s, slashCommand(playerMember(), "status", strOpt("region", "tavern")))
	desc := s.LastResponse().Data.Embeds[0].Description
	if !strings.Contains(desc, "Kraddock") || strings.Contains(desc, "Mara") || strings.Contains(desc, "Bob") {
		t.Errorf("player view = %q", desc)
	}

	r.Handle(context.Background(), s, slashCommand(dmMember(), "status", strOpt("region", "tavern")))
	desc = s.LastResponse().Data.Embeds[0].Description
	if !strings.Contains(desc, "Mara Vell (hidden)") {
		t.Errorf("DM view = %q", desc)
	}
}

func TestStagingCommands_StatusNothingStaged(t *testing.T) {
	t.Parallel()

	r := newTestCommands(&fakeStaging{}, clock.NewWorld(clock.DefaultEpoch))
	s := &mock.Session{}
	r.Handle(context.Background(), s, slashCommand(playerMember(), "status", strOpt("region", "market")))
	if c := lastContent(s.LastResponse()); !strings.Contains(c, "Nobody is staged in Market Square") {
		t.Errorf("response = %q", c)
	}
}

func TestStagingCommands_PreStage(t *testing.T) {
	t.Parallel()

	svc := &fakeStaging{}
	r := newTestCommands(svc, clock.NewWorld(clock.DefaultEpoch))
	s := &mock.Session{}
	r.Handle(context.Background(), s, slashCommand(dmMember(), "prestage",
		strOpt("region", "tavern"), strOpt("npcs", "Kraddock"), intOpt("ttl", 4)))

	if len(svc.prestage) != 1 {
		t.Fatalf("prestage calls = %d", len(svc.prestage))
	}
	in := svc.prestage[0]
	if in.WorldID != testWorld || in.RegionID != "tavern" || in.TTLHours != 4 {
		t.Errorf("input = %+v", in)
	}
	if len(in.NPCs) != 1 || in.NPCs[0].CharacterID != "kraddock" || !in.NPCs[0].IsPresent {
		t.Errorf("npcs = %+v", in.NPCs)
	}
	if in.Approver != "The GM" {
		t.Errorf("approver = %q", in.Approver)
	}
	if c := lastContent(s.LastResponse()); !strings.Contains(c, "Pre-staged 1 NPCs in tavern") {
		t.Errorf("response = %q", c)
	}
}

func TestStagingCommands_PreStageRequiresDM(t *testing.T) {
	t.Parallel()

	svc := &fakeStaging{}
	r := newTestCommands(svc, clock.NewWorld(clock.DefaultEpoch))
	r.Handle(context.Background(), &mock.Session{}, slashCommand(playerMember(), "prestage", strOpt("region", "tavern")))
	if len(svc.prestage) != 0 {
		t.Error("player pre-staged a region")
	}
}

func TestStagingCommands_Regenerate(t *testing.T) {
	t.Parallel()

	svc := &fakeStaging{}
	r := newTestCommands(svc, clock.NewWorld(clock.DefaultEpoch))
	s := &mock.Session{}
	r.Handle(context.Background(), s, slashCommand(dmMember(), "regenerate",
		strOpt("request", "r1"), strOpt("guidance", "it is a feast day")))
	if len(svc.regen) != 1 || svc.regen[0] != "r1|it is a feast day" {
		t.Fatalf("regen = %v", svc.regen)
	}
	if c := lastContent(s.LastResponse()); !strings.Contains(c, "r1-next") {
		t.Errorf("response = %q", c)
	}
}

func TestStagingCommands_Pending(t *testing.T) {
	t.Parallel()

	svc := &fakeStaging{pending: []approval.Pending[staging.Proposal]{
		{RequestID: "r1", RetryCount: 2, Payload: staging.Proposal{RegionID: "tavern", RegionName: "Tavern", NPCs: make([]staging.ProposedNPC, 3)}},
	}}
	r := newTestCommands(svc, clock.NewWorld(clock.DefaultEpoch))
	s := &mock.Session{}
	r.Handle(context.Background(), s, slashCommand(dmMember(), "pending"))
	c := lastContent(s.LastResponse())
	if !strings.Contains(c, "`r1` Tavern, 3 NPCs, retry 2/3") {
		t.Errorf("response = %q", c)
	}
}

func TestStagingCommands_Advance(t *testing.T) {
	t.Parallel()

	clk := clock.NewWorld(clock.DefaultEpoch)
	r := newTestCommands(&fakeStaging{}, clk)
	r.Handle(context.Background(), &mock.Session{}, slashCommand(dmMember(), "advance", intOpt("hours", 5)))
	if got := clk.GameTime(testWorld); !got.Equal(clock.DefaultEpoch.Add(5 * time.Hour)) {
		t.Errorf("game time = %v", got)
	}
}

func TestStagingCommands_UnlinkedChannel(t *testing.T) {
	t.Parallel()

	r := newTestCommands(&fakeStaging{}, clock.NewWorld(clock.DefaultEpoch))
	s := &mock.Session{}
	i := slashCommand(dmMember(), "pending")
	i.ChannelID = "elsewhere"
	r.Handle(context.Background(), s, i)
	if c := lastContent(s.LastResponse()); !strings.Contains(c, "not linked") {
		t.Errorf("response = %q", c)
	}
}

func TestStagingCommands_Autocomplete(t *testing.T) {
	t.Parallel()

	r := newTestCommands(&fakeStaging{}, clock.NewWorld(clock.DefaultEpoch))
	s := &mock.Session{}
	i := slashCommand(dmMember(), "status", strOpt("region", "mar"))
	i.Type = discordgo.InteractionApplicationCommandAutocomplete
	r.Handle(context.Background(), s, i)

	choices := s.LastResponse().Data.Choices
	if len(choices) == 0 || choices[0].Value != "market" {
		t.Fatalf("choices = %+v", choices)
	}
}

func TestRankRegions(t *testing.T) {
	t.Parallel()

	all := rankRegions(testRegions, "")
	if len(all) != 3 || all[0].Name != "Market Square" {
		t.Errorf("empty query = %+v", all)
	}

	got := rankRegions(testRegions, "anchor")
	if len(got) != 1 || got[0].Value != "tavern" {
		t.Errorf("substring = %+v", got)
	}

	if got := rankRegions(testRegions, "zzzz"); len(got) != 0 {
		t.Errorf("nonsense query matched %+v", got)
	}
}

func TestStatsEmbed(t *testing.T) {
	t.Parallel()

	st := NewApprovalStats(10)
	if e := statsEmbed(st.Snapshot()); e.Description != "No decisions yet." {
		t.Errorf("empty description = %q", e.Description)
	}
	st.Record("staging", "approved", 2*time.Minute)
	st.Record("staging", "retry", 30*time.Second)
	e := statsEmbed(st.Snapshot())
	if len(e.Fields) != 2 || e.Fields[0].Name != "Staging" {
		t.Fatalf("fields = %+v", e.Fields)
	}
	if !strings.Contains(e.Fields[1].Value, "approved: 1") || !strings.Contains(e.Fields[1].Value, "retry: 1") {
		t.Errorf("outcomes = %q", e.Fields[1].Value)
	}
}

func TestFormatWait(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 10*time.Minute, "2h 10m"},
	}
	for _, tt := range tests {
		if got := formatWait(tt.d); got != tt.want {
			t.Errorf("formatWait(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
