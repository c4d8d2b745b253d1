package dmtools_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/dmtools"
	"github.com/MrWong99/stagehand/internal/genqueue"
	"github.com/MrWong99/stagehand/internal/staging"
	"github.com/MrWong99/stagehand/internal/world"
)

type fakeIntake struct {
	mu    sync.Mutex
	ids   []string
	decs  []approval.Decision
	who   []approval.Actor
	err   error
	reply approval.Receipt
}

func (f *fakeIntake) SubmitDecision(_ context.Context, id string, d approval.Decision, who approval.Actor) (approval.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	f.decs = append(f.decs, d)
	f.who = append(f.who, who)
	return f.reply, f.err
}

type fakeStaging struct {
	mu  sync.Mutex
	ins []staging.PreStageInput
}

func (f *fakeStaging) Active(_ context.Context, k staging.RegionKey) (staging.Staging, error) {
	if k.RegionID != "tavern" {
		return staging.Staging{}, staging.ErrNoStaging
	}
	return staging.Staging{
		ID: "st-1", WorldID: k.WorldID, RegionID: k.RegionID, GameTime: clock.DefaultEpoch, TTLHours: 2,
		Source: staging.SourceHuman, ApprovedBy: "gm",
		NPCs: []staging.StagedNPC{{CharacterID: "kraddock", Name: "Kraddock", IsPresent: true}},
	}, nil
}

func (f *fakeStaging) PreStage(_ context.Context, in staging.PreStageInput) (staging.Staging, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ins = append(f.ins, in)
	return staging.Staging{ID: "st-2", WorldID: in.WorldID, RegionID: in.RegionID, NPCs: in.NPCs, GameTime: clock.DefaultEpoch, TTLHours: 3}, nil
}

type fakeNPCs map[string]world.NPC

func (f fakeNPCs) NPC(_ context.Context, _, id string) (world.NPC, error) {
	n, ok := f[id]
	if !ok {
		return world.NPC{}, world.ErrNotFound
	}
	return n, nil
}

type fakeAssets struct {
	mu   sync.Mutex
	reqs []genqueue.AssetRequest
}

func (f *fakeAssets) Request(_ context.Context, r genqueue.AssetRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Prompt == "" {
		return "", errors.New("prompt is required")
	}
	f.reqs = append(f.reqs, r)
	return "asset-1", nil
}

type env struct {
	intake  *fakeIntake
	staging *fakeStaging
	assets  *fakeAssets
	session *mcpsdk.ClientSession
}

func setup(t *testing.T, listers ...dmtools.Lister) *env {
	t.Helper()
	e := &env{
		intake:  &fakeIntake{reply: approval.Receipt{Kind: "dialogue", RequestID: "r1", Outcome: "approved"}},
		staging: &fakeStaging{},
		assets:  &fakeAssets{},
	}
	srv := dmtools.New(dmtools.Config{
		Intake:  e.intake,
		Listers: listers,
		Staging: e.staging,
		NPCs:    fakeNPCs{"kraddock": {ID: "kraddock", Name: "Kraddock"}},
		Assets:  e.assets,
	})

	ctx := context.Background()
	ct, st := mcpsdk.NewInMemoryTransports()
	ss, err := srv.MCP().Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	e.session = cs
	return e
}

func call(t *testing.T, e *env, name string, args map[string]any) *mcpsdk.CallToolResult {
	t.Helper()
	res, err := e.session.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func text(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func TestTools_Listed(t *testing.T) {
	t.Parallel()

	e := setup(t)
	var names []string
	for tool, err := range e.session.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, tool.Name)
	}
	got := strings.Join(names, ",")
	for _, want := range []string{"list_pending", "submit_decision", "get_staging", "pre_stage", "request_asset"} {
		if !strings.Contains(got, want) {
			t.Errorf("tools = %s, missing %s", got, want)
		}
	}
}

func TestListPending_FiltersAndSorts(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), clock.DefaultEpoch)
	q := approval.New[string]("dialogue", 8, approval.WithClock(clk))
	ctx := context.Background()
	for i, w := range []string{"w1", "w2", "w1"} {
		if _, err := q.Enqueue(ctx, approval.EnqueueRequest[string]{Payload: "line " + string(rune('a'+i)), Scope: approval.Scope{WorldID: w}}); err != nil {
			t.Fatal(err)
		}
		clk.Sleep(time.Minute)
	}
	e := setup(t, dmtools.QueueLister(q, func(s string) string { return s }))

	res := call(t, e, "list_pending", map[string]any{"world_id": "w1"})
	if res.IsError {
		t.Fatalf("error: %s", text(res))
	}
	var out struct {
		Items []dmtools.Item `json:"items"`
	}
	if err := json.Unmarshal([]byte(text(res)), &out); err != nil {
		t.Fatalf("decode %q: %v", text(res), err)
	}
	if len(out.Items) != 2 {
		t.Fatalf("items = %+v, want 2", out.Items)
	}
	if out.Items[0].Summary != "line a" || out.Items[1].Summary != "line c" {
		t.Errorf("order = %q, %q", out.Items[0].Summary, out.Items[1].Summary)
	}
	if out.Items[0].Kind != "dialogue" || out.Items[0].Urgency != "normal" {
		t.Errorf("item = %+v", out.Items[0])
	}

	res = call(t, e, "list_pending", map[string]any{"kind": "staging"})
	if err := json.Unmarshal([]byte(text(res)), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Items) != 0 {
		t.Errorf("kind filter returned %+v", out.Items)
	}
}

func TestSubmitDecision(t *testing.T) {
	t.Parallel()

	e := setup(t)
	res := call(t, e, "submit_decision", map[string]any{
		"request_id": "r1",
		"decision":   "take_over",
		"content":    map[string]any{"text": "Begone!"},
	})
	if res.IsError {
		t.Fatalf("error: %s", text(res))
	}
	if !strings.Contains(text(res), `"outcome":"approved"`) {
		t.Errorf("receipt = %s", text(res))
	}
	if len(e.intake.ids) != 1 || e.intake.ids[0] != "r1" {
		t.Fatalf("submitted = %v", e.intake.ids)
	}
	to, ok := e.intake.decs[0].(approval.TakeOver)
	if !ok {
		t.Fatalf("decision = %T", e.intake.decs[0])
	}
	if raw := string(to.Content.(json.RawMessage)); raw != `{"text":"Begone!"}` {
		t.Errorf("content = %s", raw)
	}
	if e.intake.who[0].UserID != "mcp" {
		t.Errorf("actor = %+v", e.intake.who[0])
	}
}

func TestSubmitDecision_Errors(t *testing.T) {
	t.Parallel()

	e := setup(t)
	res := call(t, e, "submit_decision", map[string]any{"request_id": "r1", "decision": "shrug"})
	if !res.IsError || !strings.Contains(text(res), "unknown kind") {
		t.Errorf("unknown decision: error=%v %s", res.IsError, text(res))
	}

	res = call(t, e, "submit_decision", map[string]any{"request_id": "r1", "decision": "take_over"})
	if !res.IsError || !strings.Contains(text(res), "needs content") {
		t.Errorf("take_over without content: error=%v %s", res.IsError, text(res))
	}

	e.intake.mu.Lock()
	e.intake.err = approval.ErrAlreadyResolved
	e.intake.mu.Unlock()
	res = call(t, e, "submit_decision", map[string]any{"request_id": "r1", "decision": "accept"})
	if !res.IsError {
		t.Errorf("resolved twice without error: %s", text(res))
	}
}

func TestStagingTools(t *testing.T) {
	t.Parallel()

	e := setup(t)
	res := call(t, e, "get_staging", map[string]any{"world_id": "w1", "region_id": "tavern"})
	if res.IsError || !strings.Contains(text(res), `"staging_id":"st-1"`) {
		t.Fatalf("get_staging = %s", text(res))
	}
	res = call(t, e, "get_staging", map[string]any{"world_id": "w1", "region_id": "crypt"})
	if !res.IsError {
		t.Errorf("missing staging returned %s", text(res))
	}

	res = call(t, e, "pre_stage", map[string]any{
		"world_id":  "w1",
		"region_id": "tavern",
		"npcs":      []any{map[string]any{"character_id": "kraddock", "hidden": true}},
		"ttl_hours": 4,
	})
	if res.IsError {
		t.Fatalf("pre_stage: %s", text(res))
	}
	if len(e.staging.ins) != 1 {
		t.Fatalf("prestage calls = %d", len(e.staging.ins))
	}
	in := e.staging.ins[0]
	if in.TTLHours != 4 || len(in.NPCs) != 1 || in.NPCs[0].Name != "Kraddock" || !in.NPCs[0].IsHiddenFromPlayers || !in.NPCs[0].IsPresent {
		t.Errorf("input = %+v", in)
	}

	res = call(t, e, "pre_stage", map[string]any{
		"world_id":  "w1",
		"region_id": "tavern",
		"npcs":      []any{map[string]any{"character_id": "ghost"}},
	})
	if !res.IsError || !strings.Contains(text(res), "ghost") {
		t.Errorf("unknown NPC: error=%v %s", res.IsError, text(res))
	}
}

func TestRequestAsset(t *testing.T) {
	t.Parallel()

	e := setup(t)
	res := call(t, e, "request_asset", map[string]any{
		"world_id":  "w1",
		"region_id": "tavern",
		"kind":      "region",
		"prompt":    "The Rusty Hook at night",
	})
	if res.IsError || !strings.Contains(text(res), `"asset_id":"asset-1"`) {
		t.Fatalf("request_asset = %s", text(res))
	}
	if len(e.assets.reqs) != 1 {
		t.Fatalf("requests = %d", len(e.assets.reqs))
	}
	if r := e.assets.reqs[0]; r.AssetKind != "region" || r.RegionID != "tavern" || r.RequestedBy != "mcp" {
		t.Errorf("request = %+v", r)
	}

	res = call(t, e, "request_asset", map[string]any{"world_id": "w1", "kind": "region"})
	if !res.IsError {
		t.Errorf("request without prompt: %s", text(res))
	}
}

func TestRequireToken(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := dmtools.RequireToken("s3cret", ok)

	tests := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Bearer s3cret", http.StatusNoContent},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("Authorization %q: status %d, want %d", tt.header, rec.Code, tt.want)
		}
	}

	if got := dmtools.RequireToken("", ok); got == nil {
		t.Error("empty token returned nil handler")
	}
}
