// Package dmtools exposes the DM's approval and staging controls as MCP
// tools, so an assistant or script can work the approval queues with the
// same authority as the Discord buttons.
//
// The server is served over streamable HTTP:
//
//	srv := dmtools.New(dmtools.Config{Intake: intake, Listers: listers, Staging: svc, NPCs: store})
//	mux.Handle("/mcp", dmtools.RequireToken(token, srv.Handler()))
package dmtools

import (
	"cmp"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/genqueue"
	"github.com/MrWong99/stagehand/internal/staging"
	"github.com/MrWong99/stagehand/internal/world"
)

// Version is reported to MCP clients.
const Version = "v1.0.0"

// Intake submits DM decisions. [*approval.Intake] satisfies it.
type Intake interface {
	SubmitDecision(ctx context.Context, requestID string, d approval.Decision, who approval.Actor) (approval.Receipt, error)
}

// StagingService is the part of [*staging.Service] the tools use.
type StagingService interface {
	Active(ctx context.Context, k staging.RegionKey) (staging.Staging, error)
	PreStage(ctx context.Context, in staging.PreStageInput) (staging.Staging, error)
}

// NPCDirectory looks up NPCs. [*world.MemStore] satisfies it.
type NPCDirectory interface {
	NPC(ctx context.Context, worldID, npcID string) (world.NPC, error)
}

// AssetService files image requests. [*asset.Service] satisfies it.
type AssetService interface {
	Request(ctx context.Context, r genqueue.AssetRequest) (string, error)
}

// Item is one outstanding approval request as listed to a client.
type Item struct {
	Kind       string `json:"kind"`
	RequestID  string `json:"request_id"`
	WorldID    string `json:"world_id"`
	CreatedAt  string `json:"created_at"`
	RetryCount int    `json:"retry_count"`
	Urgency    string `json:"urgency"`
	Failed     bool   `json:"failed,omitempty" jsonschema:"true when rejections are exhausted; only accept and take_over remain"`
	Summary    string `json:"summary"`
}

// Lister returns the outstanding requests of one queue inside scope.
type Lister func(scope approval.Scope) []Item

// QueueLister lists q's pending and failed items, rendering each payload
// with summarize.
func QueueLister[T any](q *approval.Queue[T], summarize func(T) string) Lister {
	return func(scope approval.Scope) []Item {
		var out []Item
		add := func(ps []approval.Pending[T]) {
			for _, p := range ps {
				out = append(out, Item{
					Kind:       q.Name(),
					RequestID:  p.RequestID,
					WorldID:    p.Scope.WorldID,
					CreatedAt:  p.CreatedAt.UTC().Format(time.RFC3339),
					RetryCount: p.RetryCount,
					Urgency:    p.Urgency.String(),
					Failed:     p.Failed,
					Summary:    summarize(p.Payload),
				})
			}
		}
		add(q.PeekPending(scope))
		add(q.PeekFailed(scope))
		return out
	}
}

// Config holds the dependencies of a [Server].
type Config struct {
	Intake  Intake
	Listers []Lister
	Staging StagingService
	NPCs    NPCDirectory

	// Assets enables the request_asset tool. Optional.
	Assets AssetService

	// Actor is recorded as the decider of everything submitted through the
	// tools. Default: "mcp".
	Actor approval.Actor
}

// Server is the DM tool MCP server.
type Server struct {
	cfg    Config
	server *mcpsdk.Server
}

// New creates the server and registers its tools.
func New(cfg Config) *Server {
	if cfg.Actor.UserID == "" {
		cfg.Actor = approval.Actor{UserID: "mcp", Name: "mcp"}
	}
	s := &Server{
		cfg:    cfg,
		server: mcpsdk.NewServer(&mcpsdk.Implementation{Name: "stagehand", Version: Version}, nil),
	}

	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "list_pending",
		Description: "List approval requests waiting for the DM, oldest first.",
	}, s.listPending)
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name: "submit_decision",
		Description: "Decide an approval request. decision is one of accept, accept_modified, reject, take_over. " +
			"accept_modified and take_over need content shaped like the request's payload.",
	}, s.submitDecision)
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "get_staging",
		Description: "Show which NPCs are staged in a region.",
	}, s.getStaging)
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "pre_stage",
		Description: "Set the NPCs present in a region ahead of time, without approval.",
	}, s.preStage)
	if cfg.Assets != nil {
		mcpsdk.AddTool(s.server, &mcpsdk.Tool{
			Name:        "request_asset",
			Description: "Generate an image for the DM. The DM screens are told when it is ready.",
		}, s.requestAsset)
	}
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcpsdk.Server { return s.server }

// Handler returns the streamable HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.server }, nil)
}

// RequireToken rejects requests without "Authorization: Bearer <token>". An
// empty token disables the check.
func RequireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="stagehand"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Tools ──────────────────────────────────────────────────────────────────

type listPendingInput struct {
	WorldID string `json:"world_id,omitempty" jsonschema:"only requests of this world; empty lists every world"`
	Kind    string `json:"kind,omitempty" jsonschema:"only requests of this kind, e.g. staging, dialogue or challenge"`
}

type listPendingOutput struct {
	Items []Item `json:"items"`
}

func (s *Server) listPending(_ context.Context, _ *mcpsdk.CallToolRequest, in listPendingInput) (*mcpsdk.CallToolResult, listPendingOutput, error) {
	scope := approval.Scope{WorldID: in.WorldID}
	out := listPendingOutput{Items: []Item{}}
	for _, l := range s.cfg.Listers {
		for _, it := range l(scope) {
			if in.Kind == "" || it.Kind == in.Kind {
				out.Items = append(out.Items, it)
			}
		}
	}
	slices.SortFunc(out.Items, func(a, b Item) int {
		return cmp.Or(cmp.Compare(a.CreatedAt, b.CreatedAt), cmp.Compare(a.RequestID, b.RequestID))
	})
	return nil, out, nil
}

type submitDecisionInput struct {
	RequestID string         `json:"request_id" jsonschema:"the request to decide"`
	Decision  string         `json:"decision" jsonschema:"accept, accept_modified, reject or take_over"`
	Feedback  string         `json:"feedback,omitempty" jsonschema:"what the next attempt should change; used by reject"`
	Content   map[string]any `json:"content,omitempty" jsonschema:"replacement payload for accept_modified and take_over"`
}

func (s *Server) submitDecision(ctx context.Context, _ *mcpsdk.CallToolRequest, in submitDecisionInput) (*mcpsdk.CallToolResult, approval.Receipt, error) {
	if in.RequestID == "" {
		return nil, approval.Receipt{}, errors.New("request_id is required")
	}
	var content json.RawMessage
	if in.Content != nil {
		raw, err := json.Marshal(in.Content)
		if err != nil {
			return nil, approval.Receipt{}, fmt.Errorf("encode content: %w", err)
		}
		content = raw
	}
	d, err := approval.ParseDecision(in.Decision, in.Feedback, content)
	if err != nil {
		return nil, approval.Receipt{}, err
	}
	r, err := s.cfg.Intake.SubmitDecision(ctx, in.RequestID, d, s.cfg.Actor)
	if err != nil {
		return nil, approval.Receipt{}, err
	}
	return nil, r, nil
}

type regionInput struct {
	WorldID  string `json:"world_id"`
	RegionID string `json:"region_id"`
}

// npcView is a staged NPC as shown to a client.
type npcView struct {
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
	IsPresent   bool   `json:"is_present"`
	Hidden      bool   `json:"hidden,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`
}

type stagingView struct {
	StagingID  string    `json:"staging_id"`
	WorldID    string    `json:"world_id"`
	RegionID   string    `json:"region_id"`
	GameTime   string    `json:"game_time"`
	ExpiresAt  string    `json:"expires_at"`
	Source     string    `json:"source"`
	ApprovedBy string    `json:"approved_by"`
	NPCs       []npcView `json:"npcs"`
}

func viewOf(st staging.Staging) stagingView {
	v := stagingView{
		StagingID:  st.ID,
		WorldID:    st.WorldID,
		RegionID:   st.RegionID,
		GameTime:   st.GameTime.Format(time.RFC3339),
		ExpiresAt:  st.ExpiresAt().Format(time.RFC3339),
		Source:     string(st.Source),
		ApprovedBy: st.ApprovedBy,
		NPCs:       make([]npcView, len(st.NPCs)),
	}
	for i, n := range st.NPCs {
		v.NPCs[i] = npcView{
			CharacterID: n.CharacterID,
			Name:        n.Name,
			IsPresent:   n.IsPresent,
			Hidden:      n.IsHiddenFromPlayers,
			Reasoning:   n.Reasoning,
		}
	}
	return v
}

func (s *Server) getStaging(ctx context.Context, _ *mcpsdk.CallToolRequest, in regionInput) (*mcpsdk.CallToolResult, stagingView, error) {
	st, err := s.cfg.Staging.Active(ctx, staging.RegionKey{WorldID: in.WorldID, RegionID: in.RegionID})
	if err != nil {
		return nil, stagingView{}, err
	}
	return nil, viewOf(st), nil
}

type preStageNPC struct {
	CharacterID string `json:"character_id"`
	Hidden      bool   `json:"hidden,omitempty" jsonschema:"present but not shown to players"`
	Absent      bool   `json:"absent,omitempty" jsonschema:"recorded as explicitly not present"`
}

type preStageInput struct {
	WorldID  string        `json:"world_id"`
	RegionID string        `json:"region_id"`
	NPCs     []preStageNPC `json:"npcs" jsonschema:"NPCs to stage; an empty list stages nobody"`
	TTLHours int           `json:"ttl_hours,omitempty" jsonschema:"game hours the staging stays valid; 0 uses the default"`
}

func (s *Server) preStage(ctx context.Context, _ *mcpsdk.CallToolRequest, in preStageInput) (*mcpsdk.CallToolResult, stagingView, error) {
	npcs := make([]staging.StagedNPC, 0, len(in.NPCs))
	var unknown []string
	for _, n := range in.NPCs {
		npc, err := s.cfg.NPCs.NPC(ctx, in.WorldID, n.CharacterID)
		if errors.Is(err, world.ErrNotFound) {
			unknown = append(unknown, n.CharacterID)
			continue
		}
		if err != nil {
			return nil, stagingView{}, err
		}
		npcs = append(npcs, staging.StagedNPC{
			CharacterID:         npc.ID,
			Name:                npc.Name,
			IsPresent:           !n.Absent,
			IsHiddenFromPlayers: n.Hidden,
		})
	}
	if len(unknown) > 0 {
		return nil, stagingView{}, fmt.Errorf("unknown NPCs: %s", strings.Join(unknown, ", "))
	}
	st, err := s.cfg.Staging.PreStage(ctx, staging.PreStageInput{
		WorldID:  in.WorldID,
		RegionID: in.RegionID,
		NPCs:     npcs,
		TTLHours: in.TTLHours,
		Approver: s.cfg.Actor.String(),
	})
	if err != nil {
		return nil, stagingView{}, err
	}
	return nil, viewOf(st), nil
}

type requestAssetInput struct {
	WorldID  string `json:"world_id"`
	RegionID string `json:"region_id,omitempty"`
	Kind     string `json:"kind" jsonschema:"region, portrait, scene, map or item"`
	Prompt   string `json:"prompt" jsonschema:"what the image shows"`
	Size     string `json:"size,omitempty" jsonschema:"e.g. 1024x1024; empty uses the provider default"`
}

type requestAssetOutput struct {
	AssetID string `json:"asset_id"`
}

func (s *Server) requestAsset(ctx context.Context, _ *mcpsdk.CallToolRequest, in requestAssetInput) (*mcpsdk.CallToolResult, requestAssetOutput, error) {
	id, err := s.cfg.Assets.Request(ctx, genqueue.AssetRequest{
		WorldID:     in.WorldID,
		RegionID:    in.RegionID,
		RequestedBy: s.cfg.Actor.String(),
		AssetKind:   in.Kind,
		Prompt:      in.Prompt,
		Size:        in.Size,
	})
	if err != nil {
		return nil, requestAssetOutput{}, err
	}
	return nil, requestAssetOutput{AssetID: id}, nil
}
