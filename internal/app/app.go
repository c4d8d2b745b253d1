// Package app wires all stagehand subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the background workers, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStagingStore,
// WithJournal, WithClock, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/stagehand/internal/approval"
	"github.com/MrWong99/stagehand/internal/asset"
	"github.com/MrWong99/stagehand/internal/challenge"
	"github.com/MrWong99/stagehand/internal/clock"
	"github.com/MrWong99/stagehand/internal/config"
	"github.com/MrWong99/stagehand/internal/dialogue"
	"github.com/MrWong99/stagehand/internal/discord"
	"github.com/MrWong99/stagehand/internal/dmtools"
	"github.com/MrWong99/stagehand/internal/genqueue"
	"github.com/MrWong99/stagehand/internal/health"
	"github.com/MrWong99/stagehand/internal/narrative"
	"github.com/MrWong99/stagehand/internal/notify"
	"github.com/MrWong99/stagehand/internal/notify/ws"
	"github.com/MrWong99/stagehand/internal/observe"
	"github.com/MrWong99/stagehand/internal/resilience"
	"github.com/MrWong99/stagehand/internal/staging"
	"github.com/MrWong99/stagehand/internal/store/postgres"
	"github.com/MrWong99/stagehand/internal/worker"
	"github.com/MrWong99/stagehand/internal/world"
	"github.com/MrWong99/stagehand/pkg/provider/image"
	"github.com/MrWong99/stagehand/pkg/provider/llm"
)

// statsWindow is how many approval turnarounds per kind the Discord stats
// keep.
const statsWindow = 200

// Providers holds the backends built by main.go via the config registry.
// A nil LLM runs staging on rules only and disables dialogue generation. A
// nil Image disables asset requests.
type Providers struct {
	LLM     llm.Provider
	LLMName string

	// Fallbacks are tried in order when the primary fails or its circuit
	// is open.
	Fallbacks []NamedLLM

	Image image.Provider
}

// NamedLLM is a fallback LLM backend.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics  *observe.Metrics
	levels   *slog.LevelVar
	clock    *clock.World
	world    *world.MemStore
	store    *postgres.Store
	stagings staging.Store
	journal  approval.Journal
	llm      *resilience.LLMFallback

	gen       *genqueue.Queue
	assetGen  *genqueue.Queue
	pool      *worker.Pool
	staging   *staging.Service
	dialogue  *dialogue.Service
	challenge *challenge.Service
	narrative *narrative.Service
	assets    *asset.Service
	intake    *approval.Intake

	registry *notify.Registry
	notifier *notify.Notifier
	health   *health.Handler
	tools    *dmtools.Server
	handler  http.Handler
	server   *http.Server

	bot      *discord.Bot
	stats    *discord.ApprovalStats
	channels []*discord.ChannelConn
	boards   []*discord.Board

	// started records worlds whose clock has been set from their campaign.
	mu      sync.Mutex
	started map[string]bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStagingStore injects a staging store instead of creating one from config.
func WithStagingStore(s staging.Store) Option {
	return func(a *App) { a.stagings = s }
}

// WithJournal injects an approval journal instead of the PostgreSQL one.
func WithJournal(j approval.Journal) Option {
	return func(a *App) { a.journal = j }
}

// WithClock injects the world clock.
func WithClock(c *clock.World) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level of the default logger so that
// [App.Reload] can change it.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.levels = lv }
}

// WithBot attaches a connected Discord bot. Its commands, approval buttons
// and per-world channels are registered during New; the caller runs and
// closes the bot.
func WithBot(b *discord.Bot) Option {
	return func(a *App) { a.bot = b }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: campaign loading, storage
// connection, queue and service construction, journal recovery, Discord
// registration and HTTP routing. The readiness check reports ready once New
// returns.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		started:   make(map[string]bool),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.clock == nil {
		a.clock = clock.NewWorld(clock.DefaultEpoch)
	}
	if a.levels == nil {
		a.levels = new(slog.LevelVar)
		a.levels.Set(cfg.Server.LogLevel.Slog())
	}

	// ── 1. World read model ──────────────────────────────────────────────
	a.world = world.NewMemStore()
	if err := a.loadCampaigns(cfg.Campaigns); err != nil {
		return nil, fmt.Errorf("app: load campaigns: %w", err)
	}

	// ── 2. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 3. LLM failover ──────────────────────────────────────────────────
	a.initLLM()

	// ── 4. Notifier ──────────────────────────────────────────────────────
	a.registry = notify.NewRegistry(a.metrics)
	a.notifier = notify.NewNotifier(a.registry, notify.WithMetrics(a.metrics))

	// ── 5. Queues, services and the generation worker ────────────────────
	if err := a.initServices(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init services: %w", err)
	}

	// ── 6. Journal recovery ──────────────────────────────────────────────
	a.recover(ctx)

	// ── 7. Discord ───────────────────────────────────────────────────────
	if a.bot != nil {
		a.initDiscord()
	}

	// ── 8. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	a.health.SetReady()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// loadCampaigns (re)loads every campaign file into the world store. A world
// seen for the first time has its clock set to the campaign's start hour.
func (a *App) loadCampaigns(paths []string) error {
	var errs []error
	for _, path := range paths {
		cf, err := world.LoadCampaignFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("load campaign file %q: %w", path, err))
			continue
		}
		if err := a.world.Load(cf); err != nil {
			errs = append(errs, fmt.Errorf("import campaign %q: %w", path, err))
			continue
		}

		a.mu.Lock()
		first := !a.started[cf.World.ID]
		a.started[cf.World.ID] = true
		a.mu.Unlock()
		if first {
			a.clock.SetGameTime(cf.World.ID, campaignStart(cf.World))
		}
		slog.Info("loaded campaign", "path", path, "world_id", cf.World.ID,
			"regions", len(cf.Regions), "npcs", len(cf.NPCs))
	}
	return errors.Join(errs...)
}

func campaignStart(m world.Meta) time.Time {
	if m.StartHour == nil {
		return clock.DefaultEpoch
	}
	e := clock.DefaultEpoch
	return time.Date(e.Year(), e.Month(), e.Day(), *m.StartHour, 0, 0, 0, time.UTC)
}

// initStorage connects PostgreSQL or falls back to in-memory stores for
// whatever was not injected.
func (a *App) initStorage(ctx context.Context) error {
	if a.stagings != nil && a.journal != nil {
		return nil // both injected
	}
	if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		if a.stagings == nil {
			a.stagings = store.Stagings()
		}
		if a.journal == nil {
			a.journal = store.Journal()
		}
		slog.Info("connected to postgres")
		return nil
	}
	if a.stagings == nil {
		a.stagings = staging.NewMemStore()
	}
	return nil
}

// initLLM wraps the configured backends in a circuit-breaking failover group.
func (a *App) initLLM() {
	p := a.providers
	if p == nil || p.LLM == nil {
		slog.Info("no LLM configured; staging runs on rules only and dialogue is disabled")
		return
	}
	name := p.LLMName
	if name == "" {
		name = "llm"
	}
	a.llm = resilience.NewLLMFallback(p.LLM, name, resilience.FallbackConfig{}).WithMetrics(a.metrics)
	for _, f := range p.Fallbacks {
		a.llm.AddFallback(f.Name, f.Provider)
	}
	slog.Info("llm backends ready", "order", a.llm.Backends())
}

func (a *App) queueOpts() []approval.Option {
	opts := []approval.Option{approval.WithClock(a.clock), approval.WithMetrics(a.metrics)}
	if a.journal != nil {
		opts = append(opts, approval.WithJournal(a.journal))
	}
	return opts
}

// initServices builds the approval queues, the domain services on top of
// them and the worker pool serving the generation and asset queues.
func (a *App) initServices() error {
	cfg := a.cfg
	capacity := cfg.Staging.QueueCapacity

	a.gen = genqueue.New("generation", cfg.Generation.QueueCapacity,
		genqueue.WithClock(a.clock), genqueue.WithMetrics(a.metrics))

	resolverOpts := []staging.ResolverOption{
		staging.WithLLMTimeout(cfg.Staging.LLMTimeout),
		staging.WithResolverMetrics(a.metrics),
	}
	if a.llm != nil && cfg.LLMEnabled() {
		resolverOpts = append(resolverOpts, staging.WithLLM(a.llm, "llm"))
	}
	a.staging = staging.NewService(a.world, staging.NewResolver(a.world, resolverOpts...),
		staging.WithClock(a.clock),
		staging.WithQueue(approval.New[staging.Proposal](staging.Kind, capacity, a.queueOpts()...)),
		staging.WithStore(a.stagings),
		staging.WithNotifier(a.notifier),
		staging.WithGenerator(a.gen),
		staging.WithMetrics(a.metrics),
		staging.WithDefaultTTL(cfg.Staging.DefaultTTLHours),
		staging.WithAutoApproveAfter(cfg.Staging.AutoApproveAfter),
	)

	var challengeLLM llm.Provider
	if a.llm != nil {
		challengeLLM = a.llm
	}
	a.challenge = challenge.NewService(challengeLLM,
		challenge.WithLLMTimeout(cfg.Staging.LLMTimeout),
		challenge.WithClock(a.clock),
		challenge.WithQueue(approval.New[challenge.Proposal](challenge.Kind, capacity, a.queueOpts()...)),
		challenge.WithGenerator(a.gen),
		challenge.WithNotifier(a.notifier),
		challenge.WithMetrics(a.metrics),
	)

	narrativeOpts := []narrative.Option{
		narrative.WithLLMTimeout(cfg.Staging.LLMTimeout),
		narrative.WithClock(a.clock),
		narrative.WithQueue(approval.New[narrative.Proposal](narrative.Kind, capacity, a.queueOpts()...)),
		narrative.WithGenerator(a.gen),
		narrative.WithNotifier(a.notifier),
		narrative.WithMetrics(a.metrics),
	}
	if a.llm != nil {
		narrativeOpts = append(narrativeOpts, narrative.WithLLM(a.llm, "llm"))
	}
	a.narrative = narrative.NewService(a.world, narrativeOpts...)

	mux := worker.NewMux()
	mux.Register(genqueue.StagingRegeneration{}.Kind(), worker.HandlerFunc(a.staging.HandleGeneration))
	mux.Register(genqueue.OutcomeSuggestion{}.Kind(), worker.HandlerFunc(a.challenge.HandleGeneration))
	mux.Register(genqueue.EventTrigger{}.Kind(), worker.HandlerFunc(a.narrative.HandleGeneration))
	a.intake = approval.NewIntake(a.staging, a.challenge, a.narrative)

	if a.llm != nil {
		a.dialogue = dialogue.NewService(a.world, a.llm,
			dialogue.WithTools(npcTools...),
			dialogue.WithEventSuggester(a.narrative),
			dialogue.WithLLMTimeout(cfg.Staging.LLMTimeout),
			dialogue.WithClock(a.clock),
			dialogue.WithQueue(approval.New[dialogue.Proposal](dialogue.Kind, capacity, a.queueOpts()...)),
			dialogue.WithGenerator(a.gen),
			dialogue.WithNotifier(a.notifier),
			dialogue.WithMetrics(a.metrics),
		)
		mux.Register(genqueue.PlayerAction{}.Kind(), worker.HandlerFunc(a.dialogue.HandleGeneration))
		a.intake.Register(a.dialogue)
	}

	workers := []*worker.Worker{{
		Name:            "generation",
		Queue:           a.gen,
		Handler:         mux,
		Timeout:         cfg.Generation.Timeout,
		MaxInfraRetries: cfg.Generation.MaxInfraRetries,
		OnGiveUp:        a.staging.GenerationGivenUp,
	}}
	if w := a.initAssets(); w != nil {
		workers = append(workers, w)
	}

	pool, err := worker.NewPool(workers, worker.WithNotifier(a.notifier), worker.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.pool = pool
	return nil
}

// initAssets builds the asset queue and the worker serving it when an image
// provider is configured. Image calls are slow, so they never share a queue
// with dialogue and staging.
func (a *App) initAssets() *worker.Worker {
	if a.providers == nil || a.providers.Image == nil {
		slog.Info("no image provider configured; asset requests are disabled")
		return nil
	}
	cfg := a.cfg.Generation
	a.assetGen = genqueue.New("assets", cfg.QueueCapacity,
		genqueue.WithClock(a.clock), genqueue.WithMetrics(a.metrics))
	a.assets = asset.NewService(a.providers.Image,
		asset.WithQueue(a.assetGen),
		asset.WithNotifier(a.notifier),
		asset.WithMetrics(a.metrics),
	)

	mux := worker.NewMux()
	mux.Register(genqueue.AssetRequest{}.Kind(), worker.HandlerFunc(a.assets.HandleGeneration))
	return &worker.Worker{
		Name:            "assets",
		Queue:           a.assetGen,
		Handler:         mux,
		Timeout:         max(cfg.Timeout, asset.DefaultTimeout),
		MaxInfraRetries: cfg.MaxInfraRetries,
	}
}

// recover reloads unresolved approvals from the journal and rebuilds the
// staging service's region index from them. Entries that cannot be restored
// are logged and skipped; the queues stay authoritative.
func (a *App) recover(ctx context.Context) {
	if a.journal != nil {
		report := func(kind string, n int, err error) {
			if err != nil {
				slog.Warn("journal recovery incomplete", "kind", kind, "err", err)
			}
			if n > 0 {
				slog.Info("recovered pending approvals", "kind", kind, "count", n)
			}
		}
		n, err := approval.Recover(ctx, a.staging.Queue(), a.journal)
		report(staging.Kind, n, err)
		n, err = approval.Recover(ctx, a.challenge.Queue(), a.journal)
		report(challenge.Kind, n, err)
		n, err = approval.Recover(ctx, a.narrative.Queue(), a.journal)
		report(narrative.Kind, n, err)
		if a.dialogue != nil {
			n, err = approval.Recover(ctx, a.dialogue.Queue(), a.journal)
			report(dialogue.Kind, n, err)
		}
	}
	if n := a.staging.Reindex(); n > 0 {
		slog.Info("reindexed pending stagings", "regions", n)
	}
}

// initDiscord registers the DM command surface on the bot and joins one
// channel connection per configured world.
func (a *App) initDiscord() {
	b := a.bot
	a.stats = discord.NewApprovalStats(statsWindow)
	links := discord.ChannelsFromWorlds(a.cfg.Discord.Worlds)

	discord.NewApprovals(a.intake, a.world, b.Permissions(), links).Register(b.Router())
	discord.NewStagingCommands(discord.StagingCommandsConfig{
		Service:  a.staging,
		Regions:  a.world,
		NPCs:     a.world,
		Clock:    a.clock,
		Stats:    a.stats,
		Perms:    b.Permissions(),
		Channels: links,
	}).Register(b.Router())

	session := b.Session()
	for worldID, channelID := range a.cfg.Discord.Worlds {
		conn := discord.NewChannelConn(session, worldID, channelID,
			discord.WithChannelClock(a.clock), discord.WithStats(a.stats))
		a.registry.Join(context.Background(), conn, worldID, conn.ID(), notify.RoleDM)
		a.channels = append(a.channels, conn)

		scope := approval.Scope{WorldID: worldID}
		a.boards = append(a.boards, discord.NewBoard(discord.BoardConfig{
			Session:   session,
			WorldID:   worldID,
			ChannelID: channelID,
			Counts:    func() []discord.QueueCount { return a.queueCounts(scope) },
			Stats:     a.stats,
			Clock:     a.clock,
		}))
		slog.Info("discord channel linked", "world_id", worldID, "channel_id", channelID)
	}
}

func (a *App) queueCounts(scope approval.Scope) []discord.QueueCount {
	counts := []discord.QueueCount{
		discord.CountQueue(a.staging.Queue(), scope),
		discord.CountQueue(a.challenge.Queue(), scope),
		discord.CountQueue(a.narrative.Queue(), scope),
	}
	if a.dialogue != nil {
		counts = append(counts, discord.CountQueue(a.dialogue.Queue(), scope))
	}
	return counts
}

// initHTTP builds the health, metrics, websocket and MCP routes.
func (a *App) initHTTP() {
	checkers := []health.Checker{
		health.QueueSaturation("generation", a.gen.Len, a.cfg.Generation.QueueCapacity),
		health.QueueSaturation(staging.Kind, a.staging.Queue().Len, a.staging.Queue().Cap()),
	}
	if a.assetGen != nil {
		checkers = append(checkers, health.QueueSaturation("assets", a.assetGen.Len, a.cfg.Generation.QueueCapacity))
	}
	if a.store != nil {
		checkers = append(checkers, health.Ping("postgres", a.store.Ping))
	}
	if a.llm != nil {
		checkers = append(checkers, health.AnyAvailable("llm", a.llmAvailability))
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/ws", ws.NewHandler(a.registry, a.wsOptions()...))
	if a.assets != nil {
		mux.HandleFunc("GET /assets/{id}", a.serveAsset)
	}

	if a.cfg.MCP.Enabled {
		listers := []dmtools.Lister{
			dmtools.QueueLister(a.staging.Queue(), summarizeStaging),
			dmtools.QueueLister(a.challenge.Queue(), summarizeChallenge),
			dmtools.QueueLister(a.narrative.Queue(), summarizeNarrative),
		}
		if a.dialogue != nil {
			listers = append(listers, dmtools.QueueLister(a.dialogue.Queue(), summarizeDialogue))
		}
		tc := dmtools.Config{
			Intake:  a.intake,
			Listers: listers,
			Staging: a.staging,
			NPCs:    a.world,
		}
		if a.assets != nil {
			tc.Assets = a.assets
		}
		a.tools = dmtools.New(tc)
		mux.Handle("/mcp", dmtools.RequireToken(a.cfg.MCP.Token, a.tools.Handler()))
	}

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serveAsset returns an inline image or redirects to the provider's URL.
func (a *App) serveAsset(w http.ResponseWriter, r *http.Request) {
	as, err := a.assets.Get(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if len(as.Data) == 0 {
		http.Redirect(w, r, as.URL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", as.MIMEType)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	_, _ = w.Write(as.Data)
}

func (a *App) llmAvailability() map[string]bool {
	out := make(map[string]bool)
	for name, st := range a.llm.States() {
		out[name] = st != resilience.StateOpen
	}
	return out
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Staging returns the staging service.
func (a *App) Staging() *staging.Service { return a.staging }

// Intake returns the uniform decision entry point.
func (a *App) Intake() *approval.Intake { return a.intake }

// Registry returns the live connection registry.
func (a *App) Registry() *notify.Registry { return a.registry }

// Clock returns the world clock.
func (a *App) Clock() *clock.World { return a.clock }

// Assets returns the asset service, or nil without an image provider.
func (a *App) Assets() *asset.Service { return a.assets }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs the generation worker, the auto-approval sweeper
// and the Discord channels until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.pool.Run(ctx) })
	g.Go(func() error { return a.staging.RunAutoApprove(ctx, a.cfg.Staging.SweepInterval) })
	for _, c := range a.channels {
		g.Go(func() error { return c.Run(ctx) })
	}
	for _, b := range a.boards {
		g.Go(func() error { return b.Run(ctx) })
	}

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new. It is
// the callback of a [config.Watcher].
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		a.levels.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TTLChanged {
		a.staging.SetDefaultTTL(d.NewTTL)
		slog.Info("default staging ttl changed", "hours", d.NewTTL)
	}
	if d.AutoApproveChanged {
		a.staging.SetAutoApproveAfter(d.NewAutoApprove)
		slog.Info("auto-approve timeout changed", "after", d.NewAutoApprove)
	}
	if d.CampaignsChanged {
		if err := a.loadCampaigns(new.Campaigns); err != nil {
			slog.Warn("campaign reload incomplete", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that only apply after a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the generation and asset queues so the workers drain,
// then releases storage. It is safe to call more than once; later calls are
// no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.gen.Close()
		if a.assetGen != nil {
			a.assetGen.Close()
		}
		done := make(chan struct{})
		go func() {
			a.close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

func (a *App) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("close error", "err", err)
		}
	}
	a.closers = nil
}
