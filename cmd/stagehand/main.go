// Command stagehand is the main entry point for the stagehand server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/stagehand/internal/app"
	"github.com/MrWong99/stagehand/internal/config"
	"github.com/MrWong99/stagehand/internal/discord"
	"github.com/MrWong99/stagehand/internal/observe"
	"github.com/MrWong99/stagehand/pkg/provider/image"
	openaiimage "github.com/MrWong99/stagehand/pkg/provider/image/openai"
	"github.com/MrWong99/stagehand/pkg/provider/llm"
	"github.com/MrWong99/stagehand/pkg/provider/llm/anyllm"
	"github.com/MrWong99/stagehand/pkg/provider/llm/openai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if application != nil {
			application.Reload(old, new)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "stagehand: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "stagehand: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	levels := new(slog.LevelVar)
	slog.SetDefault(newLogger(cfg.Server.LogLevel, levels))

	slog.Info("stagehand starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Instance:       cfg.Telemetry.Instance,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Discord bot (optional) ────────────────────────────────────────────────
	opts := []app.Option{app.WithLogLevel(levels)}
	var bot *discord.Bot
	if cfg.Discord.Token != "" {
		bot, err = discord.New(ctx, discord.Config{
			Token:    cfg.Discord.Token,
			GuildID:  cfg.Discord.GuildID,
			DMRoleID: cfg.Discord.DMRoleID,
		})
		if err != nil {
			slog.Error("failed to create Discord bot", "err", err)
			return 1
		}
		opts = append(opts, app.WithBot(bot))
		slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)
	}

	printStartupSummary(cfg, providers)

	application, err = app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// Start the Discord bot interaction loop and the config watcher in
	// separate goroutines.
	if bot != nil {
		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("discord bot error", "err", err)
			}
		}()
	}
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config watcher stopped", "err", err)
		}
	}()

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")

	// Close the Discord bot first (unregister commands, disconnect).
	if bot != nil {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in LLM factories into reg. Each
// factory receives a config.ProviderEntry and constructs the provider from
// the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// OpenAI talks to the API through the official SDK.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil && d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp and llamafile all
	// share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.NewOllama(entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterImage("openai", func(entry config.ProviderEntry) (image.Provider, error) {
		var opts []openaiimage.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaiimage.WithBaseURL(entry.BaseURL))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil && d > 0 {
			opts = append(opts, openaiimage.WithTimeout(d))
		}
		return openaiimage.New(entry.APIKey, entry.Model, opts...)
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "image", reg.ImageNames())
}

// buildProviders instantiates the primary LLM, its fallbacks and the image
// provider named in cfg. A fallback that cannot be built is skipped with a
// warning; a broken primary or image provider is an error.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if entry := cfg.Providers.Image; entry.Name != "" {
		p, err := reg.CreateImage(entry)
		if err != nil {
			return nil, fmt.Errorf("create image provider %q: %w", entry.Name, err)
		}
		ps.Image = p
		slog.Info("provider created", "kind", "image", "name", entry.Name, "model", entry.Model)
	}

	entry := cfg.Providers.LLM
	if entry.Name == "" {
		return ps, nil
	}
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	ps.LLM, ps.LLMName = p, entry.Name
	slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)

	for i, fb := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			slog.Warn("skipping llm fallback", "name", fb.Name, "err", err)
			continue
		}
		name := fmt.Sprintf("%s#%d", fb.Name, i+1)
		ps.Fallbacks = append(ps.Fallbacks, app.NamedLLM{Name: name, Provider: p})
		slog.Info("provider created", "kind", "llm-fallback", "name", name, "model", fb.Model)
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps *app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        stagehand startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", providerLabel(cfg.Providers.LLM.Name, cfg.Providers.LLM.Model))
	printRow("LLM fallbacks", fmt.Sprint(len(ps.Fallbacks)))
	printRow("Images", providerLabel(cfg.Providers.Image.Name, cfg.Providers.Image.Model))
	printRow("Staging LLM", enabled(cfg.LLMEnabled()))
	printRow("Campaigns", fmt.Sprint(len(cfg.Campaigns)))
	if cfg.Storage.PostgresDSN != "" {
		printRow("Storage", "postgres")
	} else {
		printRow("Storage", "memory")
	}
	if cfg.Discord.Token != "" {
		printRow("Discord", fmt.Sprintf("%d channels", len(cfg.Discord.Worlds)))
	} else {
		printRow("Discord", "(disabled)")
	}
	printRow("MCP tools", enabled(cfg.MCP.Enabled))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func providerLabel(name, model string) string {
	switch {
	case name == "":
		return "(not configured)"
	case model != "":
		return name + " / " + model
	default:
		return name
	}
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "(disabled)"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger whose level is held in levels so it can be
// changed on config reload.
func newLogger(level config.LogLevel, levels *slog.LevelVar) *slog.Logger {
	levels.Set(level.Slog())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levels}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
