package config_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/stagehand/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
providers:
  llm:
    name: openai
    model: gpt-4o-mini
    api_key: sk-test
  llm_fallbacks:
    - name: ollama
      model: llama3
      base_url: http://localhost:11434
campaigns:
  - campaigns/saltmarsh.yaml
staging:
  default_ttl_hours: 4
  auto_approve_after: 45s
generation:
  max_infra_retries: -1
storage:
  postgres_dsn: postgres://localhost/stagehand
discord:
  token: bot-token
  guild_id: "1234"
  worlds:
    saltmarsh: "5678"
mcp:
  enabled: true
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" || len(cfg.Providers.LLMFallbacks) != 1 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Staging.DefaultTTLHours != 4 {
		t.Errorf("default_ttl_hours = %d, want 4", cfg.Staging.DefaultTTLHours)
	}
	if cfg.Staging.AutoApproveAfter != 45*time.Second {
		t.Errorf("auto_approve_after = %v, want 45s", cfg.Staging.AutoApproveAfter)
	}
	if cfg.Generation.MaxInfraRetries != -1 {
		t.Errorf("max_infra_retries = %d, want -1", cfg.Generation.MaxInfraRetries)
	}
	if got := cfg.Discord.Worlds["saltmarsh"]; got != "5678" {
		t.Errorf("discord world channel = %q", got)
	}
	if !cfg.LLMEnabled() {
		t.Error("LLMEnabled() = false with a provider configured")
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader("campaigns: [world.yaml]\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Staging.DefaultTTLHours != config.DefaultTTLHours {
		t.Errorf("default_ttl_hours = %d", cfg.Staging.DefaultTTLHours)
	}
	if cfg.Staging.AutoApproveAfter != config.DefaultAutoApproveAfter {
		t.Errorf("auto_approve_after = %v", cfg.Staging.AutoApproveAfter)
	}
	if cfg.Generation.QueueCapacity != config.DefaultQueueCapacity {
		t.Errorf("generation.queue_capacity = %d", cfg.Generation.QueueCapacity)
	}
	if cfg.LLMEnabled() {
		t.Error("LLMEnabled() = true without a provider")
	}
}

func TestLoadFromReader_EmptyDocument(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Staging.QueueCapacity != config.DefaultQueueCapacity {
		t.Errorf("queue_capacity = %d", cfg.Staging.QueueCapacity)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("staging:\n  ttl: 4\n"))
	if err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestLoadFromReader_UseLLMCanBeDisabled(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  llm:\n    name: openai\nstaging:\n  use_llm: false\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.LLMEnabled() {
		t.Error("LLMEnabled() = true with use_llm: false")
	}
}

func TestValidate_FallbackSameProviderOtherModel(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Providers: config.ProvidersConfig{
		LLM:          config.ProviderEntry{Name: "openai", Model: "gpt-4o"},
		LLMFallbacks: []config.ProviderEntry{{Name: "openai", Model: "gpt-4o-mini"}},
	}}
	if err := config.Validate(&cfg); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	yes := true
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{
			name:    "bad log level",
			cfg:     config.Config{Server: config.ServerConfig{LogLevel: "verbose"}},
			wantErr: "server.log_level",
		},
		{
			name:    "half tls",
			cfg:     config.Config{Server: config.ServerConfig{TLS: &config.TLSConfig{CertFile: "cert.pem"}}},
			wantErr: "server.tls",
		},
		{
			name: "fallback without primary",
			cfg: config.Config{Providers: config.ProvidersConfig{
				LLMFallbacks: []config.ProviderEntry{{Name: "ollama"}},
			}},
			wantErr: "fallbacks require providers.llm",
		},
		{
			name: "duplicate fallback",
			cfg: config.Config{Providers: config.ProvidersConfig{
				LLM:          config.ProviderEntry{Name: "openai", Model: "gpt-4o"},
				LLMFallbacks: []config.ProviderEntry{{Name: "openai", Model: "gpt-4o"}},
			}},
			wantErr: "configured twice",
		},
		{
			name:    "use_llm without provider",
			cfg:     config.Config{Staging: config.StagingConfig{UseLLM: &yes}},
			wantErr: "staging.use_llm",
		},
		{
			name:    "negative ttl",
			cfg:     config.Config{Staging: config.StagingConfig{DefaultTTLHours: -1}},
			wantErr: "default_ttl_hours",
		},
		{
			name:    "discord without guild",
			cfg:     config.Config{Discord: config.DiscordConfig{Token: "t"}},
			wantErr: "discord.guild_id is required",
		},
		{
			name:    "discord worlds without token",
			cfg:     config.Config{Discord: config.DiscordConfig{Worlds: map[string]string{"w": "c"}}},
			wantErr: "require discord.token",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := config.Validate(&tc.cfg)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Server:  config.ServerConfig{LogLevel: "loud"},
		Staging: config.StagingConfig{DefaultTTLHours: -2, QueueCapacity: -1},
	}
	err := config.Validate(&cfg)
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		t.Fatalf("Validate() = %v, want a joined error", err)
	}
	if got := len(joined.Unwrap()); got != 3 {
		t.Errorf("joined %d errors, want 3: %v", got, err)
	}
}

func TestLogLevel_Slog(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Slog(); got != tt.want {
			t.Errorf("%q.Slog() = %v, want %v", tt.in, got, tt.want)
		}
	}
}
