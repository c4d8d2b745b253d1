package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists the LLM provider names stagehand knows about.
// [Validate] warns about anything else.
var ValidLLMProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// ValidImageProviders lists the image provider names stagehand knows about.
var ValidImageProviders = []string{"openai"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. Unknown fields are an error.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg.WithDefaults(), nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("providers.llm", cfg.Providers.LLM.Name)
	seen := map[string]bool{cfg.Providers.LLM.Name + "/" + cfg.Providers.LLM.Model: true}
	for i, fb := range cfg.Providers.LLMFallbacks {
		prefix := fmt.Sprintf("providers.llm_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if cfg.Providers.LLM.Name == "" {
			errs = append(errs, fmt.Errorf("%s: fallbacks require providers.llm", prefix))
		}
		key := fb.Name + "/" + fb.Model
		if seen[key] {
			errs = append(errs, fmt.Errorf("%s: %q with model %q is configured twice", prefix, fb.Name, fb.Model))
		}
		seen[key] = true
		validateProviderName(prefix, fb.Name)
	}
	if img := cfg.Providers.Image; img.Name != "" && !slices.Contains(ValidImageProviders, img.Name) {
		slog.Warn("unknown image provider name; it must be registered at startup",
			"field", "providers.image", "name", img.Name, "known", ValidImageProviders)
	}
	if cfg.Staging.UseLLM != nil && *cfg.Staging.UseLLM && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("staging.use_llm is true but providers.llm is not configured"))
	}

	if len(cfg.Campaigns) == 0 {
		slog.Warn("no campaigns configured; every staging request will fail with an unknown world")
	}
	for i, path := range cfg.Campaigns {
		if path == "" {
			errs = append(errs, fmt.Errorf("campaigns[%d] is empty", i))
		}
	}

	s := cfg.Staging
	if s.DefaultTTLHours < 0 {
		errs = append(errs, fmt.Errorf("staging.default_ttl_hours %d must not be negative", s.DefaultTTLHours))
	}
	if s.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("staging.sweep_interval %v must not be negative", s.SweepInterval))
	}
	if s.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("staging.queue_capacity %d must not be negative", s.QueueCapacity))
	}
	if s.LLMTimeout < 0 {
		errs = append(errs, fmt.Errorf("staging.llm_timeout %v must not be negative", s.LLMTimeout))
	}
	g := cfg.Generation
	if g.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("generation.queue_capacity %d must not be negative", g.QueueCapacity))
	}
	if g.Timeout < 0 {
		errs = append(errs, fmt.Errorf("generation.timeout %v must not be negative", g.Timeout))
	}

	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; staging history and pending approvals will not survive a restart")
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be between 0 and 1", r))
	}

	d := cfg.Discord
	if d.Token == "" && (d.GuildID != "" || len(d.Worlds) > 0) {
		errs = append(errs, errors.New("discord.guild_id and discord.worlds require discord.token"))
	}
	if d.Token != "" && d.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required when discord.token is set"))
	}
	for world, ch := range d.Worlds {
		if ch == "" {
			errs = append(errs, fmt.Errorf("discord.worlds[%q] has no channel", world))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and unknown.
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidLLMProviders, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidLLMProviders,
	)
}
