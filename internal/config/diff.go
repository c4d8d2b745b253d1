package config

import (
	"maps"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs. Only fields that
// are applied without a restart are tracked; everything else needs one and
// is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TTLChanged bool
	NewTTL     int

	AutoApproveChanged bool
	NewAutoApprove     time.Duration

	// CampaignsChanged is set when the campaign file list differs. The app
	// reloads every listed file.
	CampaignsChanged bool

	// RestartRequired names top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TTLChanged && !d.AutoApproveChanged &&
		!d.CampaignsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs. Both should have defaults applied.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Staging.DefaultTTLHours != new.Staging.DefaultTTLHours {
		d.TTLChanged = true
		d.NewTTL = new.Staging.DefaultTTLHours
	}
	if old.Staging.AutoApproveAfter != new.Staging.AutoApproveAfter {
		d.AutoApproveChanged = true
		d.NewAutoApprove = new.Staging.AutoApproveAfter
	}
	d.CampaignsChanged = !slices.Equal(old.Campaigns, new.Campaigns)

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Generation != new.Generation {
		d.RestartRequired = append(d.RestartRequired, "generation")
	}
	if old.Discord.Token != new.Discord.Token || old.Discord.GuildID != new.Discord.GuildID ||
		old.Discord.DMRoleID != new.Discord.DMRoleID || !maps.Equal(old.Discord.Worlds, new.Discord.Worlds) {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.MCP != new.MCP {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// providersEqual ignores Options; they are provider specific and rarely
// comparable.
func providersEqual(a, b ProvidersConfig) bool {
	key := func(e ProviderEntry) [4]string { return [4]string{e.Name, e.APIKey, e.BaseURL, e.Model} }
	if key(a.LLM) != key(b.LLM) || key(a.Image) != key(b.Image) || len(a.LLMFallbacks) != len(b.LLMFallbacks) {
		return false
	}
	for i := range a.LLMFallbacks {
		if key(a.LLMFallbacks[i]) != key(b.LLMFallbacks[i]) {
			return false
		}
	}
	return true
}
