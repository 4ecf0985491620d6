package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level and
// the persona, which takes effect with the next joined conversation.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemPromptChanged bool
	VoiceChanged        bool

	// RestartRequired lists changed sections that only apply after a restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.VoiceChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Persona.SystemPrompt != new.Persona.SystemPrompt {
		d.SystemPromptChanged = true
	}
	if old.Persona.Voice != new.Persona.Voice {
		d.VoiceChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Persona.Language != new.Persona.Language {
		d.RestartRequired = append(d.RestartRequired, "persona.language")
	}
	if old.Relay != new.Relay {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	if !sameIngress(old.Ingress, new.Ingress) {
		d.RestartRequired = append(d.RestartRequired, "ingress")
	}
	return d
}

func sameProviders(a, b ProvidersConfig) bool {
	if !sameEntry(a.LLM, b.LLM) || !sameEntry(a.STT, b.STT) || !sameEntry(a.TTS, b.TTS) {
		return false
	}
	if len(a.LLMFallbacks) != len(b.LLMFallbacks) {
		return false
	}
	for i := range a.LLMFallbacks {
		if !sameEntry(a.LLMFallbacks[i], b.LLMFallbacks[i]) {
			return false
		}
	}
	return true
}

// sameEntry compares the scalar fields of two entries. Options are not
// compared; changing only options is reported as no change.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

func sameIngress(a, b IngressConfig) bool {
	if a.Disabled != b.Disabled || a.ListenAddr != b.ListenAddr || a.ReadLimit != b.ReadLimit {
		return false
	}
	if len(a.OriginPatterns) != len(b.OriginPatterns) {
		return false
	}
	for i := range a.OriginPatterns {
		if a.OriginPatterns[i] != b.OriginPatterns[i] {
			return false
		}
	}
	return true
}
