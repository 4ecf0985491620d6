// Package config provides the configuration schema, loader, and provider registry
// for the voxrelay voice relay.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discord   DiscordConfig   `yaml:"discord"`
	Providers ProvidersConfig `yaml:"providers"`
	Persona   PersonaConfig   `yaml:"persona"`
	Relay     RelayConfig     `yaml:"relay"`
	Ingress   IngressConfig   `yaml:"ingress"`
}

// ServerConfig holds the observability listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /healthz, /readyz and /metrics
	// (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DiscordConfig holds the bot credentials.
type DiscordConfig struct {
	// Token is the bot token. Usually supplied as ${DISCORD_TOKEN}.
	Token string `yaml:"token"`

	// GuildID restricts the bot to one guild. Empty accepts commands from
	// every guild the bot is in; only one voice link exists at a time.
	GuildID string `yaml:"guild_id"`

	// CommandPrefix prefixes chat commands. Defaults to "!".
	CommandPrefix string `yaml:"command_prefix"`

	// ControlRoleID, if set, restricts the chat and slash commands to members
	// holding this role.
	ControlRoleID string `yaml:"control_role_id"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`

	// LLMFallbacks are tried in order when the primary LLM fails or its
	// circuit breaker is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gemini-2.0-flash-lite", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// PersonaConfig describes who the bot is and how it sounds.
type PersonaConfig struct {
	// SystemPrompt replaces the built-in persona and reply contract. The
	// replacement must keep the {"message", "command"} JSON reply shape.
	SystemPrompt string `yaml:"system_prompt"`

	// Language is the recognition language passed to STT. Defaults to "ja".
	Language string `yaml:"language"`

	// Voice configures the TTS voice.
	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig specifies the TTS voice parameters.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Name is a display name used in logs.
	Name string `yaml:"name"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 1.0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// RelayConfig tunes the conversational pipeline. Zero values select defaults.
type RelayConfig struct {
	// IdleInterval is how often the idle monitor polls. Default 30s.
	IdleInterval time.Duration `yaml:"idle_interval"`

	// IdleThreshold is the quiet time before the bot starts a conversation.
	// Default 2m.
	IdleThreshold time.Duration `yaml:"idle_threshold"`

	// AttachmentCapacity is how many canvas captures are kept. Default 5.
	AttachmentCapacity int `yaml:"attachment_capacity"`

	// AttachmentWindow clears the captures after this long without a new
	// one. Default 20s.
	AttachmentWindow time.Duration `yaml:"attachment_window"`

	// UtteranceSilence ends an utterance after this much silence. Default 1s.
	UtteranceSilence time.Duration `yaml:"utterance_silence"`

	// HistoryBudget caps the estimated tokens of kept conversation history.
	// Default 8000; negative disables trimming.
	HistoryBudget int `yaml:"history_budget"`

	// Temperature is the sampling temperature. Zero keeps the provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps reply length. Zero keeps the provider default.
	MaxTokens int `yaml:"max_tokens"`

	// SpeechPollInterval is how often playback status is polled. Default 100ms.
	SpeechPollInterval time.Duration `yaml:"speech_poll_interval"`

	// SpeechMaxWait bounds the wait for playback to finish. Default 2m.
	SpeechMaxWait time.Duration `yaml:"speech_max_wait"`
}

// IngressConfig configures the browser-extension WebSocket.
type IngressConfig struct {
	// Disabled turns the ingress off.
	Disabled bool `yaml:"disabled"`

	// ListenAddr defaults to 127.0.0.1:8080.
	ListenAddr string `yaml:"listen_addr"`

	// ReadLimit is the largest accepted frame in bytes. Default 8 MiB.
	ReadLimit int64 `yaml:"read_limit"`

	// OriginPatterns lists page origins allowed to connect cross-origin.
	// Defaults to the p5.js web editor, "editor.p5js.org".
	OriginPatterns []string `yaml:"origin_patterns"`
}
