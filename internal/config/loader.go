package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "openai-vision"},
	"stt": {"deepgram", "whisper", "whisper-native"},
	"tts": {"elevenlabs", "coqui"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":9090"
	DefaultIngressAddr      = "127.0.0.1:8080"
	DefaultOriginPattern    = "editor.p5js.org"
	DefaultLLMProvider      = "gemini"
	DefaultLLMModel         = "gemini-2.0-flash-lite"
	DefaultLanguage         = "ja"
	DefaultCommandPrefix    = "!"
	DefaultIngressReadLimit = 8 << 20
	DefaultHistoryBudget    = 8000
	DefaultAttachmentCap    = 5
	DefaultAttachmentWindow = 20 * time.Second
	DefaultIdleInterval     = 30 * time.Second
	DefaultIdleThreshold    = 2 * time.Minute
	DefaultUtteranceSilence = time.Second
	DefaultSpeechPoll       = 100 * time.Millisecond
	DefaultSpeechMaxWait    = 2 * time.Minute
)

// envRef matches ${NAME} references. Bare $NAME is left alone so prompts may
// contain dollar signs.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadEnvFiles loads KEY=VALUE pairs from each existing file into the process
// environment. Variables already set are not overridden. Missing files are
// skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		err := godotenv.Load(p)
		if err == nil {
			slog.Debug("config: loaded env file", "path", p)
			continue
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return fmt.Errorf("config: load env file %q: %w", p, err)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, expands ${ENV} references,
// applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = ExpandEnv(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${NAME} references with the value of the environment
// variable NAME. Unset variables expand to the empty string and are logged.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config: referenced environment variable is not set", "name", name)
		}
		return []byte(v)
	})
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Discord.CommandPrefix, DefaultCommandPrefix)

	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = DefaultLLMProvider
		setDefault(&cfg.Providers.LLM.Model, DefaultLLMModel)
	}

	setDefault(&cfg.Persona.Language, DefaultLanguage)

	r := &cfg.Relay
	setDefault(&r.IdleInterval, DefaultIdleInterval)
	setDefault(&r.IdleThreshold, DefaultIdleThreshold)
	setDefault(&r.AttachmentCapacity, DefaultAttachmentCap)
	setDefault(&r.AttachmentWindow, DefaultAttachmentWindow)
	setDefault(&r.UtteranceSilence, DefaultUtteranceSilence)
	setDefault(&r.HistoryBudget, DefaultHistoryBudget)
	setDefault(&r.SpeechPollInterval, DefaultSpeechPoll)
	setDefault(&r.SpeechMaxWait, DefaultSpeechMaxWait)

	setDefault(&cfg.Ingress.ListenAddr, DefaultIngressAddr)
	setDefault(&cfg.Ingress.ReadLimit, DefaultIngressReadLimit)
	// An explicit empty list keeps the ingress same-origin only.
	if cfg.Ingress.OriginPatterns == nil {
		cfg.Ingress.OriginPatterns = []string{DefaultOriginPattern}
	}
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord is the only voice platform.
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}

	// Persona
	if cfg.Providers.TTS.Name == "elevenlabs" && cfg.Persona.Voice.VoiceID == "" {
		errs = append(errs, errors.New("persona.voice.voice_id is required for the elevenlabs TTS provider"))
	}
	if sf := cfg.Persona.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("persona.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	// Relay
	r := cfg.Relay
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"relay.idle_interval", r.IdleInterval},
		{"relay.idle_threshold", r.IdleThreshold},
		{"relay.attachment_window", r.AttachmentWindow},
		{"relay.utterance_silence", r.UtteranceSilence},
		{"relay.speech_poll_interval", r.SpeechPollInterval},
		{"relay.speech_max_wait", r.SpeechMaxWait},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s %v must not be negative", d.name, d.v))
		}
	}
	if r.AttachmentCapacity < 0 {
		errs = append(errs, fmt.Errorf("relay.attachment_capacity %d must not be negative", r.AttachmentCapacity))
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		errs = append(errs, fmt.Errorf("relay.temperature %.2f is out of range [0, 2]", r.Temperature))
	}
	if r.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("relay.max_tokens %d must not be negative", r.MaxTokens))
	}
	if r.IdleInterval > 0 && r.IdleThreshold > 0 && r.IdleInterval > r.IdleThreshold {
		slog.Warn("relay.idle_interval is longer than relay.idle_threshold; idle prompts will be late",
			"interval", r.IdleInterval, "threshold", r.IdleThreshold)
	}

	// Ingress
	if cfg.Ingress.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("ingress.read_limit %d must not be negative", cfg.Ingress.ReadLimit))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
