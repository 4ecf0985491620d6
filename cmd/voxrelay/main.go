// Command voxrelay is the main entry point for the voxrelay Discord voice relay.
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

	"github.com/MrWong99/voxrelay/internal/app"
	"github.com/MrWong99/voxrelay/internal/config"
	discordbot "github.com/MrWong99/voxrelay/internal/discord"
	"github.com/MrWong99/voxrelay/internal/discord/commands"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/voice"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voxrelay/pkg/provider/llm/openai"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voxrelay/pkg/provider/stt/whisper"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	"github.com/MrWong99/voxrelay/pkg/provider/tts/coqui"
	"github.com/MrWong99/voxrelay/pkg/provider/tts/elevenlabs"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config is parsed")
	watchInterval := flag.Duration("watch-interval", 5*time.Second, "config reload poll interval; 0 disables hot reload")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnvFiles(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxrelay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("voxrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxrelay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:         cfg.Discord.Token,
		GuildID:       cfg.Discord.GuildID,
		CommandPrefix: cfg.Discord.CommandPrefix,
		ControlRoleID: cfg.Discord.ControlRoleID,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}
	defer func() {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}()
	providers.Audio = bot.Platform()
	slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers,
		app.WithLevelVar(levelVar),
		app.WithChecker("discord", bot.Check),
		app.WithIngestOptions(voice.WithIgnoreUser(bot.UserID())),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	commands.NewVoiceCommands(application.Controller(), bot.State()).Register(bot.Router())

	// ── Hot reload ────────────────────────────────────────────────────────────
	if *watchInterval > 0 {
		watcher, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithInterval(*watchInterval))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	printStartupSummary(cfg)

	go func() {
		if err := bot.Run(ctx); err != nil {
			slog.Error("discord bot error", "err", err)
			stop()
		}
	}()

	slog.Info("relay ready, press Ctrl+C to shut down")

	exitCode := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exitCode = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exitCode
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmProviders are the LLM backends reached through any-llm-go. They all
// share the same pattern: optional APIKey + optional BaseURL.
var anyllmProviders = []string{
	"openai", "anthropic", "gemini",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, providerName := range anyllmProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai-vision talks to the Chat Completions API directly and supports
	// any OpenAI-compatible endpoint through base_url.
	reg.RegisterLLM("openai-vision", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = p
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	for i, entry := range cfg.Providers.LLMFallbacks {
		fb, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %d %q: %w", i, entry.Name, err)
		}
		ps.LLMFallbacks = append(ps.LLMFallbacks, fb)
		slog.Info("provider created", "kind", "llm-fallback", "name", entry.Name)
	}

	sp, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = sp
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	tp, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = tp
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxrelay startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", providerLabel(cfg.Providers.LLM))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Providers.LLMFallbacks)))
	printRow("STT", providerLabel(cfg.Providers.STT))
	printRow("TTS", providerLabel(cfg.Providers.TTS))
	printRow("Language", cfg.Persona.Language)
	printRow("Commands", cfg.Discord.CommandPrefix+"join "+cfg.Discord.CommandPrefix+"leave")
	if cfg.Ingress.Disabled {
		printRow("Ingress", "(disabled)")
	} else {
		printRow("Ingress", cfg.Ingress.ListenAddr)
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(entry config.ProviderEntry) string {
	if entry.Model == "" {
		return entry.Name
	}
	return entry.Name + " / " + entry.Model
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a Go duration string from a provider Options map.
// Returns 0 if the key is absent or not a valid duration.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
