// Package app wires the voxrelay subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the relay, speech output,
// voice controller and ingress from the config, Run supervises the long-lived
// loops, and Shutdown tears everything down in order.
//
// For testing, inject mock providers through [Providers] and extra readiness
// checks or metrics through functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/ingress"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/internal/speech"
	"github.com/MrWong99/voxrelay/internal/voice"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// shutdownGrace bounds the HTTP server drain on shutdown.
const shutdownGrace = 5 * time.Second

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider

	// LLMFallbacks are tried in order after LLM. Their names are taken from
	// providers.llm_fallbacks in the config.
	LLMFallbacks []llm.Provider

	// Audio is the voice platform the controller joins channels on.
	Audio audio.Platform
}

// Status is the JSON snapshot served on /status.
type Status struct {
	Voice           voice.VoiceLinkState `json:"voice"`
	Busy            bool                 `json:"busy"`
	Attachments     int                  `json:"attachments"`
	LastInteraction time.Time            `json:"last_interaction"`
	Conversation    int                  `json:"conversation_messages"`
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	levelVar  *slog.LevelVar
	checkers  []health.Checker
	ingestOps []voice.IngestOption

	llm         llm.Provider
	stt         stt.Provider
	tts         tts.Provider
	attachments *relay.AttachmentBuffer
	host        *speech.VoiceHost
	relay       *relay.Relay
	controller  *voice.Controller
	ingress     *ingress.Server
	handler     http.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records every subsystem's metrics on m instead of the
// process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithChecker adds a readiness check served on /readyz.
func WithChecker(name string, check func(ctx context.Context) error) Option {
	return func(a *App) {
		a.checkers = append(a.checkers, health.Checker{Name: name, Check: check})
	}
}

// WithIngestOptions adds speech ingest options, e.g. [voice.WithIgnoreUser]
// for the bot's own user.
func WithIngestOptions(opts ...voice.IngestOption) Option {
	return func(a *App) { a.ingestOps = append(a.ingestOps, opts...) }
}

// New creates an App by wiring all subsystems together. ctx is the parent
// of every voice link; cancelling it stops speech ingest and the idle monitor.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	if providers.STT == nil {
		return nil, errors.New("app: an STT provider is required")
	}
	if providers.TTS == nil {
		return nil, errors.New("app: a TTS provider is required")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: an audio platform is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.initProviders()
	a.initRelay()
	a.initVoice(ctx)
	a.initIngress()
	a.initHTTP()

	return a, nil
}

// initProviders wraps the configured providers in circuit breakers. The LLM
// gets a fallback chain when providers.llm_fallbacks is set.
func (a *App) initProviders() {
	pc := a.cfg.Providers

	if len(a.providers.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(a.providers.LLM, pc.LLM.Name, a.fallbackConfig("llm"))
		for i, p := range a.providers.LLMFallbacks {
			name := fmt.Sprintf("llm-fallback-%d", i)
			if i < len(pc.LLMFallbacks) && pc.LLMFallbacks[i].Name != "" {
				name = pc.LLMFallbacks[i].Name
			}
			fb.AddFallback(name, p)
		}
		a.llm = fb
		slog.Info("app: LLM fallback chain enabled", "primary", pc.LLM.Name, "fallbacks", len(a.providers.LLMFallbacks))
	} else {
		a.llm = a.providers.LLM
	}

	a.stt = resilience.NewSTTFallback(a.providers.STT, pc.STT.Name, a.fallbackConfig("stt"))
	a.tts = resilience.NewTTSFallback(a.providers.TTS, pc.TTS.Name, a.fallbackConfig("tts"))
}

func (a *App) fallbackConfig(kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		OnFailure: func(provider string, _ error) {
			a.metrics.RecordProviderError(context.Background(), provider, kind)
		},
	}
}

// initRelay builds the attachment buffer, the speech output and the turn
// serializer.
func (a *App) initRelay() {
	rc := a.cfg.Relay

	a.attachments = relay.NewAttachmentBuffer(
		relay.WithCapacity(rc.AttachmentCapacity),
		relay.WithIdleWindow(rc.AttachmentWindow),
	)

	a.host = speech.NewVoiceHost(a.tts, voiceProfile(a.cfg.Persona.Voice),
		speech.WithSynthesisTimeout(rc.SpeechMaxWait),
	)
	a.closers = append(a.closers, a.host.Close)

	out := speech.NewOutput(a.host,
		speech.WithPollInterval(rc.SpeechPollInterval),
		speech.WithMaxWait(rc.SpeechMaxWait),
	)

	a.relay = relay.New(a.llm, out,
		relay.WithAttachments(a.attachments),
		relay.WithConversationOptions(conversationOptions(a.cfg)...),
		relay.WithMetrics(a.metrics),
	)
	// Socket-only until the first join binds a voice link.
	a.relay.StartSession(nil)
}

// initVoice builds the voice controller. The link is only created by a join
// command.
func (a *App) initVoice(ctx context.Context) {
	rc := a.cfg.Relay

	a.controller = voice.NewController(a.providers.Audio, a.stt, a.relay,
		voice.WithBaseContext(ctx),
		voice.WithOutputHost(a.host),
		voice.WithMetrics(a.metrics),
		voice.WithIdleOptions(
			relay.WithInterval(rc.IdleInterval),
			relay.WithThreshold(rc.IdleThreshold),
		),
		voice.WithIngestOptions(
			voice.WithSilence(rc.UtteranceSilence),
			voice.WithLanguage(a.cfg.Persona.Language),
			voice.WithIngestMetrics(a.metrics),
		),
		voice.WithIngestOptions(a.ingestOps...),
	)
	a.closers = append(a.closers, func() error {
		if err := a.controller.Leave(); err != nil && !errors.Is(err, voice.ErrNotConnected) {
			return err
		}
		return nil
	})
}

func (a *App) initIngress() {
	ic := a.cfg.Ingress
	if ic.Disabled {
		slog.Info("app: event ingress disabled")
		return
	}
	a.ingress = ingress.NewServer(a.relay, a.attachments,
		ingress.WithAddr(ic.ListenAddr),
		ingress.WithReadLimit(ic.ReadLimit),
		ingress.WithOriginPatterns(ic.OriginPatterns...),
		ingress.WithMetrics(a.metrics),
	)
}

// initHTTP builds the observability mux: health checks, /status and /metrics.
func (a *App) initHTTP() {
	opts := []health.Option{health.WithStatus(func() any { return a.Status() })}
	for _, c := range a.checkers {
		opts = append(opts, health.WithChecker(c.Name, c.Check))
	}

	mux := http.NewServeMux()
	health.New(opts...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)
}

// Controller returns the voice controller for the join/leave commands.
func (a *App) Controller() *voice.Controller { return a.controller }

// Relay returns the turn serializer.
func (a *App) Relay() *relay.Relay { return a.relay }

// Handler returns the observability HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Status returns a snapshot of the runtime state.
func (a *App) Status() Status {
	s := Status{
		Voice:           a.controller.State(),
		Busy:            a.relay.Busy(),
		Attachments:     a.attachments.Len(),
		LastInteraction: a.relay.LastInteraction(),
	}
	if conv := a.relay.Conversation(); conv != nil {
		s.Conversation = len(conv.History())
	}
	return s
}

// Run starts the turn loop, the event ingress and the observability server
// and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: relay: %w", err)
		}
		return nil
	})

	if a.ingress != nil {
		g.Go(func() error { return a.ingress.ListenAndServe(ctx) })
	}

	g.Go(func() error { return a.serveHTTP(ctx) })

	slog.Info("app: running",
		"http", a.cfg.Server.ListenAddr,
		"ingress", !a.cfg.Ingress.Disabled,
	)
	return g.Wait()
}

func (a *App) serveHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("app: observability server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: shutdown http: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: serve http: %w", err)
	}
	return nil
}

// ApplyConfig applies the hot-reloadable differences between old and new.
// Changes that need a restart are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.SystemPromptChanged {
		a.relay.SetConversationOptions(conversationOptions(new)...)
		slog.Info("app: system prompt updated, applies from the next join")
	}
	if d.VoiceChanged {
		a.host.SetVoice(voiceProfile(new.Persona.Voice))
		slog.Info("app: voice updated", "voice", new.Persona.Voice.VoiceID)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes require a restart", "sections", d.RestartRequired)
	}
}

// Shutdown tears down all subsystems in reverse init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		// Leave the channel before the host stops so playback is detached
		// from a live connection.
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// SlogLevel maps a config log level to its slog counterpart.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func conversationOptions(cfg *config.Config) []relay.ConversationOption {
	return []relay.ConversationOption{
		relay.WithSystemPrompt(cfg.Persona.SystemPrompt),
		relay.WithHistoryBudget(cfg.Relay.HistoryBudget),
		relay.WithTemperature(cfg.Relay.Temperature),
		relay.WithMaxTokens(cfg.Relay.MaxTokens),
	}
}

func voiceProfile(vc config.VoiceConfig) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          vc.VoiceID,
		Name:        vc.Name,
		SpeedFactor: vc.SpeedFactor,
	}
}
