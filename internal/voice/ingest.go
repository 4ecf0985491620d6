package voice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

const (
	defaultUtteranceSilence = 1000 * time.Millisecond
	defaultLanguage         = "ja"
)

// Submitter accepts speech triggers. [relay.Relay] implements it.
type Submitter interface {
	Submit(t relay.Trigger) bool
}

// IngestOption configures an [Ingest].
type IngestOption func(*Ingest)

// WithSilence sets how long a speaker must be quiet before the utterance ends.
func WithSilence(d time.Duration) IngestOption {
	return func(in *Ingest) {
		if d > 0 {
			in.silence = d
		}
	}
}

// WithLanguage sets the recognition language. Defaults to "ja".
func WithLanguage(lang string) IngestOption {
	return func(in *Ingest) {
		if lang != "" {
			in.language = lang
		}
	}
}

// WithIgnoreUser drops audio from userID, normally the bot itself.
func WithIgnoreUser(userID string) IngestOption {
	return func(in *Ingest) {
		if userID != "" {
			in.ignore[userID] = struct{}{}
		}
	}
}

// WithIngestMetrics records STT metrics on m.
func WithIngestMetrics(m *observe.Metrics) IngestOption {
	return func(in *Ingest) {
		in.metrics = m
	}
}

// Ingest turns speech in a voice connection into speech triggers. Every
// speaking burst becomes one utterance: one audio subscription and one STT
// session. Each final transcript is submitted as a [relay.SpeechTrigger].
type Ingest struct {
	conn     audio.Connection
	provider stt.Provider
	sink     Submitter
	silence  time.Duration
	language string
	ignore   map[string]struct{}
	metrics  *observe.Metrics

	mu     sync.Mutex
	ctx    context.Context
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewIngest wires conn to provider and sink. Call [Ingest.Start] to begin.
func NewIngest(conn audio.Connection, provider stt.Provider, sink Submitter, opts ...IngestOption) *Ingest {
	in := &Ingest{
		conn:     conn,
		provider: provider,
		sink:     sink,
		silence:  defaultUtteranceSilence,
		language: defaultLanguage,
		ignore:   make(map[string]struct{}),
		active:   make(map[string]struct{}),
	}
	for _, o := range opts {
		o(in)
	}
	if in.metrics == nil {
		in.metrics = observe.DefaultMetrics()
	}
	return in
}

// Start listens for speaking events until ctx is cancelled.
func (in *Ingest) Start(ctx context.Context) {
	in.mu.Lock()
	in.ctx = ctx
	in.mu.Unlock()
	in.conn.OnSpeakingStart(in.speakingStart)
}

// Wait blocks until all open utterances have finished.
func (in *Ingest) Wait() {
	in.wg.Wait()
}

func (in *Ingest) speakingStart(userID string) {
	if _, ok := in.ignore[userID]; ok {
		return
	}

	in.mu.Lock()
	ctx := in.ctx
	if ctx == nil || ctx.Err() != nil {
		in.mu.Unlock()
		return
	}
	if _, busy := in.active[userID]; busy {
		in.mu.Unlock()
		slog.Debug("voice: utterance already open, ignoring speaking start", "user", userID)
		return
	}
	in.active[userID] = struct{}{}
	in.wg.Add(1)
	in.mu.Unlock()

	go func() {
		defer in.wg.Done()
		defer func() {
			in.mu.Lock()
			delete(in.active, userID)
			in.mu.Unlock()
		}()
		in.utterance(ctx, userID)
	}()
}

// utterance streams one speaking burst through a fresh STT session.
func (in *Ingest) utterance(ctx context.Context, userID string) {
	log := slog.With("user", userID)

	frames, err := in.conn.Subscribe(userID, in.silence)
	if err != nil {
		if !errors.Is(err, audio.ErrAlreadySubscribed) {
			log.Warn("voice: subscribe to speaker failed", "err", err)
		}
		return
	}

	session, err := in.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: audio.FormatSTT.SampleRate,
		Channels:   audio.FormatSTT.Channels,
		Language:   in.language,
	})
	if err != nil {
		log.Error("voice: start transcription failed", "err", err)
		in.metrics.RecordProviderError(ctx, "stt", "stt")
		drainFrames(frames)
		return
	}
	in.metrics.RecordProviderRequest(ctx, "stt", "stt", "ok")

	finalsDone := make(chan struct{})
	go func() {
		defer close(finalsDone)
		for t := range session.Finals() {
			text := strings.TrimSpace(t.Text)
			if text == "" {
				continue
			}
			log.Info("voice: transcript", "text", text, "confidence", t.Confidence)
			in.sink.Submit(relay.SpeechTrigger(userID, text))
		}
	}()

	in.forward(ctx, log, frames, session)

	flushStart := time.Now()
	if err := session.Close(); err != nil {
		log.Warn("voice: close transcription", "err", err)
	}
	<-finalsDone
	in.metrics.STTDuration.Record(ctx, time.Since(flushStart).Seconds())
}

// forward sends frames to session until the subscription ends or ctx is done.
// Send errors are logged once; the subscription is still drained.
func (in *Ingest) forward(ctx context.Context, log *slog.Logger, frames <-chan audio.AudioFrame, session stt.SessionHandle) {
	var sendFailed bool
	for {
		select {
		case <-ctx.Done():
			go drainFrames(frames)
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if sendFailed {
				continue
			}
			if err := session.SendAudio(f.Data); err != nil {
				log.Warn("voice: send audio to transcription", "err", err)
				in.metrics.RecordProviderError(ctx, "stt", "stt")
				sendFailed = true
			}
		}
	}
}

func drainFrames(frames <-chan audio.AudioFrame) {
	for range frames {
	}
}
