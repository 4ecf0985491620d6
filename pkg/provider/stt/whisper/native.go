// NativeProvider is backed by the whisper.cpp CGO bindings. libwhisper.a and
// whisper.h must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using whisper.cpp in-process. The
// model is loaded once and shared; each inference gets its own context.
type NativeProvider struct {
	model               whisperlib.Model
	language            string
	maxBufferDurationMs int

	// whisper.cpp contexts are heavy; serialise inference so concurrent
	// speakers do not multiply memory use.
	inferMu sync.Mutex
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language code. Defaults to "ja".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeMaxBufferDurationMs sets the maximum buffered audio (ms) before a
// forced mid-utterance inference.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.maxBufferDurationMs = ms }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:               model,
		language:            defaultLanguage,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a new utterance session.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	format := resolveFormat(cfg, p.language)
	infer := func(_ context.Context, pcm []byte) (string, error) {
		return p.infer(pcm, format)
	}
	return newSession(ctx, format, p.maxBufferDurationMs, infer), nil
}

func (p *NativeProvider) infer(pcm []byte, f audioFormat) (string, error) {
	samples := pcmToFloat32Mono(pcm, f.channels)

	p.inferMu.Lock()
	defer p.inferMu.Unlock()

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(f.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", f.language, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	// Japanese output carries no inter-segment spaces.
	return strings.Join(parts, ""), nil
}
