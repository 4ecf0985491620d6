package resilience

import (
	"context"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream starts synthesis on the first healthy provider. Only the
// stream setup is covered by failover; a stream that dies midway simply ends
// early.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan audio.AudioFrame, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan audio.AudioFrame, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}
