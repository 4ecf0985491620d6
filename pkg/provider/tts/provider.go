// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, a local Coqui
// server) and presents a uniform streaming interface: one reply text in,
// PCM frames out as soon as the backend produces them.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream synthesises text with voice and returns a channel of
	// PCM frames. Each frame carries its own format; callers must not assume
	// a fixed rate across providers.
	//
	// The returned channel is closed when synthesis is complete, when the
	// backend fails mid-stream, or when ctx is cancelled. The caller must
	// drain it to avoid blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text string, voice VoiceProfile) (<-chan audio.AudioFrame, error)
}
