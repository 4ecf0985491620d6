// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio frames to consumers and to verify
// which texts and voices were synthesised.
//
// Example:
//
//	p := &mock.Provider{
//	    Frames: []audio.AudioFrame{{Data: pcm, SampleRate: 16000, Channels: 1}},
//	}
//	ch, _ := p.SynthesizeStream(ctx, "こんにちは", voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Text is the text passed to SynthesizeStream.
	Text string
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Frames is the sequence emitted on the channel returned by
	// SynthesizeStream.
	Frames []audio.AudioFrame

	// SynthesizeErr, if non-nil, is returned as the error from SynthesizeStream
	// instead of starting a channel.
	SynthesizeErr error

	// Gate, if non-nil, holds the stream open after the last frame until it
	// is closed. Tests use it to keep a synthesis "busy".
	Gate chan struct{}

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// channel that emits Frames then closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan audio.AudioFrame, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Text: text, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	frames := make([]audio.AudioFrame, len(p.Frames))
	copy(frames, p.Frames)
	gate := p.Gate
	p.mu.Unlock()

	ch := make(chan audio.AudioFrame, len(frames))
	go func() {
		defer close(ch)
		for _, f := range frames {
			select {
			case <-ctx.Done():
				return
			case ch <- f:
			}
		}
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Calls returns a copy of SynthesizeStreamCalls.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.SynthesizeStreamCalls))
	copy(out, p.SynthesizeStreamCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
