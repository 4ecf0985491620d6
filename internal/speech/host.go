package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

var (
	// ErrNoVoiceConnection is returned by [VoiceHost.Connect] when no voice
	// connection is attached.
	ErrNoVoiceConnection = errors.New("speech: no voice connection attached")

	// ErrHostNotReady is returned by [VoiceHost.Speak] unless the host is idle.
	ErrHostNotReady = errors.New("speech: host not ready")
)

// VoiceHostOption configures a [VoiceHost].
type VoiceHostOption func(*VoiceHost)

// WithSynthesisTimeout bounds a single synthesis request, including playback.
func WithSynthesisTimeout(d time.Duration) VoiceHostOption {
	return func(h *VoiceHost) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// VoiceHost is a [Host] that synthesises text with a tts.Provider and streams
// the audio into the attached voice connection.
//
// The host is NotRunning until [VoiceHost.StartHost], NotConnected until a
// connection is attached and [VoiceHost.Connect] called, and Busy while audio
// is being delivered. Busy lasts for the playback length of the synthesised
// audio, not just until the last frame was handed to the connection.
type VoiceHost struct {
	provider tts.Provider
	voice    tts.VoiceProfile
	timeout  time.Duration

	mu        sync.Mutex
	started   bool
	connected bool
	busy      bool
	conn      audio.Connection
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewVoiceHost returns a stopped host speaking with voice.
func NewVoiceHost(provider tts.Provider, voice tts.VoiceProfile, opts ...VoiceHostOption) *VoiceHost {
	h := &VoiceHost{
		provider: provider,
		voice:    voice,
		timeout:  defaultMaxWait,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Status implements [Host].
func (h *VoiceHost) Status() HostStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case !h.started:
		return StatusNotRunning
	case h.conn == nil || !h.connected:
		return StatusNotConnected
	case h.busy:
		return StatusBusy
	default:
		return StatusIdle
	}
}

// StartHost implements [Host].
func (h *VoiceHost) StartHost() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		h.ctx, h.cancel = context.WithCancel(context.Background())
		h.started = true
	}
	return nil
}

// Connect implements [Host]. It binds the host to the attached connection.
func (h *VoiceHost) Connect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return ErrHostNotReady
	}
	if h.conn == nil {
		return ErrNoVoiceConnection
	}
	h.connected = true
	return nil
}

// Attach sets the voice connection audio is played into. The host must
// Connect again before it can speak.
func (h *VoiceHost) Attach(conn audio.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn = conn
	h.connected = false
}

// Detach drops the voice connection. Playback in progress is cut off.
func (h *VoiceHost) Detach() {
	h.mu.Lock()
	h.conn = nil
	h.connected = false
	cancel := h.cancel
	if h.started {
		h.ctx, h.cancel = context.WithCancel(context.Background())
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetVoice changes the voice used from the next Speak on.
func (h *VoiceHost) SetVoice(voice tts.VoiceProfile) {
	h.mu.Lock()
	h.voice = voice
	h.mu.Unlock()
}

// Speak implements [Host]. It opens the synthesis stream and returns; audio is
// delivered in the background.
func (h *VoiceHost) Speak(text string) error {
	h.mu.Lock()
	if !h.started || h.conn == nil || !h.connected || h.busy {
		h.mu.Unlock()
		return ErrHostNotReady
	}
	h.busy = true
	conn, voice := h.conn, h.voice
	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	h.mu.Unlock()

	frames, err := h.provider.SynthesizeStream(ctx, text, voice)
	if err != nil {
		cancel()
		h.setIdle()
		return fmt.Errorf("speech: synthesize: %w", err)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.setIdle()
		defer cancel()
		h.play(ctx, conn, frames)
	}()
	return nil
}

// Close stops the host and waits for playback to end.
func (h *VoiceHost) Close() error {
	h.mu.Lock()
	cancel := h.cancel
	h.started = false
	h.connected = false
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
	return nil
}

func (h *VoiceHost) setIdle() {
	h.mu.Lock()
	h.busy = false
	h.mu.Unlock()
}

// play forwards frames to the connection and then waits out the remaining
// playback time of what was sent.
func (h *VoiceHost) play(ctx context.Context, conn audio.Connection, frames <-chan audio.AudioFrame) {
	out := conn.OutputStream()
	var (
		start  time.Time
		played time.Duration
	)
	for f := range frames {
		if start.IsZero() {
			start = time.Now()
		}
		select {
		case out <- f:
			played += f.Format().Duration(len(f.Data))
		case <-ctx.Done():
			slog.Debug("speech: playback cancelled", "err", ctx.Err())
			go drain(frames)
			return
		}
	}
	if start.IsZero() {
		slog.Warn("speech: synthesis produced no audio")
		return
	}

	remaining := time.Until(start.Add(played))
	if remaining <= 0 {
		return
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func drain(frames <-chan audio.AudioFrame) {
	for range frames {
	}
}

var _ Host = (*VoiceHost)(nil)
