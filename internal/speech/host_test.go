package speech

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	audiomock "github.com/MrWong99/voxrelay/pkg/audio/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxrelay/pkg/provider/tts/mock"
)

var testVoice = tts.VoiceProfile{ID: "voice-1", Name: "Hana"}

// tenMs is 10ms of 16 kHz mono silence.
func tenMs() audio.AudioFrame {
	return audio.AudioFrame{Data: make([]byte, 320), SampleRate: 16000, Channels: 1}
}

func readyHost(t *testing.T, p tts.Provider) (*VoiceHost, chan audio.AudioFrame) {
	t.Helper()
	out := make(chan audio.AudioFrame, 64)
	conn := &audiomock.Connection{OutputStreamResult: out}
	h := NewVoiceHost(p, testVoice)
	t.Cleanup(func() { _ = h.Close() })
	if err := h.StartHost(); err != nil {
		t.Fatal(err)
	}
	h.Attach(conn)
	if err := h.Connect(); err != nil {
		t.Fatal(err)
	}
	return h, out
}

func TestVoiceHost_Lifecycle(t *testing.T) {
	t.Parallel()

	h := NewVoiceHost(&ttsmock.Provider{}, testVoice)
	defer h.Close()

	if got := h.Status(); got != StatusNotRunning {
		t.Errorf("new host status = %v, want not-running", got)
	}
	if err := h.Connect(); !errors.Is(err, ErrHostNotReady) {
		t.Errorf("Connect before start err = %v", err)
	}
	if err := h.StartHost(); err != nil {
		t.Fatal(err)
	}
	if got := h.Status(); got != StatusNotConnected {
		t.Errorf("started host status = %v, want not-connected", got)
	}
	if err := h.Connect(); !errors.Is(err, ErrNoVoiceConnection) {
		t.Errorf("Connect without connection err = %v", err)
	}

	h.Attach(&audiomock.Connection{OutputStreamResult: make(chan audio.AudioFrame, 1)})
	if got := h.Status(); got != StatusNotConnected {
		t.Errorf("attached host status = %v, want not-connected until Connect", got)
	}
	if err := h.Connect(); err != nil {
		t.Fatal(err)
	}
	if got := h.Status(); got != StatusIdle {
		t.Errorf("connected host status = %v, want idle", got)
	}

	h.Detach()
	if got := h.Status(); got != StatusNotConnected {
		t.Errorf("detached host status = %v, want not-connected", got)
	}
	if err := h.Speak("x"); !errors.Is(err, ErrHostNotReady) {
		t.Errorf("Speak while detached err = %v", err)
	}
}

func TestVoiceHost_SpeakStreamsAudio(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{Frames: []audio.AudioFrame{tenMs(), tenMs(), tenMs()}}
	h, out := readyHost(t, p)

	if err := h.Speak("こんにちは"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := h.Status(); got != StatusBusy {
		t.Errorf("status right after Speak = %v, want busy", got)
	}
	if err := h.Speak("again"); !errors.Is(err, ErrHostNotReady) {
		t.Errorf("second Speak while busy err = %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-out:
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.Status() != StatusIdle {
		if time.Now().After(deadline) {
			t.Fatal("host never returned to idle")
		}
		time.Sleep(time.Millisecond)
	}

	calls := p.Calls()
	if len(calls) != 1 || calls[0].Text != "こんにちは" || calls[0].Voice.ID != "voice-1" {
		t.Errorf("synthesis calls = %+v", calls)
	}
}

func TestVoiceHost_SynthesisError(t *testing.T) {
	t.Parallel()

	boom := errors.New("quota exceeded")
	h, _ := readyHost(t, &ttsmock.Provider{SynthesizeErr: boom})
	if err := h.Speak("x"); !errors.Is(err, boom) {
		t.Errorf("Speak err = %v, want wrapping %v", err, boom)
	}
	if got := h.Status(); got != StatusIdle {
		t.Errorf("status after failed synthesis = %v, want idle", got)
	}
}

func TestVoiceHost_DetachCutsPlayback(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	defer close(gate)
	p := &ttsmock.Provider{Frames: []audio.AudioFrame{tenMs()}, Gate: gate}
	h, _ := readyHost(t, p)

	if err := h.Speak("long story"); err != nil {
		t.Fatal(err)
	}
	h.Detach()

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		busy := h.busy
		h.mu.Unlock()
		if !busy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("playback not cancelled by Detach")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOutput_WithVoiceHost(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{Frames: []audio.AudioFrame{tenMs(), tenMs()}}
	out := make(chan audio.AudioFrame, 8)
	h := NewVoiceHost(p, testVoice)
	defer h.Close()
	h.Attach(&audiomock.Connection{OutputStreamResult: out})

	o := NewOutput(h, WithPollInterval(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The host starts NotRunning; Output starts and connects it.
	if err := o.Speak(ctx, "はじめまして"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := len(out); got != 2 {
		t.Errorf("frames delivered = %d, want 2", got)
	}
	if got := h.Status(); got != StatusIdle {
		t.Errorf("status after Speak = %v, want idle", got)
	}
}

func TestVoiceHost_SetVoice(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{Frames: []audio.AudioFrame{tenMs()}}
	h, out := readyHost(t, p)
	h.SetVoice(tts.VoiceProfile{ID: "voice-2", Name: "Sora"})

	if err := h.Speak("はい"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
	if calls := p.Calls(); len(calls) != 1 || calls[0].Voice.ID != "voice-2" {
		t.Errorf("synthesis calls = %+v, want voice-2", calls)
	}
}
