package voice

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/speech"
	"github.com/MrWong99/voxrelay/pkg/audio"
	audiomock "github.com/MrWong99/voxrelay/pkg/audio/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxrelay/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/voxrelay/pkg/provider/stt/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxrelay/pkg/provider/tts/mock"
)

// pipeline is a relay wired to a joined controller and a real speech output,
// with mock providers at the edges.
type pipeline struct {
	relay *relay.Relay
	conn  *audiomock.Connection
	tts   *ttsmock.Provider
	out   chan audio.AudioFrame
}

func newPipeline(t *testing.T, modelReply string) *pipeline {
	t.Helper()

	out := make(chan audio.AudioFrame, 16)
	conn := &audiomock.Connection{ChannelIDResult: "voice-1", OutputStreamResult: out}
	synth := &ttsmock.Provider{Frames: []audio.AudioFrame{frame()}}
	host := speech.NewVoiceHost(synth, tts.VoiceProfile{ID: "voice-1", Name: "Aoi"})
	t.Cleanup(func() { _ = host.Close() })

	model := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: modelReply}}
	r := relay.New(model, speech.NewOutput(host, speech.WithPollInterval(5*time.Millisecond)))
	r.StartSession(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	c := NewController(&audiomock.Platform{ConnectResult: conn}, &sttmock.Provider{}, r,
		WithBaseContext(ctx), WithOutputHost(host))
	if _, err := c.Join(context.Background(), "voice-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Leave()
		cancel()
		<-done
	})
	return &pipeline{relay: r, conn: conn, tts: synth, out: out}
}

// say hands the relay a finished utterance the way ingest does and waits for
// the turn to complete.
func (p *pipeline) say(t *testing.T, text string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !p.relay.Submit(relay.SpeechTrigger("user-1", text)) {
		if time.Now().After(deadline) {
			t.Fatal("trigger never accepted")
		}
		time.Sleep(time.Millisecond)
	}
	for p.relay.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("turn did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipeline_MuteCommandMutesOnceAndStaysQuiet(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, `{"message":"じゃあね","command":"mute"}`)
	p.say(t, "ちょっと静かにして")
	p.say(t, "静かにしてってば")

	if got := p.conn.SelfMutes(); len(got) != 1 || !got[0] {
		t.Errorf("SetSelfMute calls = %v, want a single unmuted to muted change", got)
	}
	if calls := p.tts.Calls(); len(calls) != 0 {
		t.Errorf("synthesised %v alongside a mute command", calls)
	}
	if len(p.out) != 0 {
		t.Errorf("%d frames played, want none", len(p.out))
	}
}

func TestPipeline_ReplySpokenOnce(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, `{"message":"今日は晴れですね","command":null}`)
	p.say(t, "今日の天気は？")

	calls := p.tts.Calls()
	if len(calls) != 1 || calls[0].Text != "今日は晴れですね" {
		t.Fatalf("synthesised %+v, want 今日は晴れですね once", calls)
	}
	if calls[0].Voice.Name != "Aoi" {
		t.Errorf("voice = %+v, want Aoi", calls[0].Voice)
	}
	select {
	case f := <-p.out:
		if len(f.Data) != 640 {
			t.Errorf("played frame of %d bytes, want 640", len(f.Data))
		}
	default:
		t.Fatal("nothing reached the voice connection")
	}
	if got := p.conn.SelfMutes(); len(got) != 0 {
		t.Errorf("SetSelfMute calls = %v, want none", got)
	}
}
