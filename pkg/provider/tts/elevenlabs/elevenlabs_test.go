package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// ---- message construction ----

func TestBuildMessages(t *testing.T) {
	t.Parallel()

	msgs := buildMessages("secret", "こんにちは", tts.VoiceProfile{ID: "v1", SpeedFactor: 1.2})
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}

	var boi textMessage
	if err := json.Unmarshal(msgs[0], &boi); err != nil {
		t.Fatalf("unmarshal BOI: %v", err)
	}
	if boi.Text != " " || boi.XiAPIKey != "secret" {
		t.Errorf("BOI = %+v, want single-space text and api key", boi)
	}
	if boi.VoiceSettings == nil || boi.VoiceSettings.Speed != 1.2 {
		t.Errorf("BOI voice settings = %+v, want speed 1.2", boi.VoiceSettings)
	}

	var body textMessage
	if err := json.Unmarshal(msgs[1], &body); err != nil {
		t.Fatalf("unmarshal text: %v", err)
	}
	if body.Text != "こんにちは " || !body.TryTriggerGeneration {
		t.Errorf("text message = %+v", body)
	}
	if body.XiAPIKey != "" || body.VoiceSettings != nil {
		t.Error("only the BOI message may carry the api key and voice settings")
	}

	if string(msgs[2]) != `{"text":""}` {
		t.Errorf("EOS = %s, want {\"text\":\"\"}", msgs[2])
	}
}

func TestDecodeAudio(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	tests := []struct {
		name      string
		msg       string
		wantPCM   []byte
		wantFinal bool
		wantErr   bool
	}{
		{name: "audio chunk", msg: `{"audio":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`, wantPCM: pcm},
		{name: "final", msg: `{"audio":"","isFinal":true}`, wantFinal: true},
		{name: "server error", msg: `{"error":"quota","message":"exceeded"}`, wantErr: true},
		{name: "bad base64", msg: `{"audio":"%%%"}`, wantErr: true},
		{name: "not json", msg: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, final, err := decodeAudio([]byte(tt.msg))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !bytes.Equal(got, tt.wantPCM) || final != tt.wantFinal {
				t.Errorf("got (%v, %v), want (%v, %v)", got, final, tt.wantPCM, tt.wantFinal)
			}
		})
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	p, err := New("key", WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u := p.buildURL("voice-abc123")
	for _, want := range []string{"wss://", "/voice-abc123/stream-input", "model_id=eleven_flash_v2_5", "output_format=pcm_24000"} {
		if !strings.Contains(u, want) {
			t.Errorf("URL %q missing %q", u, want)
		}
	}
}

// ---- Constructor tests ----

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		apiKey   string
		opts     []Option
		wantErr  bool
		wantRate int
	}{
		{name: "empty key", apiKey: "", wantErr: true},
		{name: "defaults", apiKey: "key", wantRate: 16000},
		{name: "24k", apiKey: "key", opts: []Option{WithOutputFormat("pcm_24000")}, wantRate: 24000},
		{name: "mp3 rejected", apiKey: "key", opts: []Option{WithOutputFormat("mp3_44100_128")}, wantErr: true},
		{name: "bad rate", apiKey: "key", opts: []Option{WithOutputFormat("pcm_fast")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.apiKey, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if p.format.SampleRate != tt.wantRate || p.format.Channels != 1 {
				t.Errorf("format = %v, want %d Hz mono", p.format, tt.wantRate)
			}
		})
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	if _, err := p.SynthesizeStream(context.Background(), "hi", tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
}

// ---- end to end against a fake server ----

func TestSynthesizeStream_FakeServer(t *testing.T) {
	t.Parallel()

	chunk := []byte{0x10, 0x00, 0x20, 0x00}
	received := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/stream-input") {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(msg, &m)
			received <- m.Text
			if m.Text == "" {
				break
			}
		}
		enc := base64.StdEncoding.EncodeToString(chunk)
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"audio":"`+enc+`"}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"audio":"`+enc+`"}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
		c.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	p, err := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frames, err := p.SynthesizeStream(ctx, "hello", tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var n int
	for f := range frames {
		n++
		if !bytes.Equal(f.Data, chunk) || f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame = %+v", f)
		}
	}
	if n != 2 {
		t.Errorf("got %d frames, want 2", n)
	}

	var texts []string
	for range 3 {
		texts = append(texts, <-received)
	}
	if texts[0] != " " || texts[1] != "hello " || texts[2] != "" {
		t.Errorf("server received %q", texts)
	}
}
