package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// buildTestWAV constructs a minimal RIFF/WAVE file around pcm.
func buildTestWAV(pcm []byte, sampleRate int) []byte {
	le := binary.LittleEndian
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, le, uint32(36+len(pcm)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, le, uint32(16))
	_ = binary.Write(&b, le, uint16(1))
	_ = binary.Write(&b, le, uint16(1))
	_ = binary.Write(&b, le, uint32(sampleRate))
	_ = binary.Write(&b, le, uint32(sampleRate*2))
	_ = binary.Write(&b, le, uint16(2))
	_ = binary.Write(&b, le, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, le, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

func drain(ch <-chan audio.AudioFrame) ([]byte, []audio.Format) {
	var (
		out     []byte
		formats []audio.Format
	)
	for f := range ch {
		out = append(out, f.Data...)
		formats = append(formats, f.Format())
	}
	return out, formats
}

func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002/")
		if p.serverURL != "http://localhost:5002" {
			t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
		}
		if p.language != "ja" || p.apiMode != APIModeStandard || p.httpClient.Timeout != defaultTimeout {
			t.Errorf("unexpected defaults: %+v", p)
		}
	})

	t.Run("options", func(t *testing.T) {
		p := mustNew(t, "http://x", WithLanguage("en"), WithTimeout(5*time.Second), WithAPIMode(APIModeXTTS))
		if p.language != "en" || p.httpClient.Timeout != 5*time.Second || p.apiMode != APIModeXTTS {
			t.Errorf("options not applied: %+v", p)
		}
	})

	t.Run("errors", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Error("expected error for empty URL")
		}
		if _, err := New("http://x", WithAPIMode("bogus")); err == nil {
			t.Error("expected error for unknown API mode")
		}
	})
}

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "   ", want: nil},
		{in: "Hello there", want: []string{"Hello there"}},
		{in: "Hi. How are you? Fine!", want: []string{"Hi.", "How are you?", "Fine!"}},
		{in: "Pi is 3.14 exactly.", want: []string{"Pi is 3.14 exactly."}},
		{in: "こんにちは。今日は何を作ってるの？すごい！", want: []string{"こんにちは。", "今日は何を作ってるの？", "すごい！"}},
		{in: "円を描いたんだね。 Nice.", want: []string{"円を描いたんだね。", "Nice."}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := splitSentences(tt.in); !slices.Equal(got, tt.want) {
				t.Errorf("splitSentences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSynthesizeStream_Standard(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		texts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiTTSEndpoint || r.Method != http.MethodGet {
			http.Error(w, "bad route", http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		if q.Get("language_id") != "ja" || q.Get("speaker_id") != "spk" {
			http.Error(w, "bad params", http.StatusBadRequest)
			return
		}
		text := q.Get("text")
		mu.Lock()
		texts = append(texts, text)
		mu.Unlock()
		// The second sentence answers first to prove ordering is kept.
		if strings.HasPrefix(text, "一") {
			time.Sleep(50 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(buildTestWAV([]byte(text), 22050))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	frames, err := p.SynthesizeStream(context.Background(), "一つ目。二つ目。", tts.VoiceProfile{ID: "spk"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	pcm, formats := drain(frames)
	if string(pcm) != "一つ目。二つ目。" {
		t.Errorf("pcm = %q, want sentences in order", pcm)
	}
	for _, f := range formats {
		if f.SampleRate != 22050 || f.Channels != 1 {
			t.Errorf("frame format = %v, want 22050 Hz mono", f)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 2 {
		t.Errorf("server saw %d requests, want 2", len(texts))
	}
}

func TestSynthesizeStream_XTTS(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != xttsEndpoint || r.Method != http.MethodPost {
			http.Error(w, "bad route", http.StatusNotFound)
			return
		}
		var req xttsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SpeakerWav != "ref.wav" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		_, _ = w.Write(buildTestWAV(make([]byte, frameBytes+100), 24000))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	frames, err := p.SynthesizeStream(context.Background(), "hello", tts.VoiceProfile{ID: "ref.wav"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	pcm, formats := drain(frames)
	if len(pcm) != frameBytes+100 {
		t.Errorf("pcm bytes = %d, want %d", len(pcm), frameBytes+100)
	}
	if len(formats) != 2 {
		t.Errorf("frames = %d, want 2 (chunked)", len(formats))
	}
}

func TestSynthesizeStream_Errors(t *testing.T) {
	t.Parallel()

	t.Run("xtts needs voice", func(t *testing.T) {
		p := mustNew(t, "http://x", WithAPIMode(APIModeXTTS))
		if _, err := p.SynthesizeStream(context.Background(), "hi", tts.VoiceProfile{}); err == nil {
			t.Error("expected error for empty voice ID")
		}
	})

	t.Run("empty text", func(t *testing.T) {
		p := mustNew(t, "http://x")
		if _, err := p.SynthesizeStream(context.Background(), " ", tts.VoiceProfile{}); err == nil {
			t.Error("expected error for empty text")
		}
	})

	t.Run("server error closes stream", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		p := mustNew(t, srv.URL)
		frames, err := p.SynthesizeStream(context.Background(), "a. b.", tts.VoiceProfile{})
		if err != nil {
			t.Fatalf("SynthesizeStream: %v", err)
		}
		if pcm, _ := drain(frames); len(pcm) != 0 {
			t.Errorf("got %d bytes from a failing server", len(pcm))
		}
	})

	t.Run("not a wav", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("definitely not RIFF"))
		}))
		defer srv.Close()

		p := mustNew(t, srv.URL)
		frames, err := p.SynthesizeStream(context.Background(), "a", tts.VoiceProfile{})
		if err != nil {
			t.Fatalf("SynthesizeStream: %v", err)
		}
		if pcm, _ := drain(frames); len(pcm) != 0 {
			t.Errorf("got %d bytes from an invalid WAV", len(pcm))
		}
	})
}

func TestSynthesizeStream_ContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := mustNew(t, srv.URL)
	frames, err := p.SynthesizeStream(ctx, "slow.", tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	cancel()

	select {
	case _, ok := <-frames:
		if ok {
			t.Error("expected no frames after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame channel not closed after cancellation")
	}
}
