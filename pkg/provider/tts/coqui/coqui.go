// Package coqui provides a local Coqui TTS-backed TTS provider that connects to
// either a standard Coqui TTS server or a Coqui XTTS v2 server via its REST
// API. It implements the tts.Provider interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is performed
//     via POST /tts_to_audio/ with a JSON body.
//
// Both servers work in batch mode (one HTTP call per request rather than a
// streaming socket), so SynthesizeStream splits the reply into sentences and
// dispatches concurrent requests with a small lookahead so the first sentence
// can start playing while the rest is still being synthesised.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithLanguage("ja"))
//	frames, err := p.SynthesizeStream(ctx, "こんにちは。元気？", voice)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "ja"
	defaultTimeout  = 30 * time.Second
	xttsEndpoint    = "/tts_to_audio/"
	apiTTSEndpoint  = "/api/tts"

	// sentenceLookahead bounds the synthesis requests in flight at once.
	sentenceLookahead = 4

	frameChanBuf = 64

	// frameBytes is the size of each PCM chunk emitted on the frame channel.
	frameBytes = 4096
)

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode.
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server. Defaults to "ja".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// Provider implements tts.Provider backed by a locally-running Coqui TTS server.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
}

// New creates a new Coqui Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.apiMode {
	case APIModeStandard, APIModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.apiMode)
	}
	return p, nil
}

// xttsRequest is the JSON body sent to POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

type result struct {
	pcm    []byte
	format audio.Format
	err    error
}

// SynthesizeStream splits text into sentences and synthesises each with its
// own HTTP request. Up to sentenceLookahead requests run concurrently; PCM is
// emitted in sentence order. A failing sentence ends the stream.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan audio.AudioFrame, error) {
	// XTTS needs a reference speaker; the standard server works without one
	// for single-speaker models.
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice.ID must not be empty (required for XTTS mode)")
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, errors.New("coqui: nothing to synthesise")
	}

	frames := make(chan audio.AudioFrame, frameChanBuf)
	pending := make(chan chan result, sentenceLookahead)

	// Dispatcher: one request per sentence, futures queued in order.
	go func() {
		defer close(pending)
		for _, s := range sentences {
			fut := make(chan result, 1)
			select {
			case pending <- fut:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, f, err := p.synthesize(ctx, s, voice)
				fut <- result{pcm: pcm, format: f, err: err}
			}()
		}
	}()

	// Collector: drains futures in order and chunks the PCM.
	go func() {
		defer close(frames)
		for fut := range pending {
			var r result
			select {
			case r = <-fut:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				if ctx.Err() == nil {
					slog.Warn("coqui: synthesis failed", "err", r.err)
				}
				return
			}
			for pcm := r.pcm; len(pcm) > 0; {
				n := min(frameBytes, len(pcm))
				f := audio.AudioFrame{Data: pcm[:n], SampleRate: r.format.SampleRate, Channels: r.format.Channels}
				select {
				case frames <- f:
				case <-ctx.Done():
					return
				}
				pcm = pcm[n:]
			}
		}
	}()

	return frames, nil
}

// synthesize performs one request in the configured API mode and returns the
// PCM payload of the WAV response.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, audio.Format, error) {
	req, err := p.newRequest(ctx, sentence, voice)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, audio.Format{}, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	pcm, f, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("coqui: parse WAV response: %w", err)
	}
	return pcm, f, nil
}

func (p *Provider) newRequest(ctx context.Context, sentence string, voice tts.VoiceProfile) (*http.Request, error) {
	if p.apiMode == APIModeXTTS {
		body, err := json.Marshal(xttsRequest{Text: sentence, SpeakerWav: voice.ID, Language: p.language})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsEndpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	params := url.Values{}
	params.Set("text", sentence)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
}

// splitSentences cuts text after sentence-ending punctuation. ASCII '.', '!'
// and '?' only end a sentence at the end of text or before whitespace, so
// "3.14" and "Dr.X" stay intact; the full-width Japanese marks always do.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	emit := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i, r := range runes {
		switch r {
		case '。', '！', '？':
			emit(i + 1)
		case '.', '!', '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				emit(i + 1)
			}
		}
	}
	emit(len(runes))
	return out
}
