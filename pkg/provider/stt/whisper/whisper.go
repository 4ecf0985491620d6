// Package whisper provides local whisper.cpp-backed STT providers.
//
// whisper.cpp is a batch engine, so both providers here treat a session as a
// single utterance: PCM is buffered while the speaker talks and inference runs
// when the session is closed (or when the buffer reaches the maximum window).
// Provider talks to a running whisper-server over HTTP (POST /inference);
// NativeProvider links whisper.cpp directly through the CGO bindings.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8081", whisper.WithLanguage("ja"))
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	handle.Close()
//	transcript := <-handle.Finals()
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

const (
	bitsPerSample = 16

	// defaultRMSThreshold is the RMS energy (16-bit PCM units) below which a
	// whole utterance is treated as silence and not sent for inference.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "ja"
	defaultSampleRate          = 16000
	defaultMaxBufferDurationMs = 30_000
	defaultHTTPTimeout         = 30 * time.Second
)

// Option is a functional option for configuring the HTTP Provider.
type Option func(*Provider)

// WithModel sets the model name hint sent to the server.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language code. Defaults to "ja".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithMaxBufferDurationMs sets the maximum buffered audio (ms) before a forced
// mid-utterance inference. Defaults to 30 000 ms, whisper's native window.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferDurationMs = ms }
}

// WithHTTPClient overrides the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider against a whisper.cpp server.
type Provider struct {
	serverURL           string
	model               string
	language            string
	maxBufferDurationMs int
	httpClient          *http.Client
}

// New creates a Provider for the whisper-server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:           strings.TrimRight(serverURL, "/"),
		language:            defaultLanguage,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a new utterance session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	format := resolveFormat(cfg, p.language)
	infer := func(ctx context.Context, pcm []byte) (string, error) {
		return p.infer(ctx, pcm, format)
	}
	return newSession(ctx, format, p.maxBufferDurationMs, infer), nil
}

// infer encodes pcm as WAV and POSTs it to /inference as multipart/form-data.
func (p *Provider) infer(ctx context.Context, pcm []byte, f audioFormat) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(pcm, f.sampleRate, f.channels)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if err := mw.WriteField("language", f.language); err != nil {
		return "", fmt.Errorf("whisper: write language field: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write format field: %w", err)
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// ---- shared utterance session -----------------------------------------------

type audioFormat struct {
	sampleRate int
	channels   int
	language   string
}

func resolveFormat(cfg stt.StreamConfig, defaultLang string) audioFormat {
	f := audioFormat{sampleRate: cfg.SampleRate, channels: cfg.Channels, language: cfg.Language}
	if f.sampleRate <= 0 {
		f.sampleRate = defaultSampleRate
	}
	if f.channels <= 0 {
		f.channels = 1
	}
	if f.language == "" {
		f.language = defaultLang
	}
	return f
}

type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// session buffers one utterance and runs infer on it. All buffer state is
// confined to processLoop.
type session struct {
	ctx            context.Context
	infer          inferFunc
	format         audioFormat
	maxBufferBytes int

	audio  chan []byte
	finals chan stt.Transcript

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

func newSession(ctx context.Context, f audioFormat, maxBufferMs int, infer inferFunc) *session {
	s := &session{
		ctx:            ctx,
		infer:          infer,
		format:         f,
		maxBufferBytes: maxBufferMs * bytesPerMs(f.sampleRate, f.channels),
		audio:          make(chan []byte, 256),
		finals:         make(chan stt.Transcript, 4),
		done:           make(chan struct{}),
	}
	go s.processLoop()
	return s
}

func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("whisper: send audio: %w", s.ctx.Err())
	}
}

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close ends the utterance and blocks until inference has finished.
func (s *session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.audio)
		s.mu.Unlock()
		<-s.done
	})
	return nil
}

func (s *session) processLoop() {
	defer close(s.done)
	defer close(s.finals)

	var buffer []byte
	flush := func() {
		pcm := buffer
		buffer = nil
		if len(pcm) == 0 || computeRMS(pcm) < defaultRMSThreshold {
			return
		}
		start := time.Now()
		text, err := s.infer(s.ctx, pcm)
		if err != nil {
			slog.Error("whisper: inference failed", "err", err)
			return
		}
		if text == "" {
			return
		}
		slog.Debug("whisper: utterance transcribed", "latency", time.Since(start), "chars", len(text))
		select {
		case s.finals <- stt.Transcript{Text: text, Duration: pcmDuration(pcm, s.format.sampleRate, s.format.channels)}:
		case <-s.ctx.Done():
		}
	}

	for chunk := range s.audio {
		buffer = append(buffer, chunk...)
		if s.maxBufferBytes > 0 && len(buffer) >= s.maxBufferBytes {
			flush()
		}
	}
	flush()
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)
