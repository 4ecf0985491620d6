// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

const (
	deepgramEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel        = "nova-2"
	defaultLanguage     = "ja"
	defaultSampleRate   = 16000
	defaultFlushTimeout = 5 * time.Second
	closeStreamMessage  = `{"type":"CloseStream"}`
	resultsMessageType  = "Results"
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithFlushTimeout bounds how long Close waits for Deepgram to deliver the
// remaining finals after CloseStream has been sent.
func WithFlushTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.flushTimeout = d
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey       string
	model        string
	language     string
	endpoint     string
	flushTimeout time.Duration
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		language:     defaultLanguage,
		endpoint:     deepgramEndpoint,
		flushTimeout: defaultFlushTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		conn:         conn,
		ctx:          sctx,
		cancel:       cancel,
		flushTimeout: p.flushTimeout,
		finals:       make(chan stt.Transcript, 16),
		audio:        make(chan []byte, 256),
		readDone:     make(chan struct{}),
		writeDone:    make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. Close stops the writer,
// sends CloseStream and keeps reading until Deepgram hangs up so trailing
// finals are not lost.
type session struct {
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	flushTimeout time.Duration

	finals chan stt.Transcript
	audio  chan []byte

	mu     sync.Mutex
	closed bool
	once   sync.Once

	readDone  chan struct{}
	writeDone chan struct{}
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
		return fmt.Errorf("deepgram: send audio: %w", s.ctx.Err())
	}
}

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

func (s *session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.audio)
		s.mu.Unlock()

		<-s.writeDone
		select {
		case <-s.readDone:
		case <-time.After(s.flushTimeout):
			slog.Warn("deepgram: flush timed out, dropping pending finals")
			s.cancel()
			<-s.readDone
		}
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) writeLoop() {
	defer close(s.writeDone)
	for chunk := range s.audio {
		if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
			slog.Debug("deepgram: write audio", "err", err)
			// Keep draining so SendAudio never blocks on a dead socket.
			for range s.audio {
			}
			return
		}
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(closeStreamMessage)); err != nil {
		slog.Debug("deepgram: send CloseStream", "err", err)
	}
}

func (s *session) readLoop() {
	defer close(s.readDone)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.finals <- t:
		case <-s.ctx.Done():
			return
		}
	}
}

// parseDeepgramResponse turns a Results message into a final Transcript.
// Interim, empty and non-Results messages are ignored.
func parseDeepgramResponse(data []byte) (stt.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != resultsMessageType || !resp.IsFinal {
		return stt.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 || resp.Channel.Alternatives[0].Transcript == "" {
		return stt.Transcript{}, false
	}
	alt := resp.Channel.Alternatives[0]
	return stt.Transcript{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
	}, true
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)
