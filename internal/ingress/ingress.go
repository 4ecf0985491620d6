// Package ingress accepts events from the code-editor browser extension over
// a WebSocket and feeds them to the relay.
//
// Text frames carry JSON objects with a "type" field:
//
//	{"type":"editor-update","nowProgram":"...","language":"javascript"}
//	{"type":"canvas-capture"}
//
// An editor update becomes an external trigger. A canvas-capture
// announcement arms the connection to accept exactly one binary frame, a PNG
// capture of the sketch canvas, which is stored in the attachment buffer for
// later turns. The legacy type names "p5.js" and "p5.js canvas" are accepted
// as aliases.
//
// Protocol errors and canvas announcements are answered with a short
// plain-text reply; accepted editor updates are not acknowledged. Protocol
// errors never close the connection.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
)

// Message types.
const (
	TypeEditorUpdate  = "editor-update"
	TypeCanvasCapture = "canvas-capture"

	legacyEditorUpdate  = "p5.js"
	legacyCanvasCapture = "p5.js canvas"
)

// Acknowledgements sent back on text frames.
const (
	ReplyMalformed      = "malformed format"
	ReplyUnsupported    = "unsupported type"
	ReplyCanvasReceived = "canvas capture received"
)

const (
	defaultAddr      = "127.0.0.1:8080"
	defaultReadLimit = 8 << 20
	defaultLanguage  = "javascript"
	pngMIMEType      = "image/png"
)

// Sink receives external triggers. [relay.Relay] implements it.
type Sink interface {
	Submit(t relay.Trigger) bool
}

// Option configures a [Server].
type Option func(*Server)

// WithAddr sets the listen address. Defaults to 127.0.0.1:8080.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithReadLimit sets the largest accepted frame in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithOriginPatterns allows cross-origin handshakes from the given host
// patterns. The extension connects from the editor's page origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.originPatterns = append(s.originPatterns, patterns...)
	}
}

// WithMetrics records connection metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server is the event ingress. It is an [http.Handler].
type Server struct {
	sink           Sink
	attachments    *relay.AttachmentBuffer
	addr           string
	readLimit      int64
	originPatterns []string
	metrics        *observe.Metrics
}

// NewServer returns an ingress that submits to sink and stores canvas
// captures in attachments.
func NewServer(sink Sink, attachments *relay.AttachmentBuffer, opts ...Option) *Server {
	s := &Server{
		sink:        sink,
		attachments: attachments,
		addr:        defaultAddr,
		readLimit:   defaultReadLimit,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// ListenAndServe serves the ingress until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ingress: listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("ingress: listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ingress: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ingress: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ingress: serve: %w", err)
	}
	return nil
}

// ServeHTTP upgrades the request and handles the connection until the client
// goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Warn("ingress: websocket handshake failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.readLimit)

	ctx := r.Context()
	s.metrics.IngressConnections.Add(ctx, 1)
	defer s.metrics.IngressConnections.Add(context.WithoutCancel(ctx), -1)

	c := &session{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
	}
	c.log = slog.With("conn", c.id, "remote", r.RemoteAddr)
	c.log.Info("ingress: client connected")
	err = c.serve(ctx)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		c.log.Info("ingress: client disconnected")
	default:
		c.log.Info("ingress: connection ended", "err", err)
	}
}

// envelope is the union of all text frame shapes.
type envelope struct {
	Type       string `json:"type"`
	NowProgram string `json:"nowProgram"`
	Language   string `json:"language"`
}

// session is one client connection.
type session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	log    *slog.Logger

	// expectBinary is set by a canvas-capture announcement and consumed by
	// the next binary frame.
	expectBinary bool
}

func (c *session) serve(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageText:
			reply := c.handleText(data)
			if reply == "" {
				continue
			}
			if err := c.conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
				return err
			}
		case websocket.MessageBinary:
			c.handleBinary(data)
		}
	}
}

// handleText processes one JSON event and returns the reply, if any.
func (c *session) handleText(data []byte) string {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("ingress: undecodable message", "err", err)
		return ReplyMalformed
	}

	switch env.Type {
	case "":
		c.log.Warn("ingress: message without type")
		return ReplyMalformed

	case TypeEditorUpdate, legacyEditorUpdate:
		if env.NowProgram == "" {
			c.log.Warn("ingress: editor update without program")
			return ReplyMalformed
		}
		lang := env.Language
		if lang == "" {
			lang = defaultLanguage
		}
		text := relay.EditorUpdateText(lang, env.NowProgram)
		// The buffered captures show the sketch this code produces.
		accepted := c.server.sink.Submit(relay.ExternalTrigger(text, true))
		c.log.Info("ingress: editor update", "bytes", len(env.NowProgram), "accepted", accepted)
		return ""

	case TypeCanvasCapture, legacyCanvasCapture:
		c.expectBinary = true
		c.log.Debug("ingress: canvas capture announced")
		return ReplyCanvasReceived

	default:
		c.log.Warn("ingress: unsupported message type", "type", env.Type)
		return ReplyUnsupported
	}
}

// handleBinary stores an announced canvas capture.
func (c *session) handleBinary(data []byte) {
	if !c.expectBinary {
		c.log.Warn("ingress: unexpected binary frame rejected", "bytes", len(data))
		return
	}
	c.expectBinary = false
	c.server.attachments.Add(relay.Attachment{Data: data, MIMEType: pngMIMEType})
	c.server.metrics.Attachments.Add(context.Background(), 1)
	c.log.Info("ingress: canvas capture stored", "bytes", len(data), "buffered", c.server.attachments.Len())
}
