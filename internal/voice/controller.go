// Package voice owns the bot's presence in a voice channel.
//
// [Controller] joins and leaves the channel, binds a fresh conversation to
// each join, runs speech ingest and the idle monitor for as long as the link
// lives and applies mute/unmute commands from model replies.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

// ErrNotConnected is returned by [Controller.Leave] when there is no voice link.
var ErrNotConnected = errors.New("voice: not connected")

// Relay is the conversation side of a voice link. [relay.Relay] implements it.
type Relay interface {
	relay.IdleTarget
	StartSession(link relay.Link)
	EndSession()
}

// OutputHost plays audio into the joined channel. speech.VoiceHost implements it.
type OutputHost interface {
	Attach(conn audio.Connection)
	Detach()
}

// VoiceLinkState is a snapshot of the voice link.
type VoiceLinkState struct {
	Connected bool   `json:"connected"`
	SelfMuted bool   `json:"self_muted"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Option configures a [Controller].
type Option func(*Controller)

// WithBaseContext sets the parent context of every link. Cancelling it stops
// ingest and the idle monitor of the current link.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Controller) {
		c.base = ctx
	}
}

// WithIdleOptions configures the idle monitor started on each join.
func WithIdleOptions(opts ...relay.IdleOption) Option {
	return func(c *Controller) {
		c.idleOpts = append(c.idleOpts, opts...)
	}
}

// WithIngestOptions configures the speech ingest started on each join.
func WithIngestOptions(opts ...IngestOption) Option {
	return func(c *Controller) {
		c.ingestOpts = append(c.ingestOpts, opts...)
	}
}

// WithOutputHost attaches host to each joined connection.
func WithOutputHost(host OutputHost) Option {
	return func(c *Controller) {
		c.host = host
	}
}

// WithMetrics records link metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// Controller manages at most one voice link.
type Controller struct {
	platform   audio.Platform
	stt        stt.Provider
	relay      Relay
	host       OutputHost
	base       context.Context
	idleOpts   []relay.IdleOption
	ingestOpts []IngestOption
	metrics    *observe.Metrics

	mu   sync.Mutex
	link *Link
}

// NewController returns a disconnected controller.
func NewController(platform audio.Platform, sttProvider stt.Provider, r Relay, opts ...Option) *Controller {
	c := &Controller{
		platform: platform,
		stt:      sttProvider,
		relay:    r,
		base:     context.Background(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Join connects to channelID and starts a fresh conversation bound to the new
// link. An existing link is left first.
func (c *Controller) Join(ctx context.Context, channelID string) (*Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != nil {
		slog.Info("voice: leaving current channel before join", "from", c.link.channelID, "to", channelID)
		c.leaveLocked()
	}

	conn, err := c.platform.Connect(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("voice: join %s: %w", channelID, err)
	}

	lctx, cancel := context.WithCancel(c.base)
	l := &Link{
		conn:      conn,
		channelID: channelID,
		cancel:    cancel,
	}
	l.connected.Store(true)

	c.relay.StartSession(l)
	if c.host != nil {
		c.host.Attach(conn)
	}

	l.ingest = NewIngest(conn, c.stt, c.relay, append([]IngestOption{WithIngestMetrics(c.metrics)}, c.ingestOpts...)...)
	l.ingest.Start(lctx)

	idle := relay.NewIdleMonitor(c.relay, c.idleOpts...)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		idle.Run(lctx)
	}()

	c.link = l
	c.metrics.ActiveVoiceLinks.Add(ctx, 1)
	slog.Info("voice: joined channel", "channel", channelID)
	return l, nil
}

// Leave tears the current link down. It returns [ErrNotConnected] when there
// is none.
func (c *Controller) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return ErrNotConnected
	}
	return c.leaveLocked()
}

func (c *Controller) leaveLocked() error {
	l := c.link
	c.link = nil

	l.connected.Store(false)
	l.cancel()
	c.relay.EndSession()
	if c.host != nil {
		c.host.Detach()
	}
	err := l.conn.Disconnect()
	l.ingest.Wait()
	l.wg.Wait()

	c.metrics.ActiveVoiceLinks.Add(context.Background(), -1)
	slog.Info("voice: left channel", "channel", l.channelID)
	if err != nil {
		return fmt.Errorf("voice: disconnect: %w", err)
	}
	return nil
}

// ApplyCommand applies cmd to the current link. Without a link it does nothing.
func (c *Controller) ApplyCommand(cmd relay.Command) {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		slog.Info("voice: no voice link, ignoring command", "command", cmd)
		return
	}
	l.ApplyCommand(cmd)
}

// State returns a snapshot of the current link.
func (c *Controller) State() VoiceLinkState {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return VoiceLinkState{}
	}
	return l.State()
}

// Link is one joined voice channel. It implements [relay.Link].
type Link struct {
	conn      audio.Connection
	channelID string
	cancel    context.CancelFunc
	ingest    *Ingest
	wg        sync.WaitGroup
	connected atomic.Bool

	mu        sync.Mutex
	selfMuted bool
}

// Connected implements [relay.Link].
func (l *Link) Connected() bool { return l.connected.Load() }

// ChannelID returns the joined voice channel.
func (l *Link) ChannelID() string { return l.channelID }

// ApplyCommand implements [relay.Link]. Only a change of the self-mute flag is
// sent to the platform; repeating the current state is a no-op.
func (l *Link) ApplyCommand(cmd relay.Command) {
	var mute bool
	switch cmd {
	case relay.CommandMute:
		mute = true
	case relay.CommandUnmute:
		mute = false
	default:
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected.Load() {
		slog.Info("voice: link closed, ignoring command", "command", cmd)
		return
	}
	if l.selfMuted == mute {
		slog.Debug("voice: self-mute already in requested state", "muted", mute)
		return
	}
	if err := l.conn.SetSelfMute(mute); err != nil {
		slog.Error("voice: set self-mute", "muted", mute, "err", err)
		return
	}
	l.selfMuted = mute
	slog.Info("voice: self-mute changed", "muted", mute)
}

// State returns a snapshot of the link.
func (l *Link) State() VoiceLinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return VoiceLinkState{
		Connected: l.connected.Load(),
		SelfMuted: l.selfMuted,
		ChannelID: l.channelID,
	}
}

var _ relay.Link = (*Link)(nil)
