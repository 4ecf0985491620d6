package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

var _ audio.Connection = (*Connection)(nil)

const (
	subscriptionBuffer = 64
	outputBuffer       = 64

	// activityGap is how long an SSRC must be quiet before its next packet
	// counts as a new speaking start.
	activityGap = 500 * time.Millisecond

	reapInterval = 50 * time.Millisecond

	// preRollFrames bounds the audio kept for a speaker until an utterance
	// subscribes: 25 frames of 20 ms.
	preRollFrames = 25
)

type subscription struct {
	ch      chan audio.AudioFrame
	silence time.Duration
	last    time.Time
}

// preRoll holds the start of a speaking burst that nobody has subscribed to
// yet. Subscribers run asynchronously, so the first packets of every
// utterance land here.
type preRoll struct {
	frames []audio.AudioFrame
	last   time.Time
}

func (p *preRoll) push(f audio.AudioFrame, now time.Time) {
	if len(p.frames) == preRollFrames {
		p.frames = p.frames[1:]
	}
	p.frames = append(p.frames, f)
	p.last = now
}

// placeholderID names a speaker whose SSRC has not been mapped to a user yet.
func placeholderID(ssrc uint32) string {
	return "ssrc:" + strconv.FormatUint(uint64(ssrc), 10)
}

// Connection wraps a discordgo.VoiceConnection. Incoming Opus is demuxed by
// SSRC, mapped to users through voice speaking updates, decoded to 16 kHz
// mono and routed to the open utterance subscription of that user.
type Connection struct {
	vc        *discordgo.VoiceConnection
	guildID   string
	channelID string

	mu         sync.Mutex
	ssrcUser   map[uint32]string
	lastPacket map[uint32]time.Time
	subs       map[string]*subscription
	pending    map[string]*preRoll
	speakingCb func(userID string)

	output chan audio.AudioFrame

	done      chan struct{}
	closeOnce sync.Once

	now          func() time.Time
	setMute      func(muted bool) error
	disconnectVC func() error
}

func newConnection(vc *discordgo.VoiceConnection, guildID, channelID string) *Connection {
	return &Connection{
		vc:           vc,
		guildID:      guildID,
		channelID:    channelID,
		ssrcUser:     make(map[uint32]string),
		lastPacket:   make(map[uint32]time.Time),
		subs:         make(map[string]*subscription),
		pending:      make(map[string]*preRoll),
		output:       make(chan audio.AudioFrame, outputBuffer),
		done:         make(chan struct{}),
		now:          time.Now,
		disconnectVC: vc.Disconnect,
	}
}

func (c *Connection) start() {
	go c.recvLoop()
	go c.sendLoop()
	go c.reapLoop()
}

// ChannelID implements audio.Connection.
func (c *Connection) ChannelID() string { return c.channelID }

// OnSpeakingStart implements audio.Connection.
func (c *Connection) OnSpeakingStart(cb func(userID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speakingCb = cb
}

// Subscribe implements audio.Connection. Audio the speaker sent since the
// start of the current burst is delivered first.
func (c *Connection) Subscribe(userID string, silence time.Duration) (<-chan audio.AudioFrame, error) {
	select {
	case <-c.done:
		return nil, audio.ErrDisconnected
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[userID]; ok {
		return nil, audio.ErrAlreadySubscribed
	}
	s := &subscription{
		ch:      make(chan audio.AudioFrame, subscriptionBuffer),
		silence: silence,
		last:    c.now(),
	}
	if p := c.pending[userID]; p != nil {
		for _, f := range p.frames {
			s.ch <- f
		}
		delete(c.pending, userID)
	}
	c.subs[userID] = s
	return s.ch, nil
}

// OutputStream implements audio.Connection.
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.output }

// SetSelfMute implements audio.Connection by resending the voice state with
// the new self-mute flag.
func (c *Connection) SetSelfMute(muted bool) error {
	select {
	case <-c.done:
		return audio.ErrDisconnected
	default:
	}
	if c.setMute == nil {
		return nil
	}
	return c.setMute(muted)
}

// Disconnect implements audio.Connection.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
		c.mu.Lock()
		for id, s := range c.subs {
			close(s.ch)
			delete(c.subs, id)
		}
		c.mu.Unlock()
	})
	return err
}

func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	ssrc := uint32(vs.SSRC)

	c.mu.Lock()
	_, known := c.ssrcUser[ssrc]
	c.ssrcUser[ssrc] = vs.UserID
	var cb func(string)
	if !known {
		cb = c.adoptPlaceholderLocked(ssrc, vs.UserID)
	}
	c.mu.Unlock()

	if cb != nil {
		go cb(vs.UserID)
	}
}

// adoptPlaceholderLocked hands audio received under the SSRC placeholder to
// userID. An open placeholder subscription keeps its stream; otherwise the
// buffered start of the burst moves over and the returned speaking callback,
// if any, must be fired for userID. c.mu must be held.
func (c *Connection) adoptPlaceholderLocked(ssrc uint32, userID string) func(string) {
	placeholder := placeholderID(ssrc)
	if sub, ok := c.subs[placeholder]; ok {
		delete(c.subs, placeholder)
		if _, taken := c.subs[userID]; !taken {
			c.subs[userID] = sub
			return nil
		}
		close(sub.ch)
	}
	if p, ok := c.pending[placeholder]; ok {
		delete(c.pending, placeholder)
		if _, taken := c.pending[userID]; !taken {
			c.pending[userID] = p
		}
	}
	last, seen := c.lastPacket[ssrc]
	if !seen || c.now().Sub(last) > activityGap {
		return nil
	}
	return c.speakingCb
}

func (c *Connection) recvLoop() {
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			c.handlePacket(pkt, decoders)
		}
	}
}

func (c *Connection) handlePacket(pkt *discordgo.Packet, decoders map[uint32]*opusDecoder) {
	now := c.now()

	c.mu.Lock()
	userID, known := c.ssrcUser[pkt.SSRC]
	if !known {
		// Packets can arrive before the speaking update that names the SSRC.
		userID = placeholderID(pkt.SSRC)
	}
	started := now.Sub(c.lastPacket[pkt.SSRC]) > activityGap
	c.lastPacket[pkt.SSRC] = now
	if started {
		delete(c.pending, userID)
	}
	cb := c.speakingCb
	c.mu.Unlock()

	if started && cb != nil {
		go cb(userID)
	}

	dec, ok := decoders[pkt.SSRC]
	if !ok {
		var err error
		if dec, err = newOpusDecoder(); err != nil {
			slog.Error("discord: opus decoder", "ssrc", pkt.SSRC, "err", err)
			return
		}
		decoders[pkt.SSRC] = dec
	}
	pcm, err := dec.decode(pkt.Opus)
	if err != nil {
		slog.Debug("discord: dropping undecodable packet", "ssrc", pkt.SSRC, "err", err)
		return
	}
	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: recvRate,
		Channels:   recvChannels,
		Timestamp:  time.Duration(pkt.Timestamp) * time.Second / sendRate,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.subs[userID]
	if sub == nil {
		p := c.pending[userID]
		if p == nil {
			p = &preRoll{}
			c.pending[userID] = p
		}
		p.push(frame, now)
		return
	}
	sub.last = now
	select {
	case sub.ch <- frame:
	default:
		slog.Debug("discord: subscription full, dropping frame", "user", userID)
	}
}

// reapLoop closes utterance subscriptions that have been silent for their
// configured window and drops stale pre-roll audio.
func (c *Connection) reapLoop() {
	t := time.NewTicker(reapInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.reap(c.now())
		}
	}
}

func (c *Connection) reap(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.subs {
		if now.Sub(s.last) >= s.silence {
			close(s.ch)
			delete(c.subs, id)
		}
	}
	for id, p := range c.pending {
		if now.Sub(p.last) > activityGap {
			delete(c.pending, id)
		}
	}
}

// sendLoop converts output frames to 48 kHz stereo, slices them into 20 ms
// Opus frames and hands them to discordgo. Speaking is flagged while audio
// flows and cleared once the output channel runs dry.
func (c *Connection) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: opus encoder", "err", err)
		return
	}

	var (
		buf      []byte
		speaking bool
		idle     = time.NewTimer(time.Hour)
	)
	defer idle.Stop()

	setSpeaking := func(b bool) {
		if speaking == b {
			return
		}
		speaking = b
		if err := c.vc.Speaking(b); err != nil {
			slog.Warn("discord: speaking notification", "speaking", b, "err", err)
		}
	}

	for {
		select {
		case <-c.done:
			return
		case <-idle.C:
			// Pad the trailing partial frame with silence.
			if len(buf) > 0 {
				buf = append(buf, make([]byte, sendBytes-len(buf))...)
				c.sendFrames(enc, &buf)
			}
			setSpeaking(false)
		case frame := <-c.output:
			setSpeaking(true)
			buf = append(buf, audio.Convert(frame.Data, frame.Format(), audio.FormatDiscord)...)
			if !c.sendFrames(enc, &buf) {
				return
			}
			idle.Reset(4 * frameMs * time.Millisecond)
		}
	}
}

func (c *Connection) sendFrames(enc *opusEncoder, buf *[]byte) bool {
	for len(*buf) >= sendBytes {
		packet, err := enc.encode((*buf)[:sendBytes])
		*buf = (*buf)[sendBytes:]
		if err != nil {
			slog.Warn("discord: opus encode", "err", err)
			continue
		}
		select {
		case c.vc.OpusSend <- packet:
		case <-c.done:
			return false
		}
	}
	return true
}
