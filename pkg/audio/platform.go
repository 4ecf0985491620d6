// Package audio defines the voice-platform abstraction the relay talks to and
// the PCM helpers shared by the speech pipeline.
//
// [Platform] joins a voice channel and returns a [Connection]. A Connection
// reports when a participant starts speaking, hands out one audio
// subscription per utterance, accepts PCM for playback and can renegotiate the
// bot's own mute state.
//
// Platform adapters live in sub-packages (audio/discord); tests use audio/mock.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDisconnected is returned by Connection methods after Disconnect.
	ErrDisconnected = errors.New("audio: connection is closed")

	// ErrAlreadySubscribed is returned by Subscribe while an utterance
	// subscription for the same participant is still open.
	ErrAlreadySubscribed = errors.New("audio: participant already subscribed")
)

// Connection represents an active session on a voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// ChannelID returns the voice channel this connection is joined to.
	ChannelID() string

	// OnSpeakingStart registers cb to be invoked whenever a participant starts
	// speaking after a period of silence. Only one callback may be registered;
	// later calls replace it. cb runs on its own goroutine.
	OnSpeakingStart(cb func(userID string))

	// Subscribe opens an utterance stream for userID. Frames are 16 kHz mono
	// PCM ([FormatSTT]). The channel is closed once no audio has arrived from
	// the participant for silence, or when the connection is torn down.
	Subscribe(userID string, silence time.Duration) (<-chan AudioFrame, error)

	// OutputStream returns the channel for bot playback. Frames of any format
	// are accepted and converted. The platform never closes this channel;
	// frames written after Disconnect are dropped.
	OutputStream() chan<- AudioFrame

	// SetSelfMute renegotiates the bot's self-mute flag with the platform.
	SetSelfMute(muted bool) error

	// Disconnect tears the connection down and closes all subscriptions. It is
	// safe to call more than once.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
type Platform interface {
	// Connect joins channelID and returns an active Connection. ctx governs the
	// connection attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
