// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	utter := make(chan audio.AudioFrame, 16)
//	conn := &mock.Connection{
//	    Streams: map[string]chan audio.AudioFrame{"user-1": utter},
//	    OutputStreamResult: make(chan audio.AudioFrame, 16),
//	}
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "channel-42")
//	conn.EmitSpeakingStart("user-1")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// SubscribeCall records the arguments of a single [Connection.Subscribe] call.
type SubscribeCall struct {
	UserID  string
	Silence time.Duration
}

// Connection is a mock implementation of [audio.Connection].
// Set the exported Result fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// ChannelIDResult is returned by [Connection.ChannelID].
	ChannelIDResult string

	// Streams maps participant IDs to the channel handed out by Subscribe.
	// A stream is handed out once; subscribing again for the same user after
	// that returns a fresh, already closed channel.
	Streams map[string]chan audio.AudioFrame

	// SubscribeErr, when non-nil, is returned by Subscribe.
	SubscribeErr error

	// OutputStreamResult is returned by [Connection.OutputStream].
	OutputStreamResult chan<- audio.AudioFrame

	// SetSelfMuteErr is returned by [Connection.SetSelfMute].
	SetSelfMuteErr error

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// SubscribeCalls records all Subscribe invocations.
	SubscribeCalls []SubscribeCall

	// SelfMuteCalls records the flag passed to every SetSelfMute call.
	SelfMuteCalls []bool

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	speakingCb func(userID string)
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ChannelIDResult
}

// OnSpeakingStart implements [audio.Connection]. Use
// [Connection.EmitSpeakingStart] to fire the callback.
func (c *Connection) OnSpeakingStart(cb func(userID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speakingCb = cb
}

// Subscribe implements [audio.Connection].
func (c *Connection) Subscribe(userID string, silence time.Duration) (<-chan audio.AudioFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SubscribeCalls = append(c.SubscribeCalls, SubscribeCall{UserID: userID, Silence: silence})
	if c.SubscribeErr != nil {
		return nil, c.SubscribeErr
	}
	if ch, ok := c.Streams[userID]; ok {
		delete(c.Streams, userID)
		return ch, nil
	}
	ch := make(chan audio.AudioFrame)
	close(ch)
	return ch, nil
}

// OutputStream implements [audio.Connection]. Returns OutputStreamResult.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.OutputStreamResult
}

// SetSelfMute implements [audio.Connection]. Records the flag and returns
// SetSelfMuteErr.
func (c *Connection) SetSelfMute(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SelfMuteCalls = append(c.SelfMuteCalls, muted)
	return c.SetSelfMuteErr
}

// Disconnect implements [audio.Connection]. Returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// EmitSpeakingStart invokes the registered speaking callback synchronously.
// It is a no-op when no callback is registered.
func (c *Connection) EmitSpeakingStart(userID string) {
	c.mu.Lock()
	cb := c.speakingCb
	c.mu.Unlock()
	if cb != nil {
		cb(userID)
	}
}

// SelfMutes returns a copy of SelfMuteCalls.
func (c *Connection) SelfMutes() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bool, len(c.SelfMuteCalls))
	copy(out, c.SelfMuteCalls)
	return out
}

// Subscriptions returns a copy of SubscribeCalls.
func (c *Connection) Subscriptions() []SubscribeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SubscribeCall, len(c.SubscribeCalls))
	copy(out, c.SubscribeCalls)
	return out
}

// Disconnects returns CallCountDisconnect.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform]. Records the call and returns ConnectResult / ConnectError.
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	return p.ConnectResult, nil
}

// Connects returns a copy of ConnectCalls.
func (p *Platform) Connects() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)
