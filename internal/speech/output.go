// Package speech turns reply text into audio in the voice channel.
//
// [Output] drives a [Host] through its lifecycle: it starts and connects the
// host on demand, refuses to talk over an utterance that is still playing and
// blocks until playback has finished so the relay's single-flight guarantee
// covers the whole spoken reply. [VoiceHost] is the concrete host that
// synthesises through a tts.Provider and plays into an audio.Connection.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultMaxWait      = 2 * time.Minute
)

var (
	// ErrHostBusy is returned by [Output.Speak] when the host is still playing
	// an earlier utterance. Nothing is spoken.
	ErrHostBusy = errors.New("speech: host is busy")

	// ErrPlaybackTimeout is returned when the host did not return to idle
	// within the maximum wait.
	ErrPlaybackTimeout = errors.New("speech: playback did not finish in time")
)

// HostStatus is the lifecycle state of a speech host.
type HostStatus int

const (
	// StatusNotRunning means the host has not been started.
	StatusNotRunning HostStatus = iota
	// StatusNotConnected means the host runs but is not in a voice channel.
	StatusNotConnected
	// StatusIdle means the host is ready to speak.
	StatusIdle
	// StatusBusy means the host is delivering audio.
	StatusBusy
)

func (s HostStatus) String() string {
	switch s {
	case StatusNotRunning:
		return "not-running"
	case StatusNotConnected:
		return "not-connected"
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("HostStatus(%d)", int(s))
	}
}

// Host is a text-to-speech endpoint with an explicit lifecycle.
//
// Speak starts playback and returns without waiting for it to finish; the
// host reports [StatusBusy] until the audio has been delivered.
type Host interface {
	Status() HostStatus
	StartHost() error
	Connect() error
	Speak(text string) error
}

// OutputOption configures an [Output].
type OutputOption func(*Output)

// WithPollInterval sets how often the host status is polled while waiting for
// playback to finish.
func WithPollInterval(d time.Duration) OutputOption {
	return func(o *Output) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithMaxWait bounds the wait for playback to finish.
func WithMaxWait(d time.Duration) OutputOption {
	return func(o *Output) {
		if d > 0 {
			o.maxWait = d
		}
	}
}

// Output speaks text through a [Host]. It implements relay.Speaker.
type Output struct {
	host    Host
	poll    time.Duration
	maxWait time.Duration
}

// NewOutput returns an Output for host that polls every 100ms for at most two
// minutes unless overridden.
func NewOutput(host Host, opts ...OutputOption) *Output {
	o := &Output{
		host:    host,
		poll:    defaultPollInterval,
		maxWait: defaultMaxWait,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Speak brings the host to idle, hands it text and waits until playback has
// finished, ctx is cancelled or the maximum wait elapsed.
func (o *Output) Speak(ctx context.Context, text string) error {
	switch st := o.host.Status(); st {
	case StatusNotRunning:
		slog.Info("speech: starting host")
		if err := o.host.StartHost(); err != nil {
			return fmt.Errorf("speech: start host: %w", err)
		}
		if err := o.host.Connect(); err != nil {
			return fmt.Errorf("speech: connect host: %w", err)
		}
	case StatusNotConnected:
		slog.Info("speech: connecting host")
		if err := o.host.Connect(); err != nil {
			return fmt.Errorf("speech: connect host: %w", err)
		}
	case StatusBusy:
		slog.Warn("speech: host busy, dropping utterance", "text", text)
		return ErrHostBusy
	}

	if err := o.host.Speak(text); err != nil {
		return fmt.Errorf("speech: speak: %w", err)
	}
	return o.waitIdle(ctx)
}

func (o *Output) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()
	deadline := time.NewTimer(o.maxWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("speech: wait for playback: %w", ctx.Err())
		case <-deadline.C:
			return ErrPlaybackTimeout
		case <-ticker.C:
			switch o.host.Status() {
			case StatusBusy:
			case StatusIdle:
				return nil
			default:
				// The host lost its connection mid-utterance; nothing left to wait for.
				slog.Warn("speech: host left the voice channel during playback")
				return nil
			}
		}
	}
}
