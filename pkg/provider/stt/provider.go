// Package stt defines the Provider interface for Speech-to-Text backends.
//
// The relay opens one session per utterance: audio frames are pushed with
// SendAudio while the speaker talks, then Close flushes the backend and
// delivers any remaining authoritative transcripts on Finals before the
// channel is closed. Interim results are never surfaced.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after Close has been called.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The relay always uses 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "ja", "en-US").
	// An empty string selects the provider default.
	Language string
}

// SessionHandle represents an open STT session. Audio is 16-bit signed
// little-endian PCM matching StreamConfig.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio. Calling SendAudio after
	// Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Finals emits authoritative transcripts. The channel is closed once the
	// session has fully shut down.
	Finals() <-chan Transcript

	// Close flushes any pending audio, waits for the remaining finals to be
	// emitted and releases all resources. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new transcription session. The returned handle is
	// ready to accept audio immediately; the caller must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
