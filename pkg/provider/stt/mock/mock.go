// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// NewSession, if set, builds the handle returned by each StartStream call.
	// When nil a fresh Session is returned that emits FinalsOnClose.
	NewSession func() stt.SessionHandle

	// FinalsOnClose is copied into every default Session.
	FinalsOnClose []stt.Transcript

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Sessions holds every default Session handed out, in order.
	Sessions []*Session
}

// StartStream records the call and returns a session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.NewSession != nil {
		return p.NewSession(), nil
	}
	s := NewSession(p.FinalsOnClose...)
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// CallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Transcripts in
// FinalsOnClose are emitted when Close is called, mimicking a batch backend
// that flushes on close.
type Session struct {
	mu sync.Mutex

	finals chan stt.Transcript
	closed bool

	// FinalsOnClose are emitted on Finals during Close.
	FinalsOnClose []stt.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// Chunks records a copy of every chunk passed to SendAudio.
	Chunks [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session that emits finals on Close.
func NewSession(finals ...stt.Transcript) *Session {
	return &Session{
		finals:        make(chan stt.Transcript, len(finals)+1),
		FinalsOnClose: finals,
	}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Chunks = append(s.Chunks, cp)
	return s.SendAudioErr
}

// Finals returns the finals channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Close emits FinalsOnClose and closes the finals channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	for _, t := range s.FinalsOnClose {
		s.finals <- t
	}
	close(s.finals)
	return nil
}

// ChunkCount returns the number of chunks received. Thread-safe.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Chunks)
}

// Closed reports whether Close has been called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ stt.SessionHandle = (*Session)(nil)
