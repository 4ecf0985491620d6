package relay

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultAttachmentCapacity = 5
	defaultAttachmentWindow   = 20 * time.Second
)

// Attachment is one binary payload (a canvas capture) waiting to be sent as
// context with the next turn.
type Attachment struct {
	Data       []byte
	MIMEType   string
	ReceivedAt time.Time
}

// BufferOption configures an [AttachmentBuffer].
type BufferOption func(*AttachmentBuffer)

// WithCapacity sets how many attachments are kept. Values below 1 are ignored.
func WithCapacity(n int) BufferOption {
	return func(b *AttachmentBuffer) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithIdleWindow sets how long the buffer keeps its contents without a new
// insertion. Values below or equal to zero are ignored.
func WithIdleWindow(d time.Duration) BufferOption {
	return func(b *AttachmentBuffer) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithBufferClock replaces time.Now. Used by tests.
func WithBufferClock(now func() time.Time) BufferOption {
	return func(b *AttachmentBuffer) {
		b.now = now
	}
}

// AttachmentBuffer is a bounded ring of the most recent attachments. On
// overflow the oldest entry is evicted. If nothing has been added for the idle
// window the buffer reads as empty; every Add restarts the window.
//
// Expiry is evaluated lazily on access, so no timer goroutine is needed.
// AttachmentBuffer is safe for concurrent use.
type AttachmentBuffer struct {
	mu       sync.Mutex
	items    []Attachment
	capacity int
	window   time.Duration
	lastAdd  time.Time
	now      func() time.Time
}

// NewAttachmentBuffer returns an empty buffer holding up to 5 attachments that
// clears after 20s without insertion, unless overridden by opts.
func NewAttachmentBuffer(opts ...BufferOption) *AttachmentBuffer {
	b := &AttachmentBuffer{
		capacity: defaultAttachmentCapacity,
		window:   defaultAttachmentWindow,
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Add appends a, evicting the oldest attachment if the buffer is full.
func (b *AttachmentBuffer) Add(a Attachment) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.expireLocked(now)
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = now
	}
	b.items = append(b.items, a)
	if over := len(b.items) - b.capacity; over > 0 {
		clear(b.items[:over])
		b.items = b.items[over:]
	}
	b.lastAdd = now
}

// Snapshot returns a copy of the buffered attachments, oldest first. The
// buffer keeps its contents.
func (b *AttachmentBuffer) Snapshot() []Attachment {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked(b.now())
	if len(b.items) == 0 {
		return nil
	}
	out := make([]Attachment, len(b.items))
	copy(out, b.items)
	return out
}

// Len returns the number of live attachments.
func (b *AttachmentBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(b.now())
	return len(b.items)
}

// Clear drops all attachments.
func (b *AttachmentBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = nil
}

func (b *AttachmentBuffer) expireLocked(now time.Time) {
	if len(b.items) == 0 || now.Sub(b.lastAdd) < b.window {
		return
	}
	slog.Debug("relay: attachment buffer expired", "dropped", len(b.items), "idle", now.Sub(b.lastAdd))
	b.items = nil
}
