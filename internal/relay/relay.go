// Package relay implements the single-flight conversational pipeline: it
// accepts triggers from speech ingest, the idle monitor and the event ingress,
// runs at most one model turn at a time, parses the structured reply and
// applies exactly one side effect (speak, mute or unmute).
//
// A trigger that arrives while a turn is running is dropped, never queued.
// Dropping a rapid follow-up transcript or an idle prompt is preferable to
// speaking over the previous reply.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// Speaker renders reply text as audio. Speak blocks until playback finished.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Link is the voice link a conversation is bound to.
type Link interface {
	// Connected reports whether the link is still joined.
	Connected() bool
	// ApplyCommand applies a mute or unmute command. It must be idempotent.
	ApplyCommand(cmd Command)
}

// Turn results recorded in metrics.
const (
	resultSpoken  = "spoken"
	resultCommand = "command"
	resultSilent  = "silent"
	resultError   = "error"
	resultSkipped = "skipped"
)

// Option configures a [Relay].
type Option func(*Relay)

// WithAttachments shares buf with the event ingress. By default the relay
// owns a private buffer.
func WithAttachments(buf *AttachmentBuffer) Option {
	return func(r *Relay) {
		r.attachments = buf
	}
}

// WithConversationOptions is applied to every conversation the relay starts.
func WithConversationOptions(opts ...ConversationOption) Option {
	return func(r *Relay) {
		r.convOpts = append(r.convOpts, opts...)
	}
}

// WithMetrics records turn metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithClock replaces time.Now for the idle clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
	}
}

// session binds one conversation to the voice link it was started for. A nil
// link marks a socket-only session.
type session struct {
	conv *Conversation
	link Link
}

// Relay serialises conversational turns. Create it with [New], start the turn
// loop with [Relay.Run] and feed it through [Relay.Submit].
type Relay struct {
	provider    llm.Provider
	speaker     Speaker
	attachments *AttachmentBuffer
	convOpts    []ConversationOption
	metrics     *observe.Metrics
	now         func() time.Time

	triggers        chan Trigger
	busy            atomic.Bool
	lastInteraction atomic.Int64

	mu      sync.Mutex
	session *session
}

// New creates a relay that talks to provider and speaks through speaker.
func New(provider llm.Provider, speaker Speaker, opts ...Option) *Relay {
	r := &Relay{
		provider: provider,
		speaker:  speaker,
		now:      time.Now,
		// Unbuffered: a send only succeeds while Run is waiting for work.
		triggers: make(chan Trigger),
	}
	for _, o := range opts {
		o(r)
	}
	if r.attachments == nil {
		r.attachments = NewAttachmentBuffer()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.Touch(r.now())
	return r
}

// Attachments returns the buffer turns draw their images from.
func (r *Relay) Attachments() *AttachmentBuffer { return r.attachments }

// Submit offers t to the turn loop without blocking. It reports false and
// drops t when a turn is already running (or the loop is not running).
//
// The busy flag is claimed here, before the hand-off, so Busy is true as soon
// as Submit returns true. The turn loop releases it when the turn ends.
func (r *Relay) Submit(t Trigger) bool {
	if !r.busy.CompareAndSwap(false, true) {
		slog.Info("relay: busy, dropping trigger", "trigger", t.Kind)
		r.metrics.RecordTrigger(context.Background(), t.Kind.String(), false)
		return false
	}
	select {
	case r.triggers <- t:
		r.metrics.RecordTrigger(context.Background(), t.Kind.String(), true)
		return true
	default:
		r.busy.Store(false)
		slog.Info("relay: turn loop not ready, dropping trigger", "trigger", t.Kind)
		r.metrics.RecordTrigger(context.Background(), t.Kind.String(), false)
		return false
	}
}

// Busy reports whether a turn is running.
func (r *Relay) Busy() bool { return r.busy.Load() }

// LastInteraction returns the start time of the most recent accepted turn
// (or the last explicit [Relay.Touch]).
func (r *Relay) LastInteraction() time.Time {
	return time.Unix(0, r.lastInteraction.Load())
}

// Touch sets the idle clock to t.
func (r *Relay) Touch(t time.Time) {
	r.lastInteraction.Store(t.UnixNano())
}

// StartSession replaces the current conversation with a fresh one bound to
// link. Prior history is discarded and the idle clock restarts.
//
// A nil link starts a socket-only session: turns still reach the model and
// build history, but replies are never spoken and commands are not applied.
func (r *Relay) StartSession(link Link) {
	r.mu.Lock()
	r.session = &session{conv: NewConversation(r.provider, r.convOpts...), link: link}
	r.mu.Unlock()
	r.Touch(r.now())
}

// SetConversationOptions replaces the options used for conversations created
// by later sessions. The active conversation keeps its settings.
func (r *Relay) SetConversationOptions(opts ...ConversationOption) {
	r.mu.Lock()
	r.convOpts = slices.Clone(opts)
	r.mu.Unlock()
}

// EndSession drops the current conversation and falls back to a fresh
// socket-only one. A turn still in flight finishes but its side effects are
// discarded.
func (r *Relay) EndSession() {
	r.mu.Lock()
	r.session = &session{conv: NewConversation(r.provider, r.convOpts...)}
	r.mu.Unlock()
}

// Conversation returns the active conversation, or nil.
func (r *Relay) Conversation() *Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	return r.session.conv
}

func (r *Relay) current() *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Run consumes triggers until ctx is cancelled. Exactly one Run may be active.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-r.triggers:
			r.turn(ctx, t)
		}
	}
}

// turn runs one trigger to completion. The busy flag is always released and
// a panic ends only this turn.
func (r *Relay) turn(ctx context.Context, t Trigger) {
	defer r.busy.Store(false)

	start := r.now()
	r.Touch(start)

	turnID := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "relay.turn", trace.WithAttributes(
		attribute.String("turn.id", turnID),
		attribute.String("turn.trigger", t.Kind.String()),
	))
	defer span.End()
	log := observe.Logger(ctx).With("turn", turnID, "trigger", t.Kind)
	if !t.CreatedAt.IsZero() {
		log.Debug("relay: turn started", "trigger_age", time.Since(t.CreatedAt))
	}

	result := resultError
	defer func() {
		if p := recover(); p != nil {
			log.Error("relay: turn panicked", "panic", p, "stack", string(debug.Stack()))
			span.SetStatus(codes.Error, fmt.Sprint(p))
			result = resultError
		}
		span.SetAttributes(attribute.String("turn.result", result))
		r.metrics.RecordTurn(ctx, t.Kind.String(), result, r.now().Sub(start).Seconds())
	}()

	result = r.execute(ctx, log, t)
}

func (r *Relay) execute(ctx context.Context, log *slog.Logger, t Trigger) string {
	sess := r.current()
	if sess == nil {
		log.Info("relay: no active conversation, skipping turn")
		return resultSkipped
	}

	text := t.prompt()
	var atts []Attachment
	if t.usesAttachments() {
		atts = r.attachments.Snapshot()
	}
	if len(atts) > 0 {
		text = imagesCaption + text
	}
	log.Debug("relay: sending turn", "text", text, "attachments", len(atts))

	llmStart := time.Now()
	raw, err := sess.conv.Send(ctx, text, atts)
	r.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	if err != nil {
		log.Error("relay: conversation failed", "err", err)
		r.metrics.RecordProviderError(ctx, "conversation", "llm")
		trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())
		return resultError
	}

	reply, ok := ParseReply(raw)
	if !ok {
		r.metrics.ParseFailures.Add(ctx, 1)
		return resultSilent
	}

	if r.current() != sess {
		log.Info("relay: session replaced during turn, discarding reply",
			"message", reply.Message, "command", reply.Command)
		return resultSkipped
	}
	if sess.link == nil || !sess.link.Connected() {
		log.Info("relay: no voice link, discarding reply",
			"message", reply.Message, "command", reply.Command)
		return resultSkipped
	}

	if reply.Command != CommandNone {
		log.Info("relay: applying command", "command", reply.Command)
		sess.link.ApplyCommand(reply.Command)
		return resultCommand
	}
	if reply.Message == "" {
		log.Debug("relay: model chose to stay silent")
		return resultSilent
	}

	log.Info("relay: speaking", "message", reply.Message)
	ttsStart := time.Now()
	if err := r.speaker.Speak(ctx, reply.Message); err != nil {
		log.Error("relay: speech output failed", "err", err)
		r.metrics.RecordProviderError(ctx, "speech", "tts")
		return resultError
	}
	r.metrics.TTSDuration.Record(ctx, time.Since(ttsStart).Seconds())
	return resultSpoken
}
