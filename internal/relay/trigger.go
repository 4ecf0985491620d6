package relay

import (
	"strings"
	"time"
)

// TriggerKind identifies what started a turn.
type TriggerKind int

const (
	// TriggerSpeech is a final transcript of something a user said.
	TriggerSpeech TriggerKind = iota
	// TriggerIdle is raised when nobody interacted for a while.
	TriggerIdle
	// TriggerExternal is an event pushed through the ingress socket.
	TriggerExternal
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerSpeech:
		return "speech"
	case TriggerIdle:
		return "idle"
	case TriggerExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Context annotations. The system prompt tells the model that bracketed text
// describes the user's situation rather than their words.
const (
	speechPrefix  = "[user utterance] "
	idlePrompt    = "[the user has been quiet for a while; start some light conversation]"
	editorPrefix  = "[editor code update]"
	imagesCaption = "[attached images show the current canvas output] "
)

// Trigger is one request for a conversational turn.
type Trigger struct {
	Kind TriggerKind

	// Text is the payload: the transcript for speech, the already framed
	// event text for external triggers. Unused for idle triggers.
	Text string

	// UserID is the speaker of a speech trigger.
	UserID string

	// WithAttachments makes an external trigger carry the buffered
	// attachments. Speech and idle triggers always carry them.
	WithAttachments bool

	// CreatedAt is logged as the trigger age when its turn starts.
	CreatedAt time.Time
}

// SpeechTrigger returns a trigger for a final transcript spoken by userID.
func SpeechTrigger(userID, text string) Trigger {
	return Trigger{Kind: TriggerSpeech, UserID: userID, Text: text, CreatedAt: time.Now()}
}

// IdleTrigger returns a trigger asking the model to start a conversation.
func IdleTrigger() Trigger {
	return Trigger{Kind: TriggerIdle, CreatedAt: time.Now()}
}

// ExternalTrigger returns a trigger for an event pushed from outside the
// voice channel. text is sent as-is.
func ExternalTrigger(text string, withAttachments bool) Trigger {
	return Trigger{Kind: TriggerExternal, Text: text, WithAttachments: withAttachments, CreatedAt: time.Now()}
}

// EditorUpdateText frames a source snapshot from the code editor as a fenced
// block. lang may be empty.
func EditorUpdateText(lang, code string) string {
	var b strings.Builder
	b.WriteString(editorPrefix)
	b.WriteString("\n```")
	b.WriteString(lang)
	b.WriteByte('\n')
	b.WriteString(code)
	if !strings.HasSuffix(code, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("```")
	return b.String()
}

// prompt returns the user message for the trigger.
func (t Trigger) prompt() string {
	switch t.Kind {
	case TriggerSpeech:
		return speechPrefix + t.Text
	case TriggerIdle:
		return idlePrompt
	default:
		return t.Text
	}
}

func (t Trigger) usesAttachments() bool {
	return t.Kind != TriggerExternal || t.WithAttachments
}
