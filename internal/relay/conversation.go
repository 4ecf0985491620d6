package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// ErrProvider wraps every failure of the conversational model.
var ErrProvider = errors.New("relay: conversation provider failed")

const defaultHistoryBudget = 8000

// ConversationOption configures a [Conversation].
type ConversationOption func(*Conversation)

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(prompt string) ConversationOption {
	return func(c *Conversation) {
		if prompt != "" {
			c.systemPrompt = prompt
		}
	}
}

// WithHistoryBudget caps the estimated tokens of the kept history. The oldest
// exchanges are dropped first. Zero or less disables trimming.
func WithHistoryBudget(tokens int) ConversationOption {
	return func(c *Conversation) {
		c.historyBudget = tokens
	}
}

// WithTemperature sets the sampling temperature. Zero keeps the provider default.
func WithTemperature(t float64) ConversationOption {
	return func(c *Conversation) {
		c.temperature = t
	}
}

// WithMaxTokens caps reply length. Zero keeps the provider default.
func WithMaxTokens(n int) ConversationOption {
	return func(c *Conversation) {
		c.maxTokens = n
	}
}

// Conversation is one chat with the model: a fixed system prompt plus the
// running history of user and assistant messages. Images are sent with the
// message they belong to but only the text is kept in the history.
type Conversation struct {
	provider      llm.Provider
	systemPrompt  string
	historyBudget int
	temperature   float64
	maxTokens     int

	mu      sync.Mutex
	history []llm.Message
}

// NewConversation starts an empty conversation on provider.
func NewConversation(provider llm.Provider, opts ...ConversationOption) *Conversation {
	c := &Conversation{
		provider:      provider,
		systemPrompt:  DefaultSystemPrompt,
		historyBudget: defaultHistoryBudget,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send appends text (and attachments, if the model can see them) as a user
// message and returns the model's raw reply. On failure the history is left
// untouched and the error wraps [ErrProvider].
func (c *Conversation) Send(ctx context.Context, text string, attachments []Attachment) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := llm.Message{Role: llm.RoleUser, Content: text}
	if len(attachments) > 0 {
		if c.provider.Capabilities().SupportsVision {
			msg.Images = make([]llm.Image, 0, len(attachments))
			for _, a := range attachments {
				msg.Images = append(msg.Images, llm.Image{MIMEType: a.MIMEType, Data: a.Data})
			}
		} else {
			slog.Info("relay: model has no vision support, dropping attachments", "count", len(attachments))
		}
	}

	messages := make([]llm.Message, 0, len(c.history)+1)
	messages = append(messages, c.history...)
	messages = append(messages, msg)

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: c.systemPrompt,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if resp == nil {
		return "", fmt.Errorf("%w: empty response", ErrProvider)
	}

	c.history = append(c.history,
		llm.Message{Role: llm.RoleUser, Content: text},
		llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
	)
	c.trimLocked()
	return resp.Content, nil
}

// History returns a copy of the kept messages.
func (c *Conversation) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.history))
	copy(out, c.history)
	return out
}

// trimLocked drops the oldest user/assistant pairs until the history fits the
// budget. The newest pair is always kept.
func (c *Conversation) trimLocked() {
	if c.historyBudget <= 0 {
		return
	}
	for len(c.history) > 2 {
		n, err := c.provider.CountTokens(c.history)
		if err != nil {
			n = llm.EstimateTokens(c.history)
		}
		if n <= c.historyBudget {
			return
		}
		c.history = c.history[2:]
	}
}
