// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local chat model (Gemini, OpenAI, Anthropic, a
// local Ollama instance, ...) and exposes the small surface the relay needs:
// a single blocking completion over a message history that may carry inline
// images, a token estimate for history trimming, and static model metadata.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is the
	// user turn that drives the response.
	Messages []Message

	// SystemPrompt is the fixed instruction block injected before the history.
	// Providers without a dedicated system field prepend it as a "system"
	// message.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or if ctx is cancelled before the
	// completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given messages would
	// consume in the context window. It should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}
