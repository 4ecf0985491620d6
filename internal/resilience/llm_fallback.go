package resilience

import (
	"context"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider and returns its
// response. A nil response without an error counts as a failure so the next
// provider gets a chance.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		if err == nil && resp == nil {
			return nil, errEmptyResponse
		}
		return resp, err
	})
}

// CountTokens delegates to the first healthy provider's token counter.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports what every registered provider can do. Vision is only
// advertised when all of them support it, since a failover may land on any
// one of them.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.group.entries) == 0 {
		return llm.ModelCapabilities{}
	}
	caps := f.group.entries[0].value.Capabilities()
	for _, e := range f.group.entries[1:] {
		c := e.value.Capabilities()
		caps.SupportsVision = caps.SupportsVision && c.SupportsVision
		if c.ContextWindow > 0 && c.ContextWindow < caps.ContextWindow {
			caps.ContextWindow = c.ContextWindow
		}
	}
	return caps
}
