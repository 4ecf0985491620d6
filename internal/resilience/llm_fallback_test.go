package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxrelay/pkg/provider/llm/mock"
)

func newLLMFallback(primary, secondary llm.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	if secondary != nil {
		fb.AddFallback("secondary", secondary)
	}
	return fb
}

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from primary"},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
	}

	resp, err := newLLMFallback(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.CompleteCalls))
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	tests := []struct {
		name    string
		primary *llmmock.Provider
	}{
		{name: "error", primary: &llmmock.Provider{CompleteErr: errors.New("primary down")}},
		{name: "nil response", primary: &llmmock.Provider{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secondary := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
			}
			resp, err := newLLMFallback(tt.primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Content != "hello from secondary" {
				t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
			}
		})
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("secondary down")}

	_, err := newLLMFallback(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_CountTokens(t *testing.T) {
	primary := &llmmock.Provider{CountTokensErr: errors.New("count failed")}
	secondary := &llmmock.Provider{TokenCount: 42}

	count, err := newLLMFallback(primary, secondary).CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "test"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 42 {
		t.Fatalf("count = %d, want 42", count)
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	vision := llm.ModelCapabilities{ContextWindow: 128000, MaxOutputTokens: 4096, SupportsVision: true}
	textOnly := llm.ModelCapabilities{ContextWindow: 32000, MaxOutputTokens: 2048}

	tests := []struct {
		name          string
		secondary     llm.Provider
		wantVision    bool
		wantCtxWindow int
	}{
		{name: "primary only", wantVision: true, wantCtxWindow: 128000},
		{name: "vision fallback", secondary: &llmmock.Provider{ModelCapabilities: vision}, wantVision: true, wantCtxWindow: 128000},
		{name: "text-only fallback", secondary: &llmmock.Provider{ModelCapabilities: textOnly}, wantVision: false, wantCtxWindow: 32000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &llmmock.Provider{ModelCapabilities: vision}
			caps := newLLMFallback(primary, tt.secondary).Capabilities()
			if caps.SupportsVision != tt.wantVision {
				t.Errorf("SupportsVision = %v, want %v", caps.SupportsVision, tt.wantVision)
			}
			if caps.ContextWindow != tt.wantCtxWindow {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.wantCtxWindow)
			}
			if caps.MaxOutputTokens != 4096 {
				t.Errorf("MaxOutputTokens = %d, want the primary's 4096", caps.MaxOutputTokens)
			}
		})
	}
}
