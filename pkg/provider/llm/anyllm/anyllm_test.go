package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

func TestConvertMessage_TextOnly(t *testing.T) {
	t.Parallel()

	got := convertMessage(llm.Message{Role: llm.RoleUser, Content: "こんにちは"})
	if got.Role != "user" {
		t.Errorf("role = %q, want user", got.Role)
	}
	if got.ContentString() != "こんにちは" {
		t.Errorf("content = %q, want %q", got.ContentString(), "こんにちは")
	}
}

func TestConvertMessage_WithImages(t *testing.T) {
	t.Parallel()

	m := llm.Message{
		Role:    llm.RoleUser,
		Content: "look",
		Images: []llm.Image{
			{MIMEType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
			{MIMEType: "image/png", Data: []byte{1, 2, 3}},
		},
	}
	got := convertMessage(m)

	parts, ok := got.Content.([]anyllmlib.ContentPart)
	if !ok {
		t.Fatalf("content type = %T, want []ContentPart", got.Content)
	}
	if len(parts) != 3 {
		t.Fatalf("len(parts) = %d, want 3", len(parts))
	}
	if parts[0].Type != "text" || parts[0].Text != "look" {
		t.Errorf("parts[0] = %+v, want text part", parts[0])
	}
	for i, p := range parts[1:] {
		if p.Type != "image_url" || p.ImageURL == nil {
			t.Fatalf("parts[%d] = %+v, want image_url part", i+1, p)
		}
		if !strings.HasPrefix(p.ImageURL.URL, "data:image/png;base64,") {
			t.Errorf("parts[%d] url = %q, want png data URI", i+1, p.ImageURL.URL)
		}
	}
}

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gemini-2.0-flash-lite"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "persona",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		MaxTokens:    256,
	})
	if params.Model != "gemini-2.0-flash-lite" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens = %v, want 256", params.MaxTokens)
	}
	if params.Temperature != nil {
		t.Errorf("temperature should be unset, got %v", *params.Temperature)
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model      string
		wantVision bool
	}{
		{"gemini-2.0-flash-lite", true},
		{"gpt-4o-mini", true},
		{"claude-3-5-sonnet-latest", true},
		{"gpt-4", false},
		{"llama3", false},
		{"llava:13b", true},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			if got := modelCapabilities(tt.model).SupportsVision; got != tt.wantVision {
				t.Errorf("SupportsVision = %v, want %v", got, tt.wantVision)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "m"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("gemini", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("nope", "m"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

var _ llm.Provider = (*Provider)(nil)
