package llm

import (
	"encoding/base64"
	"strings"
)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string

	// Images are inline image parts sent together with Content. Only user
	// messages carry images and only vision-capable models receive them.
	Images []Image
}

// Image is an inline image attachment.
type Image struct {
	// MIMEType is the media type of Data, e.g. "image/png".
	MIMEType string

	// Data is the raw encoded image.
	Data []byte
}

// DataURL renders the image as a base64 data URI, the form accepted by
// OpenAI-compatible chat APIs.
func (img Image) DataURL() string {
	var b strings.Builder
	b.Grow(len(img.MIMEType) + 13 + base64.StdEncoding.EncodedLen(len(img.Data)))
	b.WriteString("data:")
	b.WriteString(img.MIMEType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(img.Data))
	return b.String()
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool
}

// EstimateTokens is the shared ~4 characters per token approximation used by
// providers without a tokenisation endpoint. Each image is charged a flat
// cost and every message carries a small formatting overhead.
func EstimateTokens(messages []Message) int {
	const (
		perMessage = 4
		perImage   = 258
	)
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + perMessage + perImage*len(m.Images)
	}
	return total
}
