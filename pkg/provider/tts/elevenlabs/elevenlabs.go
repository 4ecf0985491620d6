// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io/v1/text-to-speech"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format. Only raw PCM formats
// ("pcm_16000", "pcm_22050", "pcm_24000", "pcm_44100") are accepted.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the base WebSocket endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpoint     string
	format       audio.Format
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	f, err := parseOutputFormat(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.format = f
	return p, nil
}

// parseOutputFormat maps an ElevenLabs "pcm_<rate>" format to its PCM layout.
func parseOutputFormat(s string) (audio.Format, error) {
	rate, ok := strings.CutPrefix(s, "pcm_")
	if !ok {
		return audio.Format{}, fmt.Errorf("elevenlabs: unsupported output format %q: only pcm_<rate> is supported", s)
	}
	r, err := strconv.Atoi(rate)
	if err != nil || r <= 0 {
		return audio.Format{}, fmt.Errorf("elevenlabs: invalid sample rate in output format %q", s)
	}
	return audio.Format{SampleRate: r, Channels: 1}, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey             string         `json:"xi_api_key,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, sends the whole text
// followed by the end-of-input marker and returns a channel emitting PCM
// frames as they arrive.
//
// The returned channel is closed when ElevenLabs reports the final chunk, when
// the socket fails, or when ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan audio.AudioFrame, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, p.buildURL(voice.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	for _, msg := range buildMessages(p.apiKey, text, voice) {
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			conn.Close(websocket.StatusInternalError, "write failed")
			return nil, fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}

	frames := make(chan audio.AudioFrame, 256)
	go func() {
		defer close(frames)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					slog.Warn("elevenlabs: stream ended", "err", err)
				}
				return
			}
			pcm, final, err := decodeAudio(msg)
			if err != nil {
				slog.Warn("elevenlabs: bad stream message", "err", err)
				return
			}
			if len(pcm) > 0 {
				select {
				case frames <- audio.AudioFrame{Data: pcm, SampleRate: p.format.SampleRate, Channels: p.format.Channels}:
				case <-ctx.Done():
					return
				}
			}
			if final {
				return
			}
		}
	}()

	return frames, nil
}

// buildURL constructs the stream-input URL for a voice.
func (p *Provider) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return p.endpoint + "/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// buildMessages returns the begin-of-input handshake, the text itself and the
// empty end-of-input marker, in send order.
func buildMessages(apiKey, text string, voice tts.VoiceProfile) [][]byte {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		vs.Speed = voice.SpeedFactor
	}
	msgs := []textMessage{
		// ElevenLabs requires a single space as the first text value.
		{Text: " ", VoiceSettings: vs, XiAPIKey: apiKey},
		{Text: text + " ", TryTriggerGeneration: true},
		{Text: ""},
	}
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		b, _ := json.Marshal(m)
		out = append(out, b)
	}
	return out
}

// decodeAudio extracts the PCM payload of one stream message.
func decodeAudio(msg []byte) (pcm []byte, final bool, err error) {
	var resp audioResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false, fmt.Errorf("elevenlabs: decode message: %w", err)
	}
	if resp.Error != "" {
		return nil, false, fmt.Errorf("elevenlabs: server error: %s: %s", resp.Error, resp.Message)
	}
	if resp.Audio != "" {
		pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return nil, false, fmt.Errorf("elevenlabs: decode audio: %w", err)
		}
	}
	return pcm, resp.IsFinal, nil
}

var _ tts.Provider = (*Provider)(nil)
