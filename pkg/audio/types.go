package audio

import "time"

// AudioFrame is a single chunk of 16-bit little-endian PCM flowing between the
// voice platform and the speech pipeline.
type AudioFrame struct {
	// Data is interleaved int16 PCM.
	Data []byte

	// SampleRate in Hz (48000 for Discord output, 16000 for STT input).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Well-known formats used by the relay.
var (
	// FormatSTT is what speech ingest feeds to STT providers.
	FormatSTT = Format{SampleRate: 16000, Channels: 1}

	// FormatDiscord is Discord's native Opus PCM layout.
	FormatDiscord = Format{SampleRate: 48000, Channels: 2}
)

// Format returns the frame's format.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback length of n PCM bytes in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}
