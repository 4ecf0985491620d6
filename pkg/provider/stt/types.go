package stt

import "time"

// Transcript is an authoritative speech-to-text result.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Duration is the length of the recognised audio, when known.
	Duration time.Duration
}
