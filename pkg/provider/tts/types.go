package tts

// VoiceProfile selects the voice a reply is spoken with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (ElevenLabs voice ID,
	// Coqui speaker name).
	ID string

	// Name is the human-readable voice name. Only used for logging.
	Name string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 0 or 1.0 = default).
	SpeedFactor float64
}
