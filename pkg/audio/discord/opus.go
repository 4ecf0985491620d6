package discord

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Discord voice carries 48 kHz stereo Opus in 20 ms frames. Opus can decode
// straight to any of its internal rates, so inbound audio is decoded at the
// STT rate and skips a resampling pass.
const (
	frameMs = 20

	sendRate     = 48000
	sendChannels = 2
	sendFrame    = sendRate * frameMs / 1000 // samples per channel
	sendBytes    = sendFrame * sendChannels * 2

	recvRate     = 16000
	recvChannels = 1
	// recvMaxFrame allows for the longest Opus packet (120 ms).
	recvMaxFrame = recvRate * 120 / 1000
)

type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(recvRate, recvChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns 16 kHz mono PCM bytes for one Opus packet.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, recvMaxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}

type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(sendRate, sendChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode turns exactly one 20 ms frame of 48 kHz stereo PCM into Opus.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	packet, err := e.enc.Encode(audio.BytesToInt16s(pcm), sendFrame, sendBytes)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}
