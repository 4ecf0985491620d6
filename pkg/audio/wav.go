package audio

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidWAV is returned by ParseWAV for anything that is not a PCM
// RIFF/WAVE container.
var ErrInvalidWAV = errors.New("audio: invalid WAV data")

// ParseWAV walks the RIFF chunks of wav and returns the PCM payload together
// with its format. Only 16-bit PCM is accepted.
func ParseWAV(wav []byte) ([]byte, Format, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, Format{}, ErrInvalidWAV
	}

	var (
		f      Format
		hasFmt bool
	)
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return nil, Format{}, ErrInvalidWAV
			}
			if bits := binary.LittleEndian.Uint16(wav[body+14 : body+16]); bits != 16 {
				return nil, Format{}, errors.New("audio: only 16-bit WAV is supported")
			}
			f.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			hasFmt = true
		case "data":
			if !hasFmt {
				return nil, Format{}, ErrInvalidWAV
			}
			end := min(body+size, len(wav))
			return wav[body:end], f, nil
		}

		off = body + size + size%2
	}
	return nil, Format{}, ErrInvalidWAV
}
