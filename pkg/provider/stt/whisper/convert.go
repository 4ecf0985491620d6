package whisper

import (
	"encoding/binary"
	"math"
	"time"
)

// pcmToFloat32Mono converts 16-bit little-endian PCM to mono float32 samples
// in [-1, 1], averaging channels per frame.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			off := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:off+2]))) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// encodeWAV wraps 16-bit PCM in a minimal RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	blockAlign := channels * bitsPerSample / 8
	buf := make([]byte, 44+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// computeRMS returns the root-mean-square energy of 16-bit PCM in sample units.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func bytesPerMs(sampleRate, channels int) int {
	return sampleRate * channels * (bitsPerSample / 8) / 1000
}

func pcmDuration(pcm []byte, sampleRate, channels int) time.Duration {
	bps := sampleRate * channels * (bitsPerSample / 8)
	if bps <= 0 {
		return 0
	}
	return time.Duration(len(pcm)) * time.Second / time.Duration(bps)
}
