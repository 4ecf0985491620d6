package audio

import (
	"encoding/binary"
	"fmt"
)

// Convert returns pcm re-encoded from one format to another: resample first,
// then adjust the channel count. Only mono and stereo are supported; other
// channel layouts are returned resampled but otherwise untouched.
func Convert(pcm []byte, from, to Format) []byte {
	if from == to || len(pcm) == 0 {
		return pcm
	}
	if from.SampleRate != to.SampleRate {
		pcm = Resample(pcm, from.Channels, from.SampleRate, to.SampleRate)
	}
	switch {
	case from.Channels == 1 && to.Channels == 2:
		pcm = MonoToStereo(pcm)
	case from.Channels == 2 && to.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		copy(out[i*4:i*4+2], pcm[i*2:i*2+2])
		copy(out[i*4+2:i*4+4], pcm[i*2:i*2+2])
	}
	return out
}

// StereoToMono averages each L+R pair.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// Resample converts interleaved 16-bit PCM between sample rates using linear
// interpolation per channel.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// Int16sToBytes converts int16 samples to little-endian PCM bytes.
func Int16sToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		putSample(b, i, s)
	}
	return b
}

// BytesToInt16s converts little-endian PCM bytes to int16 samples.
func BytesToInt16s(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = sampleAt(b, i)
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
}

// String renders the format for logs, e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}
