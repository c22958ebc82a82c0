package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// pcmScale maps int16 samples onto [-1, 1].
const pcmScale = 32767

// PCM16ToFloat32 converts little-endian signed 16-bit PCM to float samples.
// Interleaved channels are averaged down to mono.
func PCM16ToFloat32(pcm []byte, channels int) ([]float32, error) {
	if channels < 1 {
		channels = 1
	}
	frameBytes := 2 * channels
	if len(pcm)%frameBytes != 0 {
		return nil, fmt.Errorf("pcm payload of %d bytes not aligned to %d channel(s)", len(pcm), channels)
	}
	out := make([]float32, len(pcm)/frameBytes)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			off := i*frameBytes + 2*c
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		out[i] = sum / float32(channels) / pcmScale
	}
	return out, nil
}

// Float32ToPCM16 is the inverse of PCM16ToFloat32 for mono audio. Samples are
// clamped to [-1, 1].
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(toInt16(s)))
	}
	return out
}

func toInt16(s float32) int16 {
	v := math.Round(float64(s) * pcmScale)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < -pcmScale:
		return -pcmScale
	default:
		return int16(v)
	}
}

// Chunks splits samples into consecutive pieces of at most size samples.
// The returned slices share memory with samples.
func Chunks(samples []float32, size int) [][]float32 {
	if len(samples) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]float32{samples}
	}
	out := make([][]float32, 0, (len(samples)+size-1)/size)
	for start := 0; start < len(samples); start += size {
		end := min(start+size, len(samples))
		out = append(out, samples[start:end])
	}
	return out
}
