package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-telephony/internal/faults"
)

// Transcoder converts PCM between sample rates and channel layouts.
// Implementations must preserve 16-bit little-endian framing.
type Transcoder interface {
	Resample(data []byte, inRate, outRate, sampleWidth int) ([]byte, error)
	ConvertChannels(data []byte, inChannels, outChannels, sampleWidth int) ([]byte, error)
}

// PCMTranscoder is the built-in linear-interpolation transcoder for
// 16-bit PCM. It covers the conversions telephony feeders actually
// produce; anything more exotic belongs in an external transcoder.
type PCMTranscoder struct{}

// Resample converts interleaved PCM from inRate to outRate by linear
// interpolation. Output sample count per channel is
// round(inputSamples * outRate / inRate).
func (PCMTranscoder) Resample(data []byte, inRate, outRate, sampleWidth int) ([]byte, error) {
	if sampleWidth != 2 {
		return nil, fmt.Errorf("resample: sample width %d: %w", sampleWidth, faults.ErrConfiguration)
	}
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("resample: rates %d->%d: %w", inRate, outRate, faults.ErrConfiguration)
	}
	if inRate == outRate || len(data) == 0 {
		return data, nil
	}

	samples := bytesToInt16(data)
	ratio := float64(outRate) / float64(inRate)
	outN := int(math.Round(float64(len(samples)) * ratio))
	out := make([]int16, outN)
	for i := range out {
		pos := float64(i) / ratio
		i0 := int(pos)
		if i0 >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(i0)
		a := float64(samples[i0])
		b := float64(samples[i0+1])
		out[i] = int16(math.Round(a + (b-a)*frac))
	}
	return int16ToBytes(out), nil
}

// ConvertChannels remaps interleaved PCM between channel layouts.
// Downmixing sums channels with saturation; upmixing from mono
// duplicates the sample across output channels.
func (PCMTranscoder) ConvertChannels(data []byte, inChannels, outChannels, sampleWidth int) ([]byte, error) {
	if sampleWidth != 2 {
		return nil, fmt.Errorf("convert channels: sample width %d: %w", sampleWidth, faults.ErrConfiguration)
	}
	if inChannels <= 0 || outChannels <= 0 {
		return nil, fmt.Errorf("convert channels: %d->%d: %w", inChannels, outChannels, faults.ErrConfiguration)
	}
	if inChannels == outChannels {
		return data, nil
	}

	samples := bytesToInt16(data)
	switch {
	case outChannels == 1:
		frames := len(samples) / inChannels
		out := make([]int16, frames)
		for f := 0; f < frames; f++ {
			var sum int32
			for c := 0; c < inChannels; c++ {
				sum += int32(samples[f*inChannels+c])
			}
			out[f] = saturate16(sum)
		}
		return int16ToBytes(out), nil
	case inChannels == 1:
		out := make([]int16, len(samples)*outChannels)
		for i, s := range samples {
			for c := 0; c < outChannels; c++ {
				out[i*outChannels+c] = s
			}
		}
		return int16ToBytes(out), nil
	}
	return nil, fmt.Errorf("convert channels: %d->%d unsupported: %w", inChannels, outChannels, faults.ErrConfiguration)
}

func saturate16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func bytesToInt16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
