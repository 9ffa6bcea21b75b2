// Package audio implements the per-session mixer that combines labeled
// PCM streams into fixed-duration canonical frames, plus the PCM
// transcoding helpers the mixer and media ingress rely on.
package audio

import (
	"fmt"
	"math"
	"sync"

	"github.com/loqalabs/loqa-telephony/internal/config"
	"github.com/loqalabs/loqa-telephony/internal/faults"
	"github.com/loqalabs/loqa-telephony/internal/telemetry"
)

// StreamConfig describes a source feeding the mixer.
type StreamConfig struct {
	Volume         float64
	Muted          bool
	SourceRate     int
	SourceChannels int
}

type stream struct {
	buf         []byte
	volume      float64
	muted       bool
	srcRate     int
	srcChannels int
}

// Mixer combines N labeled streams into canonical frames. One instance
// serves one call session; the mutex only orders the feeder goroutine
// against the mix loop.
type Mixer struct {
	mu         sync.Mutex
	cfg        config.AudioConfig
	transcoder Transcoder
	sink       telemetry.Sink
	streams    map[string]*stream
	pending    []byte
}

func NewMixer(cfg config.AudioConfig, transcoder Transcoder, sink telemetry.Sink) *Mixer {
	if sink == nil {
		sink = telemetry.Noop{}
	}
	return &Mixer{
		cfg:        cfg,
		transcoder: transcoder,
		sink:       sink,
		streams:    make(map[string]*stream),
	}
}

// AddStream registers a source. Zero-valued rate/channels default to the
// canonical format, zero volume defaults to full volume, and volume is
// clamped into [0,1].
func (m *Mixer) AddStream(id string, sc StreamConfig) {
	if sc.Volume == 0 {
		sc.Volume = 1
	}
	if sc.SourceRate <= 0 {
		sc.SourceRate = m.cfg.SampleRate
	}
	if sc.SourceChannels <= 0 {
		sc.SourceChannels = m.cfg.Channels
	}
	m.mu.Lock()
	m.streams[id] = &stream{
		volume:      clampVolume(sc.Volume),
		muted:       sc.Muted,
		srcRate:     sc.SourceRate,
		srcChannels: sc.SourceChannels,
	}
	m.mu.Unlock()
	m.sink.EmitEvent("audio_mixer_stream_added", map[string]any{"stream_id": id})
}

func (m *Mixer) RemoveStream(id string) error {
	m.mu.Lock()
	_, ok := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream %q: %w", id, faults.ErrNotFound)
	}
	m.sink.EmitEvent("audio_mixer_stream_removed", map[string]any{"stream_id": id})
	return nil
}

// UpdateStreamSettings adjusts volume and/or mute. Nil leaves a setting
// unchanged.
func (m *Mixer) UpdateStreamSettings(id string, volume *float64, muted *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	if !ok {
		return fmt.Errorf("stream %q: %w", id, faults.ErrNotFound)
	}
	if volume != nil {
		st.volume = clampVolume(*volume)
	}
	if muted != nil {
		st.muted = *muted
	}
	return nil
}

// FeedAudioToStream appends source-format PCM to a stream's buffer.
func (m *Mixer) FeedAudioToStream(id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	if !ok {
		return fmt.Errorf("stream %q: %w", id, faults.ErrNotFound)
	}
	st.buf = append(st.buf, data...)
	return nil
}

// MixAudioFrames produces exactly one frame of the requested duration in
// the canonical format. Streams without a full source-rate frame are
// skipped without consuming bytes; muted streams likewise, so muting a
// stream is bit-identical to removing it. With no contributing streams
// the frame is silence.
func (m *Mixer) MixAudioFrames(frameDurationMS int) ([]byte, error) {
	frameSamples := m.cfg.SampleRate * frameDurationMS / 1000 * m.cfg.Channels
	frameBytes := frameSamples * m.cfg.SampleWidth

	m.mu.Lock()
	defer m.mu.Unlock()

	// Serve buffered output first if an earlier mix overproduced.
	if len(m.pending) >= frameBytes {
		frame := m.pending[:frameBytes]
		m.pending = m.pending[frameBytes:]
		return frame, nil
	}

	acc := make([]int32, frameSamples)
	for id, st := range m.streams {
		if st.muted {
			continue
		}
		srcFrameBytes := st.srcRate * frameDurationMS / 1000 * st.srcChannels * m.cfg.SampleWidth
		if len(st.buf) < srcFrameBytes || srcFrameBytes == 0 {
			// Not enough buffered data for this stream yet; never block
			// the others.
			continue
		}
		chunk := st.buf[:srcFrameBytes]
		st.buf = st.buf[srcFrameBytes:]

		processed, err := m.toCanonical(chunk, st.srcRate, st.srcChannels)
		if err != nil {
			return nil, fmt.Errorf("stream %q: %w", id, err)
		}

		samples := bytesToInt16(processed)
		n := len(samples)
		if n > frameSamples {
			n = frameSamples
		}
		for i := 0; i < n; i++ {
			acc[i] += int32(math.Round(float64(samples[i]) * st.volume))
		}
	}

	out := make([]int16, frameSamples)
	for i, v := range acc {
		out[i] = saturate16(v)
	}
	m.pending = append(m.pending, int16ToBytes(out)...)

	frame := m.pending[:frameBytes]
	m.pending = m.pending[frameBytes:]
	return frame, nil
}

// toCanonical converts one source chunk into the mixer's canonical
// format: channels first, then rate.
func (m *Mixer) toCanonical(data []byte, srcRate, srcChannels int) ([]byte, error) {
	var err error
	if srcChannels != m.cfg.Channels {
		if m.transcoder != nil {
			data, err = m.transcoder.ConvertChannels(data, srcChannels, m.cfg.Channels, m.cfg.SampleWidth)
		} else {
			switch {
			case srcChannels == 2 && m.cfg.Channels == 1:
				data, err = PCMTranscoder{}.ConvertChannels(data, 2, 1, m.cfg.SampleWidth)
			case srcChannels == 1 && m.cfg.Channels == 2:
				data, err = PCMTranscoder{}.ConvertChannels(data, 1, 2, m.cfg.SampleWidth)
			default:
				return nil, fmt.Errorf("channel conversion %d->%d requires a transcoder: %w",
					srcChannels, m.cfg.Channels, faults.ErrConfiguration)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if srcRate != m.cfg.SampleRate {
		if m.transcoder != nil {
			data, err = m.transcoder.Resample(data, srcRate, m.cfg.SampleRate, m.cfg.SampleWidth)
		} else {
			data, err = PCMTranscoder{}.Resample(data, srcRate, m.cfg.SampleRate, m.cfg.SampleWidth)
		}
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func clampVolume(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
