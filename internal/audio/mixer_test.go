package audio

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/loqalabs/loqa-telephony/internal/config"
	"github.com/loqalabs/loqa-telephony/internal/faults"
)

func canonicalConfig() config.AudioConfig {
	return config.AudioConfig{SampleRate: 16000, Channels: 1, SampleWidth: 2, FrameDurationMS: 20}
}

func sineTone(freq, amplitude float64, rate, samples int) []int16 {
	out := make([]int16, samples)
	for i := range out {
		out[i] = int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestMixTwoStreamsAppliesVolumeAndSaturates(t *testing.T) {
	cfg := canonicalConfig()
	m := NewMixer(cfg, nil, nil)

	const frameSamples = 320 // 20ms at 16kHz mono
	s1 := sineTone(440, 10000, cfg.SampleRate, frameSamples)
	s2 := sineTone(880, 10000, cfg.SampleRate, frameSamples)

	m.AddStream("caller", StreamConfig{Volume: 1.0})
	m.AddStream("assistant", StreamConfig{Volume: 0.5})
	if err := m.FeedAudioToStream("caller", int16ToBytes(s1)); err != nil {
		t.Fatalf("feed caller: %v", err)
	}
	if err := m.FeedAudioToStream("assistant", int16ToBytes(s2)); err != nil {
		t.Fatalf("feed assistant: %v", err)
	}

	frame, err := m.MixAudioFrames(20)
	if err != nil {
		t.Fatalf("mix: %v", err)
	}
	if len(frame) != frameSamples*2 {
		t.Fatalf("expected %d bytes, got %d", frameSamples*2, len(frame))
	}

	got := bytesToInt16(frame)
	for i := range got {
		want := saturate16(int32(s1[i]) + int32(math.Round(float64(s2[i])*0.5)))
		if got[i] != want {
			t.Fatalf("sample %d: got %d, want %d", i, got[i], want)
		}
	}
}

func TestMuteIsBitIdenticalToRemove(t *testing.T) {
	cfg := canonicalConfig()
	tone1 := int16ToBytes(sineTone(440, 9000, cfg.SampleRate, 320))
	tone2 := int16ToBytes(sineTone(660, 7000, cfg.SampleRate, 320))
	tone3 := int16ToBytes(sineTone(880, 5000, cfg.SampleRate, 320))

	muted := NewMixer(cfg, nil, nil)
	muted.AddStream("a", StreamConfig{})
	muted.AddStream("b", StreamConfig{})
	muted.AddStream("c", StreamConfig{})
	for id, data := range map[string][]byte{"a": tone1, "b": tone2, "c": tone3} {
		if err := muted.FeedAudioToStream(id, data); err != nil {
			t.Fatalf("feed %s: %v", id, err)
		}
	}
	on := true
	if err := muted.UpdateStreamSettings("b", nil, &on); err != nil {
		t.Fatalf("mute: %v", err)
	}

	removed := NewMixer(cfg, nil, nil)
	removed.AddStream("a", StreamConfig{})
	removed.AddStream("c", StreamConfig{})
	for id, data := range map[string][]byte{"a": tone1, "c": tone3} {
		if err := removed.FeedAudioToStream(id, data); err != nil {
			t.Fatalf("feed %s: %v", id, err)
		}
	}

	f1, err := muted.MixAudioFrames(20)
	if err != nil {
		t.Fatalf("mix muted: %v", err)
	}
	f2, err := removed.MixAudioFrames(20)
	if err != nil {
		t.Fatalf("mix removed: %v", err)
	}
	if !bytes.Equal(f1, f2) {
		t.Fatal("muting a stream must be bit-identical to removing it")
	}
}

func TestMixingEqualStreamsNeverShrinksMagnitude(t *testing.T) {
	cfg := canonicalConfig()
	m := NewMixer(cfg, nil, nil)
	tone := sineTone(440, 25000, cfg.SampleRate, 320)

	m.AddStream("a", StreamConfig{})
	m.AddStream("b", StreamConfig{})
	for _, id := range []string{"a", "b"} {
		if err := m.FeedAudioToStream(id, int16ToBytes(tone)); err != nil {
			t.Fatalf("feed %s: %v", id, err)
		}
	}

	frame, err := m.MixAudioFrames(20)
	if err != nil {
		t.Fatalf("mix: %v", err)
	}
	got := bytesToInt16(frame)
	for i := range got {
		in := math.Abs(float64(tone[i]))
		out := math.Abs(float64(got[i]))
		if out < in {
			t.Fatalf("sample %d: mixed magnitude %f below input %f", i, out, in)
		}
	}
}

func TestNoStreamsYieldsSilentFrameOfExactDuration(t *testing.T) {
	m := NewMixer(canonicalConfig(), nil, nil)
	frame, err := m.MixAudioFrames(20)
	if err != nil {
		t.Fatalf("mix: %v", err)
	}
	if len(frame) != 640 {
		t.Fatalf("expected 640 bytes, got %d", len(frame))
	}
	for i, b := range frame {
		if b != 0 {
			t.Fatalf("expected silence, byte %d is %d", i, b)
		}
	}
}

func TestUnderfedStreamIsSkippedWithoutConsuming(t *testing.T) {
	cfg := canonicalConfig()
	m := NewMixer(cfg, nil, nil)
	m.AddStream("slow", StreamConfig{})

	half := int16ToBytes(sineTone(440, 8000, cfg.SampleRate, 160))
	if err := m.FeedAudioToStream("slow", half); err != nil {
		t.Fatalf("feed: %v", err)
	}

	frame, err := m.MixAudioFrames(20)
	if err != nil {
		t.Fatalf("mix: %v", err)
	}
	for _, b := range frame {
		if b != 0 {
			t.Fatal("expected silence while the stream is underfed")
		}
	}

	// Completing the frame makes the buffered half usable.
	if err := m.FeedAudioToStream("slow", half); err != nil {
		t.Fatalf("feed: %v", err)
	}
	frame, err = m.MixAudioFrames(20)
	if err != nil {
		t.Fatalf("mix: %v", err)
	}
	silent := true
	for _, b := range frame {
		if b != 0 {
			silent = false
			break
		}
	}
	if silent {
		t.Fatal("expected audio once a full source frame is buffered")
	}
}

func TestUnsupportedChannelConversionWithoutTranscoder(t *testing.T) {
	cfg := canonicalConfig()
	m := NewMixer(cfg, nil, nil)
	m.AddStream("quad", StreamConfig{SourceChannels: 4})

	// One full 20ms frame of 4-channel source audio.
	data := make([]byte, cfg.SampleRate*20/1000*4*2)
	if err := m.FeedAudioToStream("quad", data); err != nil {
		t.Fatalf("feed: %v", err)
	}

	if _, err := m.MixAudioFrames(20); !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestMixedRateStreamContributes(t *testing.T) {
	cfg := canonicalConfig()
	m := NewMixer(cfg, PCMTranscoder{}, nil)
	m.AddStream("wideband", StreamConfig{SourceRate: 48000})

	src := int16ToBytes(sineTone(440, 9000, 48000, 960)) // 20ms at 48kHz
	if err := m.FeedAudioToStream("wideband", src); err != nil {
		t.Fatalf("feed: %v", err)
	}
	frame, err := m.MixAudioFrames(20)
	if err != nil {
		t.Fatalf("mix: %v", err)
	}
	if len(frame) != 640 {
		t.Fatalf("expected canonical 640-byte frame, got %d", len(frame))
	}
	silent := true
	for _, b := range frame {
		if b != 0 {
			silent = false
			break
		}
	}
	if silent {
		t.Fatal("expected resampled audio in the mixed frame")
	}
}

func TestRemoveUnknownStream(t *testing.T) {
	m := NewMixer(canonicalConfig(), nil, nil)
	if err := m.RemoveStream("ghost"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
