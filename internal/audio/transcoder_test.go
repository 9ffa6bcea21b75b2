package audio

import (
	"errors"
	"math"
	"testing"

	"github.com/loqalabs/loqa-telephony/internal/faults"
)

func TestResampleLengthInvariant(t *testing.T) {
	tr := PCMTranscoder{}
	cases := []struct {
		inSamples int
		inRate    int
		outRate   int
	}{
		{320, 8000, 16000},
		{960, 48000, 16000},
		{320, 44100, 16000},
		{160, 16000, 8000},
		{441, 44100, 48000},
	}
	for _, tc := range cases {
		in := int16ToBytes(sineTone(300, 5000, tc.inRate, tc.inSamples))
		out, err := tr.Resample(in, tc.inRate, tc.outRate, 2)
		if err != nil {
			t.Fatalf("%d->%d: %v", tc.inRate, tc.outRate, err)
		}
		wantSamples := int(math.Round(float64(tc.inSamples) * float64(tc.outRate) / float64(tc.inRate)))
		if len(out) != wantSamples*2 {
			t.Fatalf("%d->%d: got %d bytes, want %d", tc.inRate, tc.outRate, len(out), wantSamples*2)
		}
	}
}

func TestResampleSameRateIsIdentity(t *testing.T) {
	tr := PCMTranscoder{}
	in := int16ToBytes(sineTone(440, 8000, 16000, 160))
	out, err := tr.Resample(in, 16000, 16000, 2)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("identity resample changed length: %d != %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("identity resample changed byte %d", i)
		}
	}
}

func TestResampleRejectsBadParameters(t *testing.T) {
	tr := PCMTranscoder{}
	if _, err := tr.Resample([]byte{0, 0}, 16000, 8000, 1); !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error for sample width, got %v", err)
	}
	if _, err := tr.Resample([]byte{0, 0}, 0, 8000, 2); !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error for zero rate, got %v", err)
	}
}

func TestStereoToMonoSumsWithSaturation(t *testing.T) {
	tr := PCMTranscoder{}
	in := int16ToBytes([]int16{100, 200, 30000, 30000, -30000, -30000})
	out, err := tr.ConvertChannels(in, 2, 1, 2)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	got := bytesToInt16(out)
	want := []int16{300, math.MaxInt16, math.MinInt16}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereoDuplicates(t *testing.T) {
	tr := PCMTranscoder{}
	in := int16ToBytes([]int16{10, -20, 30})
	out, err := tr.ConvertChannels(in, 1, 2, 2)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	got := bytesToInt16(out)
	want := []int16{10, 10, -20, -20, 30, 30}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUnsupportedChannelLayout(t *testing.T) {
	tr := PCMTranscoder{}
	if _, err := tr.ConvertChannels(make([]byte, 12), 2, 3, 2); !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
