// Package dtmf detects ITU-T Q.23 telephone keypad tones in canonical
// PCM audio using per-frequency Goertzel filters over overlapping
// analysis windows.
package dtmf

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/loqa-telephony/internal/config"
	"github.com/loqalabs/loqa-telephony/internal/telemetry"
)

// EventPublisher receives confirmed digits. The call event manager
// satisfies this; tests use a recording stub.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data map[string]any) error
}

// EventDTMFReceived is published once per confirmed digit.
const EventDTMFReceived = "dtmf_received"

var rowFreqs = [4]float64{697, 770, 852, 941}
var colFreqs = [4]float64{1209, 1336, 1477, 1633}

var digitTable = [4][4]string{
	{"1", "2", "3", "A"},
	{"4", "5", "6", "B"},
	{"7", "8", "9", "C"},
	{"*", "0", "#", "D"},
}

// Detector finds keypad tones in one session's audio. Instances are not
// safe for concurrent use; each session's feeder owns its detector.
type Detector struct {
	cfg       config.DTMFConfig
	audio     config.AudioConfig
	sessionID string
	events    EventPublisher
	sink      telemetry.Sink
	logger    *slog.Logger

	buf              []int16
	windowSamples    int
	stepSamples      int
	minToneSamples   int
	candidate        string
	candidateSamples int
	lastEmitted      string
	hann             []float64
}

func NewDetector(sessionID string, cfg config.DTMFConfig, audio config.AudioConfig, events EventPublisher, sink telemetry.Sink, logger *slog.Logger) *Detector {
	if sink == nil {
		sink = telemetry.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	windowSamples := audio.SampleRate * cfg.WindowMS / 1000
	hann := make([]float64, windowSamples)
	for i := range hann {
		hann[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(windowSamples-1))
	}
	return &Detector{
		cfg:            cfg,
		audio:          audio,
		sessionID:      sessionID,
		events:         events,
		sink:           sink,
		logger:         logger.With("component", "dtmf", "session_id", sessionID),
		windowSamples:  windowSamples,
		stepSamples:    audio.SampleRate * cfg.StepMS / 1000,
		minToneSamples: audio.SampleRate * cfg.MinToneDurationMS / 1000,
		hann:           hann,
	}
}

// ProcessAudio consumes canonical PCM and returns the digits confirmed
// within it, in order. A digit is confirmed once its tone has persisted
// for the minimum duration; a continuing tone is not re-emitted, and
// silence or a different tone re-arms the detector.
func (d *Detector) ProcessAudio(ctx context.Context, data []byte) []string {
	for i := 0; i+1 < len(data); i += 2 {
		d.buf = append(d.buf, int16(binary.LittleEndian.Uint16(data[i:])))
	}

	var confirmed []string
	for len(d.buf) >= d.windowSamples {
		digit := d.analyzeWindow(d.buf[:d.windowSamples])
		d.buf = d.buf[d.stepSamples:]

		switch {
		case digit == "":
			d.candidate = ""
			d.candidateSamples = 0
			d.lastEmitted = ""
		case digit == d.candidate:
			d.candidateSamples += d.stepSamples
		default:
			d.candidate = digit
			d.candidateSamples = d.stepSamples
			d.lastEmitted = ""
		}

		if d.candidate != "" && d.candidateSamples >= d.minToneSamples && d.candidate != d.lastEmitted {
			d.lastEmitted = d.candidate
			confirmed = append(confirmed, d.candidate)
			d.emit(ctx, d.candidate)
		}
	}
	return confirmed
}

func (d *Detector) emit(ctx context.Context, digit string) {
	d.logger.Debug("dtmf digit confirmed", "digit", digit)
	d.sink.EmitEvent("dtmf_digit_detected", map[string]any{
		"session_id": d.sessionID,
		"digit":      digit,
	})
	if d.events == nil {
		return
	}
	if err := d.events.Publish(ctx, EventDTMFReceived, map[string]any{
		"session_id": d.sessionID,
		"digit":      digit,
		"timestamp":  time.Now().UTC(),
	}); err != nil {
		d.logger.Warn("failed to publish dtmf event", "digit", digit, "error", err)
	}
}

// analyzeWindow returns the digit whose row and column tones are both
// the strongest in their group and above the power threshold, or "".
func (d *Detector) analyzeWindow(window []int16) string {
	windowed := make([]float64, len(window))
	for i, s := range window {
		windowed[i] = float64(s) * d.hann[i]
	}

	rowIdx, rowMag := strongest(windowed, d.audio.SampleRate, rowFreqs)
	colIdx, colMag := strongest(windowed, d.audio.SampleRate, colFreqs)
	if rowMag < d.cfg.PowerThreshold || colMag < d.cfg.PowerThreshold {
		return ""
	}
	return digitTable[rowIdx][colIdx]
}

func strongest(samples []float64, rate int, freqs [4]float64) (int, float64) {
	best, bestMag := 0, -1.0
	for i, f := range freqs {
		mag := goertzelMagnitude(samples, f, rate)
		if mag > bestMag {
			best, bestMag = i, mag
		}
	}
	return best, bestMag
}

// goertzelMagnitude computes the spectral magnitude at freq using the
// Goertzel recurrence, cheaper than a full FFT for 8 fixed bins.
func goertzelMagnitude(samples []float64, freq float64, rate int) float64 {
	n := float64(len(samples))
	k := math.Round(n * freq / float64(rate))
	w := 2 * math.Pi * k / n
	coeff := 2 * math.Cos(w)

	var s1, s2 float64
	for _, x := range samples {
		s0 := x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return math.Sqrt(s1*s1 + s2*s2 - coeff*s1*s2)
}
