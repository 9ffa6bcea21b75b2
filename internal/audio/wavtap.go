package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-telephony/internal/config"
)

// WAVTap writes mixed canonical frames to a WAV file for diagnostics.
// It sits outside the mixing hot path; a tap failure never affects the
// call.
type WAVTap struct {
	file *os.File
	enc  *wav.Encoder
	cfg  config.AudioConfig
}

// NewWAVTap opens a tap file named after the session in dir.
func NewWAVTap(dir, sessionID string, cfg config.AudioConfig) (*WAVTap, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tap dir: %w", err)
	}
	name := fmt.Sprintf("%s-%d.wav", sessionID, time.Now().Unix())
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("create tap file: %w", err)
	}
	enc := wav.NewEncoder(f, cfg.SampleRate, cfg.SampleWidth*8, cfg.Channels, 1)
	return &WAVTap{file: f, enc: enc, cfg: cfg}, nil
}

// Write appends one canonical PCM frame to the tap.
func (t *WAVTap) Write(frame []byte) error {
	samples := bytesToInt16(frame)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: t.cfg.Channels, SampleRate: t.cfg.SampleRate},
		Data:           data,
		SourceBitDepth: t.cfg.SampleWidth * 8,
	}
	return t.enc.Write(buf)
}

// Close finalizes the WAV header and closes the file.
func (t *WAVTap) Close() error {
	if err := t.enc.Close(); err != nil {
		t.file.Close()
		return err
	}
	return t.file.Close()
}
