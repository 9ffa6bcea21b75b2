// Package media is the WebSocket feeder surface: external call legs
// stream raw PCM in, mixed canonical frames stream back out. All
// network I/O stays here, outside the mixing and detection hot path.
package media

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-telephony/internal/audio"
	"github.com/loqalabs/loqa-telephony/internal/callevents"
	"github.com/loqalabs/loqa-telephony/internal/config"
	"github.com/loqalabs/loqa-telephony/internal/dtmf"
	"github.com/loqalabs/loqa-telephony/internal/protocol"
	"github.com/loqalabs/loqa-telephony/internal/session"
	"github.com/loqalabs/loqa-telephony/internal/telemetry"
)

// CallerStreamID names the inbound leg on every session's mixer.
const CallerStreamID = "caller"

// FramePublisher mirrors mixed frames onto the bus for external
// consumers (recorders, monitors). Nil disables mirroring.
type FramePublisher interface {
	Publish(subject string, data []byte) error
}

// controlMessage is the JSON control channel alongside the binary
// audio: callers adjust stream volume or mute without a second socket.
type controlMessage struct {
	Type     string   `json:"type"` // volume | mute
	StreamID string   `json:"stream_id"`
	Volume   *float64 `json:"volume,omitempty"`
	Muted    *bool    `json:"muted,omitempty"`
}

// Ingress upgrades feeder connections and runs one pipeline per call.
type Ingress struct {
	cfg      config.MediaConfig
	audioCfg config.AudioConfig
	dtmfCfg  config.DTMFConfig
	sessions *session.Manager
	events   *callevents.Manager
	frames   FramePublisher
	sink     telemetry.Sink
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewIngress(
	cfg config.MediaConfig,
	audioCfg config.AudioConfig,
	dtmfCfg config.DTMFConfig,
	sessions *session.Manager,
	events *callevents.Manager,
	frames FramePublisher,
	sink telemetry.Sink,
	logger *slog.Logger,
) *Ingress {
	if sink == nil {
		sink = telemetry.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		cfg:      cfg,
		audioCfg: audioCfg,
		dtmfCfg:  dtmfCfg,
		sessions: sessions,
		events:   events,
		frames:   frames,
		sink:     sink,
		logger:   logger.With("component", "media"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles one feeder connection for its whole lifetime.
func (i *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := i.upgrader.Upgrade(w, r, nil)
	if err != nil {
		i.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	q := r.URL.Query()
	sessionID := q.Get("session_id")
	callerID := q.Get("caller_id")
	srcRate := queryInt(q.Get("sample_rate"), i.audioCfg.SampleRate)
	srcChannels := queryInt(q.Get("channels"), i.audioCfg.Channels)

	s := i.sessions.CreateSession(sessionID, callerID)
	sessionID = s.ID()
	log := i.logger.With("session_id", sessionID)

	ctx := r.Context()
	i.publish(ctx, callevents.EventCallConnected, map[string]any{
		"session_id": sessionID,
		"caller_id":  callerID,
	})

	transcoder := audio.PCMTranscoder{}
	mixer := audio.NewMixer(i.audioCfg, transcoder, i.sink)
	mixer.AddStream(CallerStreamID, audio.StreamConfig{
		SourceRate:     srcRate,
		SourceChannels: srcChannels,
	})
	detector := dtmf.NewDetector(sessionID, i.dtmfCfg, i.audioCfg, i.events, i.sink, log)

	var tap *audio.WAVTap
	if i.cfg.TapDir != "" {
		tap, err = audio.NewWAVTap(i.cfg.TapDir, sessionID, i.audioCfg)
		if err != nil {
			log.Warn("failed to open wav tap", "error", err)
		}
	}
	if tap != nil {
		defer tap.Close()
	}

	done := make(chan struct{})
	go i.mixLoop(sessionID, conn, mixer, tap, done, log)

	reason := i.readLoop(ctx, conn, mixer, detector, transcoder, srcRate, srcChannels, log)
	close(done)

	i.publish(context.WithoutCancel(ctx), callevents.EventCallDisconnected, map[string]any{
		"session_id": sessionID,
		"reason":     reason,
	})
	log.Info("media stream closed", "reason", reason)
}

// readLoop consumes binary PCM and JSON control messages until the peer
// goes away. It returns the disconnect reason.
func (i *Ingress) readLoop(
	ctx context.Context,
	conn *websocket.Conn,
	mixer *audio.Mixer,
	detector *dtmf.Detector,
	transcoder audio.Transcoder,
	srcRate, srcChannels int,
	log *slog.Logger,
) string {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "user_hangup"
			}
			return "media_stream_error"
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := mixer.FeedAudioToStream(CallerStreamID, data); err != nil {
				log.Warn("failed to feed mixer", "error", err)
			}
			canonical, err := i.toCanonical(data, transcoder, srcRate, srcChannels)
			if err != nil {
				log.Warn("cannot convert frame for dtmf analysis", "error", err)
				continue
			}
			detector.ProcessAudio(ctx, canonical)
		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("bad control message", "error", err)
				continue
			}
			i.applyControl(mixer, msg, log)
		}
	}
}

func (i *Ingress) applyControl(mixer *audio.Mixer, msg controlMessage, log *slog.Logger) {
	streamID := msg.StreamID
	if streamID == "" {
		streamID = CallerStreamID
	}
	switch msg.Type {
	case "volume":
		if err := mixer.UpdateStreamSettings(streamID, msg.Volume, nil); err != nil {
			log.Warn("volume update failed", "stream_id", streamID, "error", err)
		}
	case "mute":
		if err := mixer.UpdateStreamSettings(streamID, nil, msg.Muted); err != nil {
			log.Warn("mute update failed", "stream_id", streamID, "error", err)
		}
	default:
		log.Warn("unknown control message type", "type", msg.Type)
	}
}

// mixLoop emits one mixed frame per frame duration back to the feeder
// until the read side finishes.
func (i *Ingress) mixLoop(sessionID string, conn *websocket.Conn, mixer *audio.Mixer, tap *audio.WAVTap, done <-chan struct{}, log *slog.Logger) {
	interval := time.Duration(i.audioCfg.FrameDurationMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sequence := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			frame, err := mixer.MixAudioFrames(i.audioCfg.FrameDurationMS)
			if err != nil {
				log.Error("mixing failed", "error", err)
				return
			}
			sequence++
			if tap != nil {
				if err := tap.Write(frame); err != nil {
					log.Warn("wav tap write failed", "error", err)
					tap = nil
				}
			}
			i.mirrorFrame(sessionID, sequence, frame, log)
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}

// mirrorFrame publishes the mixed frame to the bus; best effort.
func (i *Ingress) mirrorFrame(sessionID string, sequence int, frame []byte, log *slog.Logger) {
	if i.frames == nil {
		return
	}
	payload, err := json.Marshal(protocol.AudioFrame{
		SessionID:  sessionID,
		StreamID:   "mixed",
		Sequence:   sequence,
		SampleRate: i.audioCfg.SampleRate,
		Channels:   i.audioCfg.Channels,
		PCM:        frame,
	})
	if err != nil {
		log.Warn("failed to encode audio frame", "error", err)
		return
	}
	subject := protocol.SubjectAudioFramePrefix + "." + sessionID
	if err := i.frames.Publish(subject, payload); err != nil {
		log.Warn("failed to mirror audio frame", "error", err)
	}
}

func (i *Ingress) toCanonical(data []byte, transcoder audio.Transcoder, srcRate, srcChannels int) ([]byte, error) {
	var err error
	if srcChannels != i.audioCfg.Channels {
		data, err = transcoder.ConvertChannels(data, srcChannels, i.audioCfg.Channels, i.audioCfg.SampleWidth)
		if err != nil {
			return nil, err
		}
	}
	if srcRate != i.audioCfg.SampleRate {
		data, err = transcoder.Resample(data, srcRate, i.audioCfg.SampleRate, i.audioCfg.SampleWidth)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (i *Ingress) publish(ctx context.Context, eventType string, data map[string]any) {
	if i.events == nil {
		return
	}
	if err := i.events.Publish(ctx, eventType, data); err != nil {
		i.logger.Warn("failed to publish media event", "event_type", eventType, "error", err)
	}
}

func queryInt(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
