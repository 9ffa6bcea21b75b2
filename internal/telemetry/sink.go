// Package telemetry provides the fire-and-forget event sink used across
// the call pipeline. Emitting must never raise back into the core.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink receives named operational events with a loose payload.
type Sink interface {
	EmitEvent(name string, data map[string]any)
}

// OTelSink counts events per name on an OTel counter and logs them at
// debug level.
type OTelSink struct {
	log     *slog.Logger
	counter metric.Int64Counter
}

func NewOTelSink(log *slog.Logger) *OTelSink {
	meter := otel.Meter("github.com/loqalabs/loqa-telephony")
	counter, err := meter.Int64Counter("telephony_events_total",
		metric.WithDescription("Count of telephony pipeline events by name"))
	if err != nil {
		log.Warn("failed to create telemetry counter", slog.String("error", err.Error()))
	}
	return &OTelSink{
		log:     log.With(slog.String("component", "telemetry")),
		counter: counter,
	}
}

func (s *OTelSink) EmitEvent(name string, data map[string]any) {
	// Telemetry must never take down a live call.
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("telemetry emit panicked", slog.Any("panic", r))
		}
	}()

	if s.counter != nil {
		s.counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", name)))
	}
	s.log.Debug("event", slog.String("name", name), slog.Any("data", data))
}

// Noop discards every event. Used in tests and as a safe default.
type Noop struct{}

func (Noop) EmitEvent(string, map[string]any) {}
