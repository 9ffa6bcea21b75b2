// Package callevents is the in-process publish/subscribe hub for call
// lifecycle events. Publishing an event forwards it to telemetry,
// applies the session-state transition it implies, then fans out to
// subscribed handlers with bounded concurrency.
package callevents

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-telephony/internal/protocol"
	"github.com/loqalabs/loqa-telephony/internal/session"
	"github.com/loqalabs/loqa-telephony/internal/telemetry"
)

// Well-known lifecycle event types. Any other string is a legal event
// type with no session-state side effect.
const (
	EventCallConnected    = "call_connected"
	EventCallDisconnected = "call_disconnected"
	EventCallOnHold       = "call_on_hold"
	EventCallResumed      = "call_resumed"
)

// Handler processes one published event. Handlers run concurrently with
// each other, bounded by the configured concurrency.
type Handler func(ctx context.Context, data map[string]any) error

// SessionStore is the slice of the session manager the event hub needs.
type SessionStore interface {
	GetSessionByUUID(id string) (*session.CallSession, bool)
	EndSession(id, reason string) *session.CallSession
}

// BusPublisher mirrors events onto the message bus. Nil disables
// mirroring.
type BusPublisher interface {
	Publish(subject string, data []byte) error
}

type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	sessions SessionStore
	sink     telemetry.Sink
	logger   *slog.Logger
	bus      BusPublisher
	sem      chan struct{}
}

func NewManager(sessions SessionStore, concurrency int, sink telemetry.Sink, bus BusPublisher, logger *slog.Logger) *Manager {
	if concurrency <= 0 {
		concurrency = 1
	}
	if sink == nil {
		sink = telemetry.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handlers: make(map[string][]Handler),
		sessions: sessions,
		sink:     sink,
		logger:   logger.With("component", "callevents"),
		bus:      bus,
		sem:      make(chan struct{}, concurrency),
	}
}

// Subscribe registers a handler for an event type. Multiple handlers
// per type are invoked in registration order, subject to the
// concurrency bound.
func (m *Manager) Subscribe(eventType string, handler Handler) {
	m.mu.Lock()
	m.handlers[eventType] = append(m.handlers[eventType], handler)
	m.mu.Unlock()
}

// Publish forwards the event to telemetry, applies the session-state
// transition for lifecycle events, mirrors it onto the bus when one is
// attached, then runs the subscribed handlers. It returns once every
// handler has finished; a failing or panicking handler never suppresses
// the others.
func (m *Manager) Publish(ctx context.Context, eventType string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	m.sink.EmitEvent(eventType, data)
	m.applyTransition(eventType, data)
	m.mirror(eventType, data)

	m.mu.RLock()
	handlers := make([]Handler, len(m.handlers[eventType]))
	copy(handlers, m.handlers[eventType])
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		m.sem <- struct{}{}
		go func(idx int, h Handler) {
			defer wg.Done()
			defer func() { <-m.sem }()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("event handler panicked",
						"event_type", eventType, "handler_index", idx, "panic", r)
				}
			}()
			if err := h(ctx, data); err != nil {
				m.logger.Warn("event handler failed",
					"event_type", eventType, "handler_index", idx, "error", err)
			}
		}(i, h)
	}
	wg.Wait()
	return nil
}

func (m *Manager) applyTransition(eventType string, data map[string]any) {
	switch eventType {
	case EventCallConnected, EventCallDisconnected, EventCallOnHold, EventCallResumed:
	default:
		return
	}
	id, _ := data["session_id"].(string)
	if id == "" {
		m.logger.Warn("lifecycle event without session_id", "event_type", eventType)
		return
	}

	if eventType == EventCallDisconnected {
		reason, _ := data["reason"].(string)
		if ended := m.sessions.EndSession(id, reason); ended == nil {
			m.logger.Warn("lifecycle event for unknown session",
				"event_type", eventType, "session_id", id)
		}
		return
	}

	s, ok := m.sessions.GetSessionByUUID(id)
	if !ok {
		m.logger.Warn("lifecycle event for unknown session",
			"event_type", eventType, "session_id", id)
		return
	}
	switch eventType {
	case EventCallConnected:
		s.Connected()
	case EventCallOnHold:
		s.Hold()
	case EventCallResumed:
		s.Resume()
	}
}

// mirror publishes the event as JSON on call.event.<type>. Mirroring is
// best effort; bus failures are logged and ignored.
func (m *Manager) mirror(eventType string, data map[string]any) {
	if m.bus == nil {
		return
	}
	id, _ := data["session_id"].(string)
	payload, err := json.Marshal(protocol.CallEvent{
		Type:      eventType,
		SessionID: id,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		m.logger.Warn("failed to encode event for bus mirror", "event_type", eventType, "error", err)
		return
	}
	subject := protocol.SubjectCallEventPrefix + "." + eventType
	if err := m.bus.Publish(subject, payload); err != nil {
		m.logger.Warn("failed to mirror event to bus", "subject", subject, "error", err)
	}
}
