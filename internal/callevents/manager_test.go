package callevents

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-telephony/internal/protocol"
	"github.com/loqalabs/loqa-telephony/internal/session"
)

func newTestManager(t *testing.T, bus BusPublisher) (*Manager, *session.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewManager(logger)
	return NewManager(sessions, 4, nil, bus, logger), sessions
}

type recordingBus struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (b *recordingBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	b.payloads = append(b.payloads, data)
	return nil
}

func TestLifecycleTransitions(t *testing.T) {
	m, sessions := newTestManager(t, nil)
	s := sessions.CreateSession("c1", "+1555")
	ctx := context.Background()

	m.Publish(ctx, EventCallConnected, map[string]any{"session_id": "c1"})
	if s.State() != session.StateConnected {
		t.Fatalf("expected CONNECTED, got %s", s.State())
	}
	m.Publish(ctx, EventCallOnHold, map[string]any{"session_id": "c1"})
	if s.State() != session.StateOnHold {
		t.Fatalf("expected ON_HOLD, got %s", s.State())
	}
	m.Publish(ctx, EventCallResumed, map[string]any{"session_id": "c1"})
	if s.State() != session.StateConnected {
		t.Fatalf("expected CONNECTED after resume, got %s", s.State())
	}
	m.Publish(ctx, EventCallDisconnected, map[string]any{"session_id": "c1", "reason": "user_hangup"})
	if s.State() != session.StateDisconnected || s.EndReason() != "user_hangup" {
		t.Fatalf("expected DISCONNECTED(user_hangup), got %s(%s)", s.State(), s.EndReason())
	}
	if _, ok := sessions.GetSessionByUUID("c1"); ok {
		t.Fatal("expected disconnected session removed from the store")
	}
}

func TestHandlersObservePostTransitionState(t *testing.T) {
	m, sessions := newTestManager(t, nil)
	s := sessions.CreateSession("c2", "+1555")

	var observed session.State
	m.Subscribe(EventCallConnected, func(ctx context.Context, data map[string]any) error {
		observed = s.State()
		return nil
	})
	m.Publish(context.Background(), EventCallConnected, map[string]any{"session_id": "c2"})
	if observed != session.StateConnected {
		t.Fatalf("handler observed %s, want CONNECTED", observed)
	}
}

func TestFailingHandlerDoesNotSuppressOthers(t *testing.T) {
	m, _ := newTestManager(t, nil)

	var mu sync.Mutex
	var ran []string
	m.Subscribe("custom_event", func(ctx context.Context, data map[string]any) error {
		mu.Lock()
		ran = append(ran, "first")
		mu.Unlock()
		return errors.New("boom")
	})
	m.Subscribe("custom_event", func(ctx context.Context, data map[string]any) error {
		panic("handler panic")
	})
	m.Subscribe("custom_event", func(ctx context.Context, data map[string]any) error {
		mu.Lock()
		ran = append(ran, "third")
		mu.Unlock()
		return nil
	})

	if err := m.Publish(context.Background(), "custom_event", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 2 {
		t.Fatalf("expected the two healthy handlers to run, got %v", ran)
	}
}

func TestUnknownEventAndUnknownSessionAreNoOps(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.Publish(ctx, "never_subscribed", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("publish unknown type: %v", err)
	}
	if err := m.Publish(ctx, EventCallConnected, map[string]any{"session_id": "ghost"}); err != nil {
		t.Fatalf("publish for unknown session: %v", err)
	}
}

func TestEventsMirrorToBus(t *testing.T) {
	bus := &recordingBus{}
	m, sessions := newTestManager(t, bus)
	sessions.CreateSession("c3", "+1555")

	m.Publish(context.Background(), EventCallConnected, map[string]any{"session_id": "c3"})

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.subjects) != 1 || bus.subjects[0] != protocol.SubjectCallEventPrefix+"."+EventCallConnected {
		t.Fatalf("unexpected mirrored subjects %v", bus.subjects)
	}
	var ev protocol.CallEvent
	if err := json.Unmarshal(bus.payloads[0], &ev); err != nil {
		t.Fatalf("decode mirrored event: %v", err)
	}
	if ev.Type != EventCallConnected || ev.SessionID != "c3" {
		t.Fatalf("unexpected mirrored event %+v", ev)
	}
}
