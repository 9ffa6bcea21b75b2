package handoff

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-telephony/internal/callevents"
	"github.com/loqalabs/loqa-telephony/internal/faults"
	"github.com/loqalabs/loqa-telephony/internal/routing"
	"github.com/loqalabs/loqa-telephony/internal/session"
)

type fixture struct {
	manager  *Manager
	sessions *session.Manager
	events   *callevents.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewManager(logger)
	events := callevents.NewManager(sessions, 4, nil, nil, logger)
	availability := routing.NewAvailabilityTable(nil)
	m := NewManager(NewHeapQueue(), sessions, availability, events, nil, nil, 1, logger)
	return &fixture{manager: m, sessions: sessions, events: events}
}

func (f *fixture) connectedSession(id string) *session.CallSession {
	s := f.sessions.CreateSession(id, "+15550001111")
	s.Connected()
	return s
}

func TestInitiateHandoffQueuesAndMarksSession(t *testing.T) {
	f := newFixture(t)
	s := f.connectedSession("h1")

	res, err := f.manager.InitiateHandoff(context.Background(), "h1", "caller_request", map[string]any{"topic": "billing"}, 2)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !res.Success || res.HandoffID == "" || res.QueuePosition != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if s.State() != session.StateAwaitingHumanHandoff {
		t.Fatalf("session state %s, want AWAITING_HUMAN_HANDOFF", s.State())
	}
	if got := s.Get("handoff_id", nil); got != res.HandoffID {
		t.Fatalf("session handoff_id %v, want %s", got, res.HandoffID)
	}
}

func TestInitiateHandoffUnknownSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.InitiateHandoff(context.Background(), "ghost", "r", nil, 1); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestAssignmentFollowsPriorityOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, priority := range []int{3, 5, 1} {
		id := []string{"p3", "p5", "p1"}[i]
		f.connectedSession(id)
		if _, err := f.manager.InitiateHandoff(ctx, id, "caller_request", nil, priority); err != nil {
			t.Fatalf("initiate %s: %v", id, err)
		}
	}
	f.manager.UpdateAgentAvailability(ctx, "agent-7", true, []string{"triage"})

	for _, want := range []string{"p5", "p3", "p1"} {
		task, ok := f.manager.AssignNextHandoff(ctx, "agent-7")
		if !ok || task.SessionID != want {
			t.Fatalf("expected %s next, got %+v (ok=%v)", want, task, ok)
		}
		if task.AssignedTo != "agent-7" {
			t.Fatalf("task not marked assigned: %+v", task)
		}
		s, _ := f.sessions.GetSessionByUUID(want)
		if s.State() != session.StateTransferredToHuman || s.CurrentAgent() != "agent-7" {
			t.Fatalf("session %s: state %s agent %s", want, s.State(), s.CurrentAgent())
		}
	}
	if _, ok := f.manager.AssignNextHandoff(ctx, "agent-7"); ok {
		t.Fatal("expected empty queue")
	}
}

func TestUnavailableAgentGetsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectedSession("w1")
	if _, err := f.manager.InitiateHandoff(ctx, "w1", "r", nil, 1); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if _, ok := f.manager.AssignNextHandoff(ctx, "agent-offline"); ok {
		t.Fatal("an unavailable agent must not receive tasks")
	}
	if f.manager.QueueLength() != 1 {
		t.Fatal("the queue must not be consulted for an unavailable agent")
	}
}

func TestDisconnectedCallIsNeverAssigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connectedSession("gone")
	f.connectedSession("alive")
	if _, err := f.manager.InitiateHandoff(ctx, "gone", "r", nil, 5); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := f.manager.InitiateHandoff(ctx, "alive", "r", nil, 1); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// The event hub ends the session and the handoff manager's
	// subscription cancels its queued task.
	f.events.Publish(ctx, callevents.EventCallDisconnected, map[string]any{
		"session_id": "gone", "reason": "user_hangup",
	})

	f.manager.UpdateAgentAvailability(ctx, "agent-1", true, nil)
	task, ok := f.manager.AssignNextHandoff(ctx, "agent-1")
	if !ok || task.SessionID != "alive" {
		t.Fatalf("expected the live session's task, got %+v (ok=%v)", task, ok)
	}
}

func TestAvailabilityUpdatePublishesEvent(t *testing.T) {
	f := newFixture(t)
	var observed map[string]any
	f.events.Subscribe(EventAgentAvailability, func(ctx context.Context, data map[string]any) error {
		observed = data
		return nil
	})

	f.manager.UpdateAgentAvailability(context.Background(), "agent-9", true, []string{"billing", "triage"})
	if observed == nil || observed["agent_id"] != "agent-9" || observed["available"] != true {
		t.Fatalf("unexpected event payload %v", observed)
	}
	if skills := f.manager.AgentSkills("agent-9"); len(skills) != 2 {
		t.Fatalf("unexpected skills %v", skills)
	}
}
