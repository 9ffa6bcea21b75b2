package session

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLifecycle(t *testing.T) {
	m := NewManager(newLogger())
	s := m.CreateSession("s1", "+15551234567")
	if s.State() != StateInitial {
		t.Fatalf("expected INITIAL, got %s", s.State())
	}

	s.Connected()
	if s.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", s.State())
	}
	s.Hold()
	if s.State() != StateOnHold {
		t.Fatalf("expected ON_HOLD, got %s", s.State())
	}
	s.Resume()
	if s.State() != StateConnected {
		t.Fatalf("expected CONNECTED after resume, got %s", s.State())
	}
	s.End("user_hangup")
	if s.State() != StateDisconnected || s.EndReason() != "user_hangup" {
		t.Fatalf("expected DISCONNECTED(user_hangup), got %s(%s)", s.State(), s.EndReason())
	}
}

func TestCreateSessionIsIdempotentPerID(t *testing.T) {
	m := NewManager(newLogger())
	a := m.CreateSession("dup", "+1")
	b := m.CreateSession("dup", "+2")
	if a != b {
		t.Fatal("expected the same session for a duplicate id")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("expected 1 active session, got %d", m.ActiveCount())
	}
}

func TestUpdateAndGet(t *testing.T) {
	m := NewManager(newLogger())
	s := m.CreateSession("", "+1")
	if s.ID() == "" {
		t.Fatal("expected generated session id")
	}

	s.Update(map[string]any{
		KeyCurrentAgent:   "medical_triage_agent",
		KeyCurrentIVRMenu: "appointment_menu",
		"handoff_id":      "h-1",
	})
	if s.CurrentAgent() != "medical_triage_agent" {
		t.Fatalf("unexpected agent %q", s.CurrentAgent())
	}
	if s.CurrentIVRMenu() != "appointment_menu" {
		t.Fatalf("unexpected menu %q", s.CurrentIVRMenu())
	}
	if got := s.Get("handoff_id", nil); got != "h-1" {
		t.Fatalf("unexpected metadata value %v", got)
	}
	if got := s.Get("missing", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for missing key, got %v", got)
	}
}

func TestEndSessionRemovesAndCleanup(t *testing.T) {
	m := NewManager(newLogger())
	m.CreateSession("gone", "+1")
	if ended := m.EndSession("gone", "normal_clear"); ended == nil {
		t.Fatal("expected ended session")
	}
	if _, ok := m.GetSessionByUUID("gone"); ok {
		t.Fatal("expected session removed from store")
	}
	if ended := m.EndSession("never-existed", "x"); ended != nil {
		t.Fatal("expected nil for unknown session")
	}

	s := m.CreateSession("stale", "+1")
	s.End("done")
	s.mu.Lock()
	s.endedAt = time.Now().Add(-time.Hour)
	s.mu.Unlock()
	if removed := m.CleanupInactive(time.Minute); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
}
