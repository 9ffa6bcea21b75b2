package auditstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-telephony/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEphemeralModeIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.AuditStoreConfig{RetentionMode: "ephemeral"}, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.LogInteraction(ctx, "routing_decision", map[string]any{"session_id": "s1"}); err != nil {
		t.Fatalf("log: %v", err)
	}
	got, err := s.ListSessionInteractions(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no stored interactions, got %v", got)
	}
}

func TestLogAndList(t *testing.T) {
	ctx := context.Background()
	cfg := config.AuditStoreConfig{
		Path:          filepath.Join(t.TempDir(), "audit.db"),
		RetentionMode: "session",
		RetentionDays: 30,
	}
	s, err := Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	entries := []map[string]any{
		{"session_id": "s1", "action": "stay_with_ai"},
		{"session_id": "s1", "action": "transfer_to_human"},
		{"session_id": "s2", "action": "disconnect"},
	}
	for _, e := range entries {
		if err := s.LogInteraction(ctx, "routing_decision", e); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	got, err := s.ListSessionInteractions(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 interactions for s1, got %d", len(got))
	}
	for _, it := range got {
		if it.Kind != "routing_decision" || it.SessionID != "s1" {
			t.Fatalf("unexpected interaction %+v", it)
		}
	}
}

func TestPruneDropsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	cfg := config.AuditStoreConfig{
		Path:          filepath.Join(t.TempDir(), "audit.db"),
		RetentionMode: "persistent",
		RetentionDays: 7,
	}
	s, err := Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	old := time.Now().Add(-30 * 24 * time.Hour)
	s.clock = func() time.Time { return old }
	if err := s.LogInteraction(ctx, "handoff_queued", map[string]any{"session_id": "stale"}); err != nil {
		t.Fatalf("log: %v", err)
	}
	s.clock = time.Now
	if err := s.LogInteraction(ctx, "handoff_queued", map[string]any{"session_id": "fresh"}); err != nil {
		t.Fatalf("log: %v", err)
	}

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if got, _ := s.ListSessionInteractions(ctx, "stale", 10); len(got) != 0 {
		t.Fatalf("expected stale entries pruned, got %d", len(got))
	}
	if got, _ := s.ListSessionInteractions(ctx, "fresh", 10); len(got) != 1 {
		t.Fatalf("expected fresh entry retained, got %d", len(got))
	}
}
