package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-telephony/internal/callevents"
	"github.com/loqalabs/loqa-telephony/internal/faults"
	"github.com/loqalabs/loqa-telephony/internal/routing"
	"github.com/loqalabs/loqa-telephony/internal/session"
	"github.com/loqalabs/loqa-telephony/internal/telemetry"
)

// Events published by the handoff manager.
const (
	EventHandoffQueued     = "human_handoff_queued"
	EventHandoffAssigned   = "human_handoff_assigned"
	EventAgentAvailability = "agent_availability_changed"
)

// EventBus is the slice of the call event manager the handoff layer
// uses.
type EventBus interface {
	Publish(ctx context.Context, eventType string, data map[string]any) error
	Subscribe(eventType string, handler callevents.Handler)
}

// Auditor records handoff milestones. Best effort; nil disables
// auditing.
type Auditor interface {
	LogInteraction(ctx context.Context, kind string, data map[string]any) error
}

// Result reports the outcome of queueing a handoff.
type Result struct {
	Success       bool
	HandoffID     string
	QueuePosition int
}

// Manager queues callers for human agents and assigns them in priority
// order. Tasks for sessions that disconnect while queued are cancelled
// and never assigned.
type Manager struct {
	queue        PriorityQueue
	sessions     session.Store
	availability *routing.AvailabilityTable
	events       EventBus
	audit        Auditor
	sink         telemetry.Sink
	logger       *slog.Logger

	mu              sync.Mutex
	skills          map[string][]string
	defaultPriority int
}

func NewManager(
	queue PriorityQueue,
	sessions session.Store,
	availability *routing.AvailabilityTable,
	events EventBus,
	audit Auditor,
	sink telemetry.Sink,
	defaultPriority int,
	logger *slog.Logger,
) *Manager {
	if sink == nil {
		sink = telemetry.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if defaultPriority <= 0 {
		defaultPriority = 1
	}
	m := &Manager{
		queue:           queue,
		sessions:        sessions,
		availability:    availability,
		events:          events,
		audit:           audit,
		sink:            sink,
		logger:          logger.With("component", "handoff"),
		skills:          make(map[string][]string),
		defaultPriority: defaultPriority,
	}
	if events != nil {
		events.Subscribe(callevents.EventCallDisconnected, m.onCallDisconnected)
	}
	return m
}

func (m *Manager) onCallDisconnected(_ context.Context, data map[string]any) error {
	id, _ := data["session_id"].(string)
	if id == "" {
		return nil
	}
	if n := m.queue.CancelBySession(id); n > 0 {
		m.logger.Info("cancelled queued handoffs for disconnected call",
			"session_id", id, "cancelled", n)
	}
	return nil
}

// InitiateHandoff queues a session for a human agent. The session moves
// to AWAITING_HUMAN_HANDOFF. Priority <= 0 uses the configured default.
func (m *Manager) InitiateHandoff(ctx context.Context, sessionID, reason string, taskContext map[string]any, priority int) (Result, error) {
	s, ok := m.sessions.GetSessionByUUID(sessionID)
	if !ok {
		return Result{}, fmt.Errorf("handoff for session %q: %w", sessionID, faults.ErrNotFound)
	}
	if priority <= 0 {
		priority = m.defaultPriority
	}

	task := &Task{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Reason:     reason,
		Context:    taskContext,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	}
	position := m.queue.AddTask(task)
	s.Update(map[string]any{
		session.KeyState: session.StateAwaitingHumanHandoff,
		"handoff_id":     task.ID,
	})

	m.recordAudit(ctx, "handoff_queued", map[string]any{
		"session_id": sessionID,
		"handoff_id": task.ID,
		"reason":     reason,
		"priority":   priority,
		"position":   position,
	})
	m.sink.EmitEvent("handoff_queued", map[string]any{
		"session_id": sessionID,
		"handoff_id": task.ID,
		"priority":   priority,
	})
	m.publish(ctx, EventHandoffQueued, map[string]any{
		"session_id":     sessionID,
		"handoff_id":     task.ID,
		"queue_position": position,
	})

	m.logger.Info("handoff queued",
		"session_id", sessionID, "handoff_id", task.ID,
		"priority", priority, "position", position)
	return Result{Success: true, HandoffID: task.ID, QueuePosition: position}, nil
}

// UpdateAgentAvailability flips an agent in the shared availability
// registry and records its skills.
func (m *Manager) UpdateAgentAvailability(ctx context.Context, agentID string, available bool, skills []string) {
	m.availability.SetAvailable(agentID, available)
	m.mu.Lock()
	if skills != nil {
		m.skills[agentID] = skills
	}
	m.mu.Unlock()

	m.publish(ctx, EventAgentAvailability, map[string]any{
		"agent_id":  agentID,
		"available": available,
	})
	m.logger.Info("agent availability changed", "agent_id", agentID, "available", available)
}

// AgentSkills returns the last skills reported for an agent.
func (m *Manager) AgentSkills(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skills[agentID]
}

// AssignNextHandoff hands the highest-priority waiting task to the
// agent. An unavailable agent gets nothing and the queue is not
// consulted. Tasks whose session disconnected in the meantime are
// skipped.
func (m *Manager) AssignNextHandoff(ctx context.Context, agentID string) (*Task, bool) {
	if !m.availability.Available(agentID) {
		return nil, false
	}

	for {
		task, ok := m.queue.GetNextTask()
		if !ok {
			return nil, false
		}
		s, ok := m.sessions.GetSessionByUUID(task.SessionID)
		if !ok || s.State() == session.StateDisconnected {
			m.logger.Info("skipping handoff for ended session",
				"session_id", task.SessionID, "handoff_id", task.ID)
			continue
		}

		task.AssignedTo = agentID
		s.Update(map[string]any{
			session.KeyState:        session.StateTransferredToHuman,
			session.KeyCurrentAgent: agentID,
		})

		m.recordAudit(ctx, "handoff_assigned", map[string]any{
			"session_id": task.SessionID,
			"handoff_id": task.ID,
			"agent_id":   agentID,
		})
		m.sink.EmitEvent("handoff_assigned", map[string]any{
			"session_id": task.SessionID,
			"handoff_id": task.ID,
			"agent_id":   agentID,
		})
		m.publish(ctx, EventHandoffAssigned, map[string]any{
			"session_id": task.SessionID,
			"handoff_id": task.ID,
			"agent_id":   agentID,
		})

		m.logger.Info("handoff assigned",
			"session_id", task.SessionID, "handoff_id", task.ID, "agent_id", agentID)
		return task, true
	}
}

// QueueLength counts live queued tasks.
func (m *Manager) QueueLength() int {
	return m.queue.Len()
}

func (m *Manager) publish(ctx context.Context, eventType string, data map[string]any) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, eventType, data); err != nil {
		m.logger.Warn("failed to publish handoff event", "event_type", eventType, "error", err)
	}
}

func (m *Manager) recordAudit(ctx context.Context, kind string, data map[string]any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.LogInteraction(ctx, kind, data); err != nil {
		m.logger.Warn("audit log failed", "kind", kind, "error", err)
	}
}
