// Package session owns the per-call state machine and the in-memory
// session store shared by the event, routing, and handoff managers.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateInitial              State = "INITIAL"
	StateConnected            State = "CONNECTED"
	StateOnHold               State = "ON_HOLD"
	StateAwaitingHumanHandoff State = "AWAITING_HUMAN_HANDOFF"
	StateTransferredToHuman   State = "TRANSFERRED_TO_HUMAN"
	StateDisconnected         State = "DISCONNECTED"
)

// Well-known keys accepted by CallSession.Update.
const (
	KeyCurrentAgent   = "current_agent"
	KeyCurrentIVRMenu = "current_ivr_menu"
	KeyState          = "state"
)

// CallSession holds one call's lifecycle. All mutators are safe for
// concurrent use; events and routing touch the same session.
type CallSession struct {
	mu             sync.Mutex
	id             string
	callerID       string
	state          State
	endReason      string
	currentAgent   string
	currentIVRMenu string
	meta           map[string]any
	createdAt      time.Time
	endedAt        time.Time
}

func (s *CallSession) ID() string { return s.id }

func (s *CallSession) CallerID() string { return s.callerID }

func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

func (s *CallSession) CurrentAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentAgent
}

func (s *CallSession) CurrentIVRMenu() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentIVRMenu
}

// Connected transitions the session to CONNECTED.
func (s *CallSession) Connected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnected
}

// End transitions the session to DISCONNECTED with a reason.
func (s *CallSession) End(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return
	}
	s.state = StateDisconnected
	s.endReason = reason
	s.endedAt = time.Now()
}

// Hold places the session ON_HOLD.
func (s *CallSession) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateOnHold
}

// Resume returns a held session to CONNECTED.
func (s *CallSession) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnected
}

// Update merges fields into the session. Known keys land on typed
// fields; everything else goes into the metadata bag.
func (s *CallSession) Update(fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range fields {
		switch k {
		case KeyCurrentAgent:
			if agent, ok := v.(string); ok {
				s.currentAgent = agent
			}
		case KeyCurrentIVRMenu:
			if menu, ok := v.(string); ok {
				s.currentIVRMenu = menu
			}
		case KeyState:
			if st, ok := v.(State); ok {
				s.state = st
			}
		default:
			s.meta[k] = v
		}
	}
}

// Get returns a metadata value, or def when absent.
func (s *CallSession) Get(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case KeyCurrentAgent:
		if s.currentAgent == "" {
			return def
		}
		return s.currentAgent
	case KeyCurrentIVRMenu:
		if s.currentIVRMenu == "" {
			return def
		}
		return s.currentIVRMenu
	}
	if v, ok := s.meta[key]; ok {
		return v
	}
	return def
}

// Duration reports the call length so far, or total length once ended.
func (s *CallSession) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.createdAt)
	}
	return time.Since(s.createdAt)
}

// Store is the lookup surface the pipeline components depend on.
type Store interface {
	GetSessionByUUID(id string) (*CallSession, bool)
}

// Manager is the in-memory session store. One mutex guards the table;
// per-session state has its own lock.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*CallSession
	log      *slog.Logger
}

func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*CallSession),
		log:      log.With(slog.String("component", "session-store")),
	}
}

// CreateSession registers a new session. When id is empty a UUID is
// generated. Creating an existing id returns the existing session,
// preserving the one-session-per-id invariant.
func (m *Manager) CreateSession(id, callerID string) *CallSession {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		m.log.Warn("session already exists", slog.String("session_id", id))
		return existing
	}
	s := &CallSession{
		id:        id,
		callerID:  callerID,
		state:     StateInitial,
		meta:      make(map[string]any),
		createdAt: time.Now(),
	}
	m.sessions[id] = s
	m.log.Info("session created", slog.String("session_id", id))
	return s
}

func (m *Manager) GetSessionByUUID(id string) (*CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// EndSession ends and removes a session. Unknown ids are a logged no-op.
func (m *Manager) EndSession(id, reason string) *CallSession {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		m.log.Warn("attempted to end unknown session", slog.String("session_id", id))
		return nil
	}
	s.End(reason)
	m.log.Info("session ended",
		slog.String("session_id", id),
		slog.String("reason", reason),
		slog.Duration("duration", s.Duration()))
	return s
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CleanupInactive drops sessions that disconnected more than maxAge ago.
func (m *Manager) CleanupInactive(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		s.mu.Lock()
		stale := s.state == StateDisconnected && !s.endedAt.IsZero() && time.Since(s.endedAt) > maxAge
		s.mu.Unlock()
		if stale {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}
