// Package routing turns caller input, DTMF digits or classified
// speech, into exactly one routing decision per call leg.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-telephony/internal/config"
	"github.com/loqalabs/loqa-telephony/internal/emergency"
	"github.com/loqalabs/loqa-telephony/internal/faults"
	"github.com/loqalabs/loqa-telephony/internal/intent"
	"github.com/loqalabs/loqa-telephony/internal/ivr"
	"github.com/loqalabs/loqa-telephony/internal/session"
	"github.com/loqalabs/loqa-telephony/internal/telemetry"
)

// Action is the routing outcome for one input. Every call to RouteCall
// resolves to exactly one of these.
type Action string

const (
	ActionStayWithAI          Action = "stay_with_ai"
	ActionRouteToAgent        Action = "route_to_agent"
	ActionTransferToHuman     Action = "transfer_to_human"
	ActionTransferToVoicemail Action = "transfer_to_human_voicemail"
	ActionTransferToEmergency Action = "transfer_to_emergency_services"
	ActionDisconnect          Action = "disconnect"

	// ActionPlayIVRMenu is the one non-terminal outcome: the caller
	// stays in the IVR and the named menu's prompt is played.
	ActionPlayIVRMenu Action = "play_ivr_menu"
)

// Decision is what the call-control layer acts on.
type Decision struct {
	Action Action
	Target string
	Reason string
	Prompt string
}

// Input carries either a keypad digit or an utterance, never both.
type Input struct {
	Digit string
	Text  string
}

func DTMFInput(digit string) Input { return Input{Digit: digit} }
func SpeechInput(text string) Input { return Input{Text: text} }

const IntentMedicalEmergency = "medical_emergency"

// Manager resolves routing decisions against the IVR tree, the intent
// table, the emergency dial plan, and the availability registry.
type Manager struct {
	cfg          config.RoutingConfig
	navigator    ivr.Navigator
	classifier   intent.Classifier
	emergencies  emergency.Router
	sessions     session.Store
	availability *AvailabilityTable
	sink         telemetry.Sink
	logger       *slog.Logger

	hoursStart time.Duration
	hoursEnd   time.Duration
	now        func() time.Time
}

func NewManager(
	cfg config.RoutingConfig,
	navigator ivr.Navigator,
	classifier intent.Classifier,
	emergencies emergency.Router,
	sessions session.Store,
	availability *AvailabilityTable,
	sink telemetry.Sink,
	logger *slog.Logger,
) (*Manager, error) {
	start, err := config.ParseClock(cfg.OperatingHoursStart)
	if err != nil {
		return nil, fmt.Errorf("operating hours start: %w", err)
	}
	end, err := config.ParseClock(cfg.OperatingHoursEnd)
	if err != nil {
		return nil, fmt.Errorf("operating hours end: %w", err)
	}
	if sink == nil {
		sink = telemetry.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:          cfg,
		navigator:    navigator,
		classifier:   classifier,
		emergencies:  emergencies,
		sessions:     sessions,
		availability: availability,
		sink:         sink,
		logger:       logger.With("component", "routing"),
		hoursStart:   start,
		hoursEnd:     end,
		now:          time.Now,
	}, nil
}

// RouteCall resolves one input for one session. It always terminates in
// a defined action; an unknown session disconnects rather than failing.
func (m *Manager) RouteCall(ctx context.Context, sessionID string, input Input) Decision {
	s, ok := m.sessions.GetSessionByUUID(sessionID)
	if !ok {
		m.logger.Warn("routing input for unknown session", "session_id", sessionID)
		return Decision{Action: ActionDisconnect, Reason: "unknown_session"}
	}

	var d Decision
	if input.Digit != "" {
		d = m.routeDTMF(ctx, s, input.Digit)
	} else {
		d = m.routeSpeech(ctx, s, input.Text)
	}

	m.sink.EmitEvent("routing_decision", map[string]any{
		"session_id": sessionID,
		"action":     string(d.Action),
		"target":     d.Target,
		"reason":     d.Reason,
	})
	return d
}

func (m *Manager) routeDTMF(ctx context.Context, s *session.CallSession, digit string) Decision {
	menuID := s.CurrentIVRMenu()
	if menuID == "" {
		menuID = m.navigator.RootMenu()
	}

	res, err := m.navigator.Navigate(menuID, digit)
	if errors.Is(err, faults.ErrNotFound) {
		// A stale menu reference restarts navigation at the root.
		menuID = m.navigator.RootMenu()
		res, err = m.navigator.Navigate(menuID, digit)
	}
	if err != nil {
		m.logger.Error("ivr navigation failed", "session_id", s.ID(), "menu", menuID, "error", err)
		return Decision{Action: ActionDisconnect, Reason: "ivr_navigation_failed"}
	}

	switch res.Kind {
	case ivr.KindEmergency:
		return m.escalate(ctx, s, "ivr_emergency_digit")
	case ivr.KindSubmenu:
		s.Update(map[string]any{session.KeyCurrentIVRMenu: res.NextMenu})
		return Decision{Action: ActionPlayIVRMenu, Target: res.NextMenu, Prompt: res.Prompt, Reason: "ivr_submenu"}
	case ivr.KindRepeat:
		s.Update(map[string]any{session.KeyCurrentIVRMenu: res.NextMenu})
		return Decision{Action: ActionPlayIVRMenu, Target: res.NextMenu, Prompt: res.Prompt, Reason: "ivr_repeat"}
	case ivr.KindHumanAgent:
		return m.resolveAgent(s, m.cfg.HumanOperator, ActionTransferToHuman, "ivr_human_request")
	case ivr.KindAIAssistant:
		return m.resolveAgent(s, m.cfg.DefaultAgent, ActionStayWithAI, "ivr_ai_default")
	case ivr.KindHangup:
		return Decision{Action: ActionDisconnect, Reason: "ivr_hangup"}
	}
	m.logger.Error("unhandled ivr result", "session_id", s.ID(), "kind", string(res.Kind))
	return Decision{Action: ActionDisconnect, Reason: "ivr_navigation_failed"}
}

func (m *Manager) routeSpeech(ctx context.Context, s *session.CallSession, text string) Decision {
	if emergency.ContainsEmergencyKeywords(text) {
		return m.escalate(ctx, s, "emergency_keywords")
	}

	classified := intent.Result{PrimaryIntent: intent.IntentGeneralQuestion}
	if m.classifier != nil {
		res, err := m.classifier.Classify(ctx, text)
		if err != nil {
			m.logger.Warn("intent classification failed, using fallback",
				"session_id", s.ID(), "error", err)
		} else {
			classified = res
		}
	}

	if classified.PrimaryIntent == IntentMedicalEmergency {
		return m.escalate(ctx, s, "medical_emergency_intent")
	}

	agent, mapped := m.cfg.IntentAgents[classified.PrimaryIntent]
	if !mapped || agent == "" {
		agent = m.cfg.DefaultAgent
	}
	action := ActionRouteToAgent
	if agent == m.cfg.DefaultAgent {
		action = ActionStayWithAI
	}
	return m.resolveAgent(s, agent, action, "intent:"+classified.PrimaryIntent)
}

// escalate hands the session to emergency services. Failure disconnects
// the leg and is never retried.
func (m *Manager) escalate(ctx context.Context, s *session.CallSession, reason string) Decision {
	region := emergency.RegionConfig{
		Country: m.cfg.EmergencyCountry,
		Numbers: m.cfg.EmergencyNumbers,
	}
	out, err := m.emergencies.HandleEmergencyCall(ctx, s, region)
	if err != nil || out.Status != emergency.StatusTransferred {
		m.logger.Error("emergency escalation failed",
			"session_id", s.ID(), "status", out.Status, "error", err)
		return Decision{Action: ActionDisconnect, Reason: "emergency_escalation_failed"}
	}
	s.Update(map[string]any{session.KeyCurrentAgent: "emergency_services"})
	return Decision{Action: ActionTransferToEmergency, Target: out.Target, Reason: reason}
}

// resolveAgent applies the availability and operating-hours fallback,
// then records the resulting agent on the session.
func (m *Manager) resolveAgent(s *session.CallSession, target string, action Action, reason string) Decision {
	if !m.availability.Available(target) {
		switch {
		case m.availability.Available(m.cfg.HumanOperator) && m.outsideOperatingHours(m.now()):
			target, action = m.cfg.HumanOperator, ActionTransferToVoicemail
			reason = reason + ":after_hours_voicemail"
		case m.availability.Available(m.cfg.HumanOperator):
			target, action = m.cfg.HumanOperator, ActionTransferToHuman
			reason = reason + ":fallback_to_human"
		default:
			return Decision{Action: ActionDisconnect, Reason: reason + ":nothing_available"}
		}
	}
	s.Update(map[string]any{session.KeyCurrentAgent: target})
	return Decision{Action: action, Target: target, Reason: reason}
}

func (m *Manager) outsideOperatingHours(t time.Time) bool {
	offset := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
	if m.hoursStart <= m.hoursEnd {
		return offset < m.hoursStart || offset >= m.hoursEnd
	}
	// Overnight window, e.g. 22:00 to 06:00.
	return offset < m.hoursStart && offset >= m.hoursEnd
}
