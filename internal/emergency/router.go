// Package emergency escalates calls to regional emergency services.
package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-telephony/internal/faults"
	"github.com/loqalabs/loqa-telephony/internal/session"
	"github.com/loqalabs/loqa-telephony/internal/telemetry"
)

// StatusTransferred is the only success status; anything else is fatal
// for the call leg.
const StatusTransferred = "transferred_to_psap"

// RegionConfig is the dial plan for emergency escalation. Numbers maps
// ISO country codes to the local emergency number; the DEFAULT entry
// covers unknown regions.
type RegionConfig struct {
	Country string
	Numbers map[string]string
}

// Outcome reports how an escalation ended. Target is the dialed number
// on success.
type Outcome struct {
	Status string
	Target string
}

// Router hands a live call to emergency services.
type Router interface {
	HandleEmergencyCall(ctx context.Context, s *session.CallSession, region RegionConfig) (Outcome, error)
}

// DispatcherPacket carries the caller context forwarded to the
// answering point alongside the transfer.
type DispatcherPacket struct {
	SessionID    string    `json:"session_id"`
	CallerID     string    `json:"caller_id"`
	Reason       string    `json:"reason,omitempty"`
	CallDuration string    `json:"call_duration"`
	Timestamp    time.Time `json:"timestamp"`
}

// Keywords that mark an utterance as a probable emergency. Matched as
// substrings of the lowercased text.
var emergencyKeywords = []string{
	"emergency",
	"can't breathe",
	"cannot breathe",
	"chest pain",
	"heart attack",
	"stroke",
	"unconscious",
	"bleeding",
	"overdose",
}

// ContainsEmergencyKeywords reports whether the utterance itself
// signals an emergency, independent of the intent classifier.
func ContainsEmergencyKeywords(text string) bool {
	lowered := strings.ToLower(text)
	for _, kw := range emergencyKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// RegionalRouter resolves the dial number from the region's plan and
// builds the dispatcher packet. Real deployments swap in a Router that
// talks to carrier signaling.
type RegionalRouter struct {
	sink   telemetry.Sink
	logger *slog.Logger
}

func NewRegionalRouter(sink telemetry.Sink, logger *slog.Logger) *RegionalRouter {
	if sink == nil {
		sink = telemetry.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RegionalRouter{sink: sink, logger: logger.With("component", "emergency")}
}

func (r *RegionalRouter) HandleEmergencyCall(ctx context.Context, s *session.CallSession, region RegionConfig) (Outcome, error) {
	number, ok := region.Numbers[region.Country]
	if !ok {
		number, ok = region.Numbers["DEFAULT"]
	}
	if !ok || number == "" {
		return Outcome{Status: "no_dial_plan"}, fmt.Errorf(
			"no emergency number for country %q: %w", region.Country, faults.ErrFatalEscalation)
	}

	packet := DispatcherPacket{
		SessionID:    s.ID(),
		CallerID:     s.CallerID(),
		Reason:       fmt.Sprint(s.Get("emergency_reason", "")),
		CallDuration: s.Duration().String(),
		Timestamp:    time.Now().UTC(),
	}
	r.logger.Warn("escalating call to emergency services",
		"session_id", packet.SessionID, "country", region.Country, "number", number)
	r.sink.EmitEvent("emergency_escalation", map[string]any{
		"session_id": packet.SessionID,
		"country":    region.Country,
		"number":     number,
	})

	return Outcome{Status: StatusTransferred, Target: number}, nil
}
