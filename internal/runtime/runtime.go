// Package runtime wires the telephony pipeline together and exposes the
// operational HTTP surface.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-telephony/internal/auditstore"
	"github.com/loqalabs/loqa-telephony/internal/bus"
	"github.com/loqalabs/loqa-telephony/internal/callevents"
	"github.com/loqalabs/loqa-telephony/internal/config"
	"github.com/loqalabs/loqa-telephony/internal/dtmf"
	"github.com/loqalabs/loqa-telephony/internal/emergency"
	"github.com/loqalabs/loqa-telephony/internal/handoff"
	"github.com/loqalabs/loqa-telephony/internal/intent"
	"github.com/loqalabs/loqa-telephony/internal/ivr"
	"github.com/loqalabs/loqa-telephony/internal/media"
	"github.com/loqalabs/loqa-telephony/internal/natsserver"
	"github.com/loqalabs/loqa-telephony/internal/protocol"
	"github.com/loqalabs/loqa-telephony/internal/routing"
	"github.com/loqalabs/loqa-telephony/internal/session"
	"github.com/loqalabs/loqa-telephony/internal/telemetry"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	sessions *session.Manager
	events   *callevents.Manager
	router   *routing.Manager
	handoffs *handoff.Manager
	audit    *auditstore.Store
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component and blocks until ctx is cancelled,
// then shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	sink := telemetry.NewOTelSink(r.logger)

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	r.audit, err = auditstore.Open(ctx, r.cfg.AuditStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer r.audit.Close()

	r.sessions = session.NewManager(r.logger)

	var mirror callevents.BusPublisher
	if r.cfg.Events.MirrorToBus {
		mirror = busClient
	}
	r.events = callevents.NewManager(r.sessions, r.cfg.Events.HandlerConcurrency, sink, mirror, r.logger)

	availability := routing.NewAvailabilityTable(r.seedAvailability())
	classifier, err := intent.NewClassifier(r.cfg.Intent)
	if err != nil {
		return fmt.Errorf("failed to build intent classifier: %w", err)
	}

	r.router, err = routing.NewManager(
		r.cfg.Routing,
		ivr.NewMenuSet(r.cfg.IVR),
		classifier,
		emergency.NewRegionalRouter(sink, r.logger),
		r.sessions,
		availability,
		sink,
		r.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to build routing manager: %w", err)
	}

	r.handoffs = handoff.NewManager(
		handoff.NewHeapQueue(),
		r.sessions,
		availability,
		r.events,
		r.audit,
		sink,
		r.cfg.Handoff.DefaultPriority,
		r.logger,
	)

	r.events.Subscribe(dtmf.EventDTMFReceived, r.onDTMF)
	r.subscribeBusBridges(busClient)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	mux.HandleFunc("POST /v1/route", r.handleRoute)
	mux.HandleFunc("POST /v1/handoffs", r.handleInitiateHandoff)
	mux.HandleFunc("POST /v1/agents/availability", r.handleAgentAvailability)
	mux.HandleFunc("POST /v1/agents/assign", r.handleAssign)
	if r.cfg.Media.Enabled {
		ingress := media.NewIngress(r.cfg.Media, r.cfg.Audio, r.cfg.DTMF, r.sessions, r.events, busClient, sink, r.logger)
		mux.Handle(r.cfg.Media.Path, ingress)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// subscribeBusBridges forwards confirmed digits and handoff milestones
// to the bus as typed messages for external consumers.
func (r *Runtime) subscribeBusBridges(busClient *bus.Client) {
	r.events.Subscribe(dtmf.EventDTMFReceived, func(ctx context.Context, data map[string]any) error {
		sessionID, _ := data["session_id"].(string)
		digit, _ := data["digit"].(string)
		payload, err := json.Marshal(protocol.DTMFEvent{
			SessionID: sessionID,
			Digit:     digit,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return busClient.Publish(protocol.SubjectDTMF, payload)
	})

	notice := func(subject string) callevents.Handler {
		return func(ctx context.Context, data map[string]any) error {
			sessionID, _ := data["session_id"].(string)
			handoffID, _ := data["handoff_id"].(string)
			agentID, _ := data["agent_id"].(string)
			position, _ := data["queue_position"].(int)
			payload, err := json.Marshal(protocol.HandoffNotice{
				SessionID: sessionID,
				HandoffID: handoffID,
				AgentID:   agentID,
				Position:  position,
			})
			if err != nil {
				return err
			}
			return busClient.Publish(subject, payload)
		}
	}
	r.events.Subscribe(handoff.EventHandoffQueued, notice(protocol.SubjectHandoffQueued))
	r.events.Subscribe(handoff.EventHandoffAssigned, notice(protocol.SubjectHandoffAssigned))
}

// seedAvailability marks the AI agents as reachable from the start.
// Human operators join through the availability endpoint.
func (r *Runtime) seedAvailability() map[string]bool {
	seed := map[string]bool{r.cfg.Routing.DefaultAgent: true}
	for _, agent := range r.cfg.Routing.IntentAgents {
		seed[agent] = true
	}
	return seed
}

// onDTMF routes every confirmed digit and records the decision. A
// disconnect decision ends the call through the event hub.
func (r *Runtime) onDTMF(ctx context.Context, data map[string]any) error {
	sessionID, _ := data["session_id"].(string)
	digit, _ := data["digit"].(string)
	if sessionID == "" || digit == "" {
		return nil
	}

	decision := r.router.RouteCall(ctx, sessionID, routing.DTMFInput(digit))
	if err := r.audit.LogInteraction(ctx, "routing_decision", map[string]any{
		"session_id": sessionID,
		"digit":      digit,
		"action":     string(decision.Action),
		"target":     decision.Target,
		"reason":     decision.Reason,
	}); err != nil {
		r.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}

	if decision.Action == routing.ActionDisconnect {
		// Publish from a fresh goroutine so a nested publish cannot
		// starve the handler pool.
		go func() {
			if err := r.events.Publish(context.WithoutCancel(ctx), callevents.EventCallDisconnected, map[string]any{
				"session_id": sessionID,
				"reason":     decision.Reason,
			}); err != nil {
				r.logger.Warn("failed to publish disconnect", slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleRoute(w http.ResponseWriter, req *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		Digit     string `json:"digit"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.SessionID == "" || (body.Digit == "" && body.Text == "") {
		http.Error(w, "session_id and digit or text are required", http.StatusBadRequest)
		return
	}

	input := routing.SpeechInput(body.Text)
	if body.Digit != "" {
		input = routing.DTMFInput(body.Digit)
	}
	decision := r.router.RouteCall(req.Context(), body.SessionID, input)
	writeJSON(w, http.StatusOK, map[string]any{
		"action": string(decision.Action),
		"target": decision.Target,
		"reason": decision.Reason,
		"prompt": decision.Prompt,
	})
}

func (r *Runtime) handleInitiateHandoff(w http.ResponseWriter, req *http.Request) {
	var body struct {
		SessionID string         `json:"session_id"`
		Reason    string         `json:"reason"`
		Context   map[string]any `json:"context"`
		Priority  int            `json:"priority"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := r.handoffs.InitiateHandoff(req.Context(), body.SessionID, body.Reason, body.Context, body.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        res.Success,
		"handoff_id":     res.HandoffID,
		"queue_position": res.QueuePosition,
	})
}

func (r *Runtime) handleAgentAvailability(w http.ResponseWriter, req *http.Request) {
	var body struct {
		AgentID   string   `json:"agent_id"`
		Available bool     `json:"available"`
		Skills    []string `json:"skills"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.AgentID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	r.handoffs.UpdateAgentAvailability(req.Context(), body.AgentID, body.Available, body.Skills)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleAssign(w http.ResponseWriter, req *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.AgentID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	task, ok := r.handoffs.AssignNextHandoff(req.Context(), body.AgentID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"handoff_id": task.ID,
		"session_id": task.SessionID,
		"reason":     task.Reason,
		"priority":   task.Priority,
		"context":    task.Context,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("failed to encode response", slog.String("error", err.Error()))
	}
}
