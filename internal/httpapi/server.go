// internal/httpapi/server.go
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/user/attache/internal/orchestrator"
	"github.com/user/attache/internal/state"
	"github.com/user/attache/internal/triage"
	"github.com/user/attache/internal/types"
)

// longPollWindow bounds how long an event poll holds the connection.
const longPollWindow = 25 * time.Second

// Server is the HTTP command surface over the harness. It carries no
// orchestration logic: every endpoint is a thin translation to a harness
// call.
type Server struct {
	harness     *orchestrator.Harness
	automations *state.AutomationStore
	mux         *http.ServeMux
}

// NewServer creates the HTTP server over the harness.
func NewServer(harness *orchestrator.Harness, automations *state.AutomationStore) *Server {
	s := &Server{
		harness:     harness,
		automations: automations,
		mux:         http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/turns", s.handleSubmitTurn)
	s.mux.HandleFunc("GET /api/permissions", s.handlePendingPermissions)
	s.mux.HandleFunc("POST /api/permissions/{id}", s.handleResolvePermission)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/export", s.handleExport)
	s.mux.HandleFunc("POST /api/sessions/{id}/fork", s.handleFork)
	s.mux.HandleFunc("POST /api/sessions/{id}/archive", s.handleArchive)
	s.mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /api/sessions/{id}/audit", s.handleAudit)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/canvas/{id}", s.handleCanvas)
	s.mux.HandleFunc("GET /api/specialists", s.handleSpecialists)
	s.mux.HandleFunc("POST /api/triage", s.handleTriage)
	s.mux.HandleFunc("POST /automation/{name}", s.handleAutomation)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError renders an error body with proper JSON escaping; messages
// may carry quotes or other metacharacters.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// turnRequest is the JSON body for POST /api/turns.
type turnRequest struct {
	SessionKey string `json:"session_key"`
	Kind       string `json:"kind,omitempty"`
	Text       string `json:"text"`
	Wait       bool   `json:"wait,omitempty"`
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.SessionKey == "" || req.Text == "" {
		http.Error(w, `{"error":"session_key and text are required"}`, http.StatusBadRequest)
		return
	}

	inbound := &types.InboundTurn{
		SessionKey: types.SessionKey(req.SessionKey),
		Kind:       types.SessionKind(req.Kind),
		Text:       req.Text,
	}

	if req.Wait {
		response, err := s.harness.SubmitTurnAndWait(r.Context(), inbound)
		if err != nil {
			slog.Error("turn failed", "session_key", req.SessionKey, "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"response": response})
		return
	}

	sessionID, turnID, err := s.harness.SubmitTurn(r.Context(), inbound)
	if err != nil {
		slog.Error("turn submit failed", "session_key", req.SessionKey, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{
		"session_id": string(sessionID),
		"turn_id":    string(turnID),
	})
}

func (s *Server) handlePendingPermissions(w http.ResponseWriter, r *http.Request) {
	pending := s.harness.PendingPermissions()
	ids := make([]string, 0, len(pending))
	for _, id := range pending {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	writeJSON(w, map[string]any{"pending": ids})
}

// permissionRequest is the JSON body for POST /api/permissions/{id}.
type permissionRequest struct {
	Decision string `json:"decision"` // allow | deny
	Scope    string `json:"scope,omitempty"`
}

func (s *Server) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	decision := types.Decision(req.Decision)
	if decision != types.DecisionAllow && decision != types.DecisionDeny {
		http.Error(w, `{"error":"decision must be allow or deny"}`, http.StatusBadRequest)
		return
	}
	scope := types.GrantScope(req.Scope)
	if scope == "" {
		scope = types.ScopeOnce
	}

	requestID := types.RequestID(r.PathValue("id"))
	if err := s.harness.ResolvePermission(requestID, decision, scope); err != nil {
		http.Error(w, `{"error":"no such pending request"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "resolved"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.harness.Sessions(r.Context())
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActive.After(sessions[j].LastActive)
	})
	writeJSON(w, sessions)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	turns, err := s.harness.ExportSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, types.ErrCorruptSession) {
			http.Error(w, `{"error":"session log is corrupt"}`, http.StatusConflict)
			return
		}
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	if turns == nil {
		turns = []*types.Turn{}
	}
	writeJSON(w, turns)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	fork, err := s.harness.ForkSession(r.Context(), id)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, fork)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	if err := s.harness.ArchiveSession(r.Context(), id); err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "archived"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	if !s.harness.CancelTurn(id) {
		http.Error(w, `{"error":"no in-flight turn"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "cancelling"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	entries, err := s.harness.AuditQuery(r.Context(), id)
	if err != nil {
		slog.Error("audit query failed", "session_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*types.AuditLogEntry{}
	}
	writeJSON(w, entries)
}

// handleEvents long-polls the session's event stream: it returns as soon
// as at least one event arrives, or an empty list after the poll window.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	sub := s.harness.Subscribe(id, 0)
	defer s.harness.Unsubscribe(id, sub)

	events := []*types.Event{}
	timer := time.NewTimer(longPollWindow)
	defer timer.Stop()

	select {
	case event, ok := <-sub.C:
		if ok {
			events = append(events, event)
			// Drain whatever else is already buffered.
			for {
				select {
				case more, ok := <-sub.C:
					if !ok {
						writeJSON(w, events)
						return
					}
					events = append(events, more)
				default:
					writeJSON(w, events)
					return
				}
			}
		}
	case <-timer.C:
	case <-r.Context().Done():
	}
	writeJSON(w, events)
}

// canvasRequest is the JSON body for POST /api/canvas/{id}.
type canvasRequest struct {
	Action  string `json:"action"`
	Payload string `json:"payload,omitempty"`
}

func (s *Server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	var req canvasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	id := types.CanvasID(r.PathValue("id"))
	artifact, err := s.harness.InteractCanvas(id, req.Action, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, artifact)
}

func (s *Server) handleSpecialists(w http.ResponseWriter, r *http.Request) {
	specs := s.harness.Specialists()
	type specialistResponse struct {
		ID          string   `json:"id"`
		Description string   `json:"description"`
		Keywords    []string `json:"keywords,omitempty"`
		Tools       []string `json:"tools,omitempty"`
		UIHint      string   `json:"ui_hint,omitempty"`
	}
	result := make([]specialistResponse, 0, len(specs))
	for _, spec := range specs {
		result = append(result, specialistResponse{
			ID:          spec.ID,
			Description: spec.Description,
			Keywords:    spec.Keywords,
			Tools:       spec.Tools,
			UIHint:      spec.UIHint,
		})
	}
	writeJSON(w, result)
}

// triageRequest is the JSON body for POST /api/triage.
type triageRequest struct {
	Source      string     `json:"source"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Recurring   bool       `json:"recurring,omitempty"`
	Reference   bool       `json:"reference,omitempty"`
	ThreadRefs  int        `json:"thread_refs,omitempty"`
	Deliverable string     `json:"deliverable,omitempty"`
}

func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	var req triageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	result := s.harness.Triage(&triage.Item{
		Source:      req.Source,
		Subject:     req.Subject,
		Body:        req.Body,
		Deadline:    req.Deadline,
		Recurring:   req.Recurring,
		Reference:   req.Reference,
		ThreadRefs:  req.ThreadRefs,
		Deliverable: req.Deliverable,
	})
	writeJSON(w, result)
}

// automationBody is the optional JSON body for POST /automation/{name}.
type automationBody struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleAutomation(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	automation, err := s.automations.Get(name)
	if err != nil {
		http.Error(w, `{"error":"automation not found"}`, http.StatusNotFound)
		return
	}
	if !automation.Enabled {
		http.Error(w, `{"error":"automation is disabled"}`, http.StatusForbidden)
		return
	}

	prompt := automation.Prompt
	var body automationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		prompt = body.Prompt
	}

	response, err := s.harness.SubmitTurnAndWait(r.Context(), &types.InboundTurn{
		SessionKey: types.SessionKey(automation.SessionKey),
		Kind:       types.SessionOngoing,
		Text:       prompt,
	})
	if err != nil {
		slog.Error("automation handler failed", "automation", name, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"response": response})
}
