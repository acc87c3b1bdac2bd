// Package api provides session lifecycle handlers for MealPipe endpoints.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/BTreeMap/MealPipe/internal/flow"
	"github.com/BTreeMap/MealPipe/internal/models"
)

// createSessionRequest is the body of POST /sessions.
type createSessionRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// sessionReply is the result payload returned by the conversation endpoints.
type sessionReply struct {
	ConversationID string       `json:"conversation_id"`
	Stage          models.Stage `json:"stage"`
	Reply          string       `json:"reply"`
}

// createSessionHandler handles POST /sessions. It creates an orchestrator for
// the conversation and returns the opening prompt. When the resume cache
// holds a position for the conversation id, the session is restored at its
// recorded stage instead of starting over.
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.createSessionHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.UserID == "" {
		slog.Warn("Server.createSessionHandler: missing user id")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: user_id"))
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	var (
		orch   *flow.Orchestrator
		prompt string
		err    error
		status = http.StatusCreated
	)
	if cached := s.cachedSession(r.Context(), req.ConversationID); cached != nil && cached.UserID == req.UserID {
		orch = flow.NewOrchestrator(cached, s.st, s.pipeline, s.orchestratorOptions()...)
		prompt, err = orch.Resume(r.Context())
		status = http.StatusOK
	} else {
		session := models.NewConversationSession(uuid.NewString(), req.ConversationID, req.UserID)
		orch = flow.NewOrchestrator(session, s.st, s.pipeline, s.orchestratorOptions()...)
		prompt, err = orch.Start(r.Context())
	}
	if err != nil {
		slog.Error("Server.createSessionHandler: failed to start session", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.register(req.ConversationID, orch); err != nil {
		slog.Warn("Server.createSessionHandler: duplicate conversation", "conversationID", req.ConversationID)
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	}

	slog.Info("Server.createSessionHandler: session ready",
		"conversationID", req.ConversationID, "userID", req.UserID, "resumed", status == http.StatusOK)
	writeJSONResponse(w, status, models.Success(sessionReply{
		ConversationID: req.ConversationID,
		Stage:          orch.Session().CurrentStage,
		Reply:          prompt,
	}))
}

// conversationRequest is the body shared by the message, option and retry
// endpoints.
type conversationRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message,omitempty"`
	Option         string `json:"option,omitempty"`
}

// messageHandler handles POST /sessions/message: free-text input routed to
// the active collector.
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	s.routeConversation(w, r, "messageHandler", func(o *flow.Orchestrator, req conversationRequest) (string, error) {
		return o.RouteInput(r.Context(), req.Message)
	})
}

// selectOptionHandler handles POST /sessions/option: fixed-choice selection
// routed to the active collector.
func (s *Server) selectOptionHandler(w http.ResponseWriter, r *http.Request) {
	s.routeConversation(w, r, "selectOptionHandler", func(o *flow.Orchestrator, req conversationRequest) (string, error) {
		return o.SelectOption(r.Context(), req.Option)
	})
}

// retryHandler handles POST /sessions/retry: re-runs the current automatic
// stage after a terminal generation failure.
func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	s.routeConversation(w, r, "retryHandler", func(o *flow.Orchestrator, req conversationRequest) (string, error) {
		return o.RetryGeneration(r.Context())
	})
}

// routeConversation is the shared decode/lookup/respond path for the
// conversation endpoints.
func (s *Server) routeConversation(w http.ResponseWriter, r *http.Request, name string, route func(*flow.Orchestrator, conversationRequest) (string, error)) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug(fmt.Sprintf("Server.%s: processing request", name), "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn(fmt.Sprintf("Server.%s: failed to decode JSON", name), "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ConversationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: conversation_id"))
		return
	}

	orch, ok := s.orchestrator(req.ConversationID)
	if !ok {
		slog.Warn(fmt.Sprintf("Server.%s: unknown conversation", name), "conversationID", req.ConversationID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("No session for this conversation"))
		return
	}

	reply, err := route(orch, req)
	if err != nil {
		slog.Warn(fmt.Sprintf("Server.%s: routing failed", name),
			"error", err, "conversationID", req.ConversationID)
		writeJSONResponse(w, sessionErrorStatus(err), models.Error(err.Error()))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(sessionReply{
		ConversationID: req.ConversationID,
		Stage:          orch.Session().CurrentStage,
		Reply:          reply,
	}))
}

// statusHandler handles GET /sessions/status?conversation_id=...: a snapshot
// of the session state, including bound artifact ids.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.statusHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: conversation_id"))
		return
	}
	orch, ok := s.orchestrator(conversationID)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No session for this conversation"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(orch.Session()))
}

// progressHandler handles GET /sessions/progress?conversation_id=...: a
// server-sent event stream of generation progress. The stream closes after a
// real completion event; synthetic events keep flowing but never end it.
func (s *Server) progressHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.progressHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: conversation_id"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("Server.progressHandler: response writer does not support streaming")
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Streaming not supported"))
		return
	}

	events, cancel := s.relay.Subscribe(conversationID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("Server.progressHandler: failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if !ev.Synthetic && ev.Percent >= 100 {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
