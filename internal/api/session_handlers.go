// Package api provides HTTP handlers for treatment session endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mindshift-labs/mindpipe/internal/flow"
	"github.com/mindshift-labs/mindpipe/internal/models"
)

// startSessionHandler creates a session and returns the opening prompt.
func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.startSessionHandler: processing start request", "method", r.Method, "path", r.URL.Path)

	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.startSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.startSessionHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	existing, err := s.store.GetSession(r.Context(), req.SessionID)
	if err != nil {
		slog.Error("Server.startSessionHandler: failed to check session", "error", err, "sessionID", req.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start session"))
		return
	}
	if existing != nil {
		writeJSONResponse(w, http.StatusConflict, models.Error(models.ErrDuplicateSession.Error()))
		return
	}

	result, err := s.engine.ProcessInput(r.Context(), req.SessionID, models.ActionStart, flow.ProcessOptions{
		UserID:         req.UserID,
		TenantID:       req.TenantID,
		IsInitialStart: true,
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateSession) {
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			return
		}
		slog.Error("Server.startSessionHandler: failed to start session", "error", err, "sessionID", req.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start session"))
		return
	}

	slog.Info("Server.startSessionHandler: session started", "sessionID", req.SessionID, "userID", req.UserID)
	writeJSONResponse(w, http.StatusCreated, models.Success(toContinueResponse(result)))
}

// continueSessionHandler feeds user input through the transition engine
// and orchestrates the assistance gate when the engine escalates.
func (s *Server) continueSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	sessionID := r.PathValue("id")
	slog.Debug("Server.continueSessionHandler: processing continue request", "sessionID", sessionID)

	var req models.ContinueSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.continueSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.continueSessionHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	result, err := s.engine.ProcessInput(r.Context(), sessionID, req.Input, flow.ProcessOptions{UserID: req.UserID})
	if err != nil {
		s.writeEngineError(w, err, sessionID)
		return
	}

	// The engine escalated: run the gate and resume. The gate never
	// fails the request; an unusable interpretation falls back to the
	// scripted retry inside ResumeWithAssistance.
	if result.NeedsAIAssistance != nil {
		outcome := models.AssistanceResult{Success: false}
		if s.gate != nil {
			outcome = s.gate.Interpret(r.Context(), *result.NeedsAIAssistance)
		}
		result, err = s.engine.ResumeWithAssistance(r.Context(), sessionID, outcome)
		if err != nil {
			s.writeEngineError(w, err, sessionID)
			return
		}
	}

	// The advanced-to prompt reflects the user's words; let the gate
	// polish the grammar, keeping the raw rendering on any failure.
	if result.NeedsLinguisticProcessing && s.gate != nil {
		if reflected, ok := s.gate.Reflect(r.Context(), result.MessageTemplate, result.RawInput); ok {
			result.Message = flow.RenderTemplate(result.MessageTemplate, map[string]string{
				flow.ReflectionPlaceholder: reflected,
			})
		}
	}

	writeJSONResponse(w, http.StatusOK, models.Success(toContinueResponse(result)))
}

// getSessionHandler returns a session snapshot with usage statistics.
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	slog.Debug("Server.getSessionHandler: processing status request", "sessionID", sessionID)

	snapshot, err := s.engine.Status(r.Context(), sessionID)
	if err != nil {
		s.writeEngineError(w, err, sessionID)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snapshot))
}

// listInteractionsHandler returns the session's interaction audit trail.
func (s *Server) listInteractionsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	slog.Debug("Server.listInteractionsHandler: processing interactions request", "sessionID", sessionID)

	interactions, err := s.store.ListInteractions(r.Context(), sessionID)
	if err != nil {
		slog.Error("Server.listInteractionsHandler: failed to list interactions", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list interactions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(interactions))
}

// healthHandler reports service liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("MindPipe is healthy", nil))
}

// writeEngineError maps engine errors to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, sessionID string) {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.Is(err, models.ErrNoPendingAssistance):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case errors.Is(err, models.ErrInvalidState):
		slog.Error("Server.writeEngineError: session in invalid state", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Session state is invalid"))
	default:
		slog.Error("Server.writeEngineError: engine failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process input"))
	}
}

// toContinueResponse maps a processing result to its wire shape.
func toContinueResponse(result *models.ProcessingResult) models.ContinueSessionResponse {
	return models.ContinueSessionResponse{
		Message:       result.Message,
		CurrentPhase:  result.CurrentPhase,
		CurrentStep:   result.CurrentStep,
		CanContinue:   result.CanContinue,
		RequiresRetry: result.RequiresRetry,
		UsedAI:        result.UsedAI,
		AICost:        result.AICost,
		AITokens:      result.AITokens,
	}
}
