// Package models defines the core data structures for MindPipe.
//
// It includes the session/step types shared across modules and the
// request/response envelopes for the HTTP surface.
package models

import (
	"errors"
)

// Validation constants for input validation
const (
	// MaxInputLength defines the maximum allowed length for user input
	MaxInputLength = 4096
	// MaxSessionIDLength defines the maximum allowed length for session identifiers
	MaxSessionIDLength = 128
)

// Error variables for better error handling and testability
var (
	// ErrSessionNotFound indicates no session context exists for the ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession indicates a session already exists for the ID.
	ErrDuplicateSession = errors.New("session already exists")
	// ErrInvalidState indicates the session points at a step that does not
	// resolve in the step table. This is a configuration bug, not user error.
	ErrInvalidState = errors.New("session state does not resolve to a defined step")
	// ErrNoPendingAssistance indicates a resume arrived without a matching
	// assistance request.
	ErrNoPendingAssistance = errors.New("no pending assistance request for session")

	ErrEmptySessionID   = errors.New("session_id cannot be empty")
	ErrSessionIDTooLong = errors.New("session_id exceeds maximum length")
	ErrEmptyUserID      = errors.New("user_id cannot be empty")
	ErrInputTooLong     = errors.New("input exceeds maximum length")
)

// StartSessionRequest begins a new treatment session.
type StartSessionRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	TenantID  string `json:"tenant_id,omitempty"`
}

// Validate performs validation on a StartSessionRequest.
func (r *StartSessionRequest) Validate() error {
	if r.SessionID == "" {
		return ErrEmptySessionID
	}
	if len(r.SessionID) > MaxSessionIDLength {
		return ErrSessionIDTooLong
	}
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	return nil
}

// ContinueSessionRequest submits user input to an existing session.
type ContinueSessionRequest struct {
	UserID string `json:"user_id"`
	Input  string `json:"input"`
}

// Validate performs validation on a ContinueSessionRequest.
func (r *ContinueSessionRequest) Validate() error {
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if len(r.Input) > MaxInputLength {
		return ErrInputTooLong
	}
	return nil
}

// ContinueSessionResponse is the wire shape of a continue action's outcome.
type ContinueSessionResponse struct {
	Message       string  `json:"message"`
	CurrentPhase  Phase   `json:"current_phase"`
	CurrentStep   string  `json:"current_step"`
	CanContinue   bool    `json:"can_continue"`
	RequiresRetry bool    `json:"requires_retry,omitempty"`
	UsedAI        bool    `json:"used_ai"`
	AICost        float64 `json:"ai_cost,omitempty"`
	AITokens      int64   `json:"ai_tokens,omitempty"`
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
