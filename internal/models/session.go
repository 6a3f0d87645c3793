// Package models defines session state structures for MindPipe treatment flows.
package models

import "time"

// StepResponse records the input a user supplied at a step. History is
// append-only: once a step is passed its entry is never overwritten.
type StepResponse struct {
	StepID   string    `json:"step_id"`
	Input    string    `json:"input"`
	Recorded time.Time `json:"recorded"`
}

// SessionContext holds the mutable per-session state of a treatment session.
type SessionContext struct {
	SessionID     string         `json:"session_id"`
	UserID        string         `json:"user_id"`
	TenantID      string         `json:"tenant_id,omitempty"` // opaque passthrough for the persistence tier
	Status        SessionStatus  `json:"status"`
	CurrentPhase  Phase          `json:"current_phase"`
	CurrentStep   string         `json:"current_step"`
	UserResponses []StepResponse `json:"user_responses,omitempty"`
	StartTime     time.Time      `json:"start_time"`
	LastActivity  time.Time      `json:"last_activity"`

	// Usage counters supplied to the persistence tier on every transition.
	ScriptedResponses int     `json:"scripted_responses"`
	AIResponses       int     `json:"ai_responses"`
	AvgResponseMs     float64 `json:"avg_response_time"`
	AITokens          int64   `json:"ai_tokens,omitempty"`
	AICost            float64 `json:"ai_cost,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"` // auxiliary counters and markers, not validated by the core
}

// ResponseFor returns the recorded input for a step, if any.
func (c *SessionContext) ResponseFor(stepID string) (string, bool) {
	for _, r := range c.UserResponses {
		if r.StepID == stepID {
			return r.Input, true
		}
	}
	return "", false
}

// AssistanceRequest asks the AI assistance gate to interpret input the
// scripted rules could not classify. It carries the session's actual
// phase/step so the gate sees the real conversation position.
type AssistanceRequest struct {
	SessionID string            `json:"session_id"`
	Phase     Phase             `json:"phase"`
	StepID    string            `json:"step_id"`
	Trigger   string            `json:"trigger"`
	Reason    string            `json:"reason"`
	UserInput string            `json:"user_input"`
	Context   map[string]string `json:"context,omitempty"` // scripted prompt and recent history, for grounding
}

// AssistanceResult is the gate's answer. The gate always resolves with a
// success flag; a false flag means the caller must fall back to the
// unmodified scripted prompt.
type AssistanceResult struct {
	Success          bool    `json:"success"`
	ImprovedResponse string  `json:"improved_response,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
	Tokens           int64   `json:"tokens,omitempty"`
}

// ProcessingResult is the outcome of one ProcessInput call. Validation
// failures and AI escalations are values here, not errors.
type ProcessingResult struct {
	SessionID    string `json:"session_id"`
	CurrentPhase Phase  `json:"current_phase"`
	CurrentStep  string `json:"current_step"`

	// Message is the scripted response to show the user. Non-empty on
	// every outcome, including retries.
	Message     string `json:"message"`
	CanContinue bool   `json:"can_continue"`

	// RequiresRetry is set when a validation rule rejected the input;
	// Message then carries the rule's rejection text and the step pointer
	// is unchanged.
	RequiresRetry bool `json:"requires_retry,omitempty"`

	// NeedsLinguisticProcessing asks the caller to have the gate reflect
	// the user's literal words into MessageTemplate. Message already
	// carries the fail-open rendering using the raw input.
	NeedsLinguisticProcessing bool   `json:"needs_linguistic_processing,omitempty"`
	MessageTemplate           string `json:"message_template,omitempty"`
	RawInput                  string `json:"raw_input,omitempty"`

	// NeedsAIAssistance asks the caller to run the gate and resume the
	// engine with its result. The step pointer is unchanged until resume.
	NeedsAIAssistance *AssistanceRequest `json:"needs_ai_assistance,omitempty"`

	UsedAI   bool    `json:"used_ai"`
	AICost   float64 `json:"ai_cost,omitempty"`
	AITokens int64   `json:"ai_tokens,omitempty"`
}

// Interaction is the audit record persisted for each processed input,
// the analog of a treatment_interactions row.
type Interaction struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	StepID     string    `json:"step_id"`
	UserInput  string    `json:"user_input"`
	Response   string    `json:"response"`
	UsedAI     bool      `json:"used_ai"`
	ResponseMs int64     `json:"response_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionSnapshot is the read-only view returned by the status action.
type SessionSnapshot struct {
	SessionID         string        `json:"session_id"`
	UserID            string        `json:"user_id"`
	TenantID          string        `json:"tenant_id,omitempty"`
	Status            SessionStatus `json:"status"`
	CurrentPhase      Phase         `json:"current_phase"`
	CurrentStep       string        `json:"current_step"`
	StartTime         time.Time     `json:"start_time"`
	LastActivity      time.Time     `json:"last_activity"`
	ScriptedResponses int           `json:"scripted_responses"`
	AIResponses       int           `json:"ai_responses"`
	AvgResponseMs     float64       `json:"avg_response_time"`
	AITokens          int64         `json:"ai_tokens"`
	AICost            float64       `json:"ai_cost"`
	StepsCompleted    int           `json:"steps_completed"`
}
