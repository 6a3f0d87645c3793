// Package models defines phase and step type definitions to avoid circular imports.
package models

// Phase represents a coarse stage of a guided treatment session.
type Phase string

// Phases in session order. Exactly one phase is active at a time.
const (
	PhaseIntroduction      Phase = "introduction"
	PhaseModalitySelection Phase = "modality_selection"
	PhaseInTreatment       Phase = "in_treatment"
	PhaseIntegration       Phase = "integration"
	PhaseComplete          Phase = "complete"
)

// ResponseType tags what kind of reply a step expects, guiding validation.
type ResponseType string

const (
	// ResponseTypeProblem expects a free-text problem statement.
	ResponseTypeProblem ResponseType = "problem"
	// ResponseTypeConfirmation expects a yes/no style acknowledgement.
	ResponseTypeConfirmation ResponseType = "confirmation"
	// ResponseTypeSelection expects one of a fixed set of options.
	ResponseTypeSelection ResponseType = "selection"
	// ResponseTypeFreeText accepts any non-empty text.
	ResponseTypeFreeText ResponseType = "free_text"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusComplete SessionStatus = "complete"
	// SessionStatusExpired marks sessions abandoned past the inactivity
	// TTL by the background sweeper.
	SessionStatusExpired SessionStatus = "expired"
)

// StepComplete is the terminal sentinel a step's next-step pointer may
// reference instead of another step ID.
const StepComplete = "complete"

// ActionStart is the sentinel input that returns the current step's
// scripted prompt without advancing the session.
const ActionStart = "start"

// IsValidPhase checks if the given phase is one of the defined phases.
func IsValidPhase(p Phase) bool {
	switch p {
	case PhaseIntroduction, PhaseModalitySelection, PhaseInTreatment, PhaseIntegration, PhaseComplete:
		return true
	default:
		return false
	}
}
