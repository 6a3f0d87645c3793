package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mindshift-labs/mindpipe/internal/models"
)

// escalate records a pending assistance marker on the session and hands
// the request to the caller. The session does not advance; only a
// subsequent ResumeWithAssistance can move it.
func (e *Engine) escalate(ctx context.Context, sc *models.SessionContext, step *StepDefinition, input string, trig AITrigger) (*models.ProcessingResult, error) {
	if sc.Metadata == nil {
		sc.Metadata = make(map[string]string)
	}
	sc.Metadata[metaPendingStep] = step.ID
	sc.Metadata[metaPendingTrigger] = trig.Name
	sc.Metadata[metaPendingReason] = trig.Reason
	sc.Metadata[metaPendingInput] = input
	sc.LastActivity = time.Now()

	if err := e.store.SaveSession(ctx, *sc); err != nil {
		return nil, fmt.Errorf("failed to save session %s: %w", sc.SessionID, err)
	}

	slog.Info("Engine.escalate: assistance requested", "sessionID", sc.SessionID, "step", step.ID, "trigger", trig.Name)
	return &models.ProcessingResult{
		SessionID:    sc.SessionID,
		CurrentPhase: sc.CurrentPhase,
		CurrentStep:  sc.CurrentStep,
		CanContinue:  false,
		NeedsAIAssistance: &models.AssistanceRequest{
			SessionID: sc.SessionID,
			Phase:     sc.CurrentPhase,
			StepID:    step.ID,
			Trigger:   trig.Name,
			Reason:    trig.Reason,
			UserInput: input,
			Context:   e.assistContext(sc, step),
		},
	}, nil
}

// RequestAssistance rebuilds the pending assistance request for a
// session, for callers that escalated in one turn and run the gate in
// another. Returns ErrNoPendingAssistance when no escalation is pending.
func (e *Engine) RequestAssistance(ctx context.Context, sessionID string) (*models.AssistanceRequest, error) {
	release := e.locks.acquire(sessionID)
	defer release()

	sc, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if sc == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	stepID := sc.Metadata[metaPendingStep]
	if stepID == "" {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNoPendingAssistance)
	}
	step, ok := e.table.Resolve(sc.CurrentPhase, stepID)
	if !ok {
		return nil, fmt.Errorf("session %s pending step %s: %w", sessionID, stepID, models.ErrInvalidState)
	}
	return &models.AssistanceRequest{
		SessionID: sessionID,
		Phase:     sc.CurrentPhase,
		StepID:    stepID,
		Trigger:   sc.Metadata[metaPendingTrigger],
		Reason:    sc.Metadata[metaPendingReason],
		UserInput: sc.Metadata[metaPendingInput],
		Context:   e.assistContext(sc, step),
	}, nil
}

// ResumeWithAssistance completes a pending escalation with the gate's
// outcome. A failed or unhelpful interpretation fails open: the session
// stays on the same step and the user sees the scripted prompt again.
// A usable interpretation is re-validated against the step's own rules
// before it is allowed to advance the session.
func (e *Engine) ResumeWithAssistance(ctx context.Context, sessionID string, outcome models.AssistanceResult) (*models.ProcessingResult, error) {
	release := e.locks.acquire(sessionID)
	defer release()

	sc, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if sc == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	if sc.Status != models.SessionStatusActive {
		return e.finishedResult(sc), nil
	}

	stepID := sc.Metadata[metaPendingStep]
	if stepID == "" {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNoPendingAssistance)
	}
	originalInput := sc.Metadata[metaPendingInput]
	clearPending(sc)

	step, ok := e.table.Resolve(sc.CurrentPhase, stepID)
	if !ok {
		return nil, fmt.Errorf("session %s pending step %s: %w", sessionID, stepID, models.ErrInvalidState)
	}

	if !outcome.Success || outcome.ImprovedResponse == "" {
		slog.Warn("Engine.ResumeWithAssistance: assistance unavailable, failing open", "sessionID", sessionID, "step", stepID)
		return e.retryAfterAssist(ctx, sc, step)
	}

	// The gate proposes; the scripted rules still decide.
	for _, rule := range step.Validation {
		if !rule.Check(outcome.ImprovedResponse) {
			slog.Warn("Engine.ResumeWithAssistance: improved response failed validation",
				"sessionID", sessionID, "step", stepID, "rule", rule.Name)
			return e.retryAfterAssist(ctx, sc, step)
		}
	}

	// Advance on the user's original words; the interpretation earned
	// the pass but the history records what the user actually said.
	input := originalInput
	if input == "" {
		input = outcome.ImprovedResponse
	}
	return e.advance(ctx, sc, step, input, true, outcome.Cost, outcome.Tokens)
}

// retryAfterAssist persists the cleared marker and bounces the user back
// to the scripted prompt, never surfacing the gate failure.
func (e *Engine) retryAfterAssist(ctx context.Context, sc *models.SessionContext, step *StepDefinition) (*models.ProcessingResult, error) {
	sc.LastActivity = time.Now()
	if err := e.store.SaveSession(ctx, *sc); err != nil {
		return nil, fmt.Errorf("failed to save session %s: %w", sc.SessionID, err)
	}
	return &models.ProcessingResult{
		SessionID:     sc.SessionID,
		CurrentPhase:  sc.CurrentPhase,
		CurrentStep:   sc.CurrentStep,
		Message:       e.renderPrompt(sc, step),
		CanContinue:   false,
		RequiresRetry: true,
	}, nil
}

// assistContext gives the gate the scripted prompt plus recent history
// so interpretations stay grounded in the session.
func (e *Engine) assistContext(sc *models.SessionContext, step *StepDefinition) map[string]string {
	out := map[string]string{
		"prompt": e.renderPrompt(sc, step),
	}
	if problem, ok := sc.ResponseFor(StepWelcome); ok {
		out["problem"] = problem
	}
	if len(sc.UserResponses) > 0 {
		last := sc.UserResponses[len(sc.UserResponses)-1]
		out["previous_step"] = last.StepID
		out["previous_input"] = last.Input
	}
	return out
}

func clearPending(sc *models.SessionContext) {
	delete(sc.Metadata, metaPendingStep)
	delete(sc.Metadata, metaPendingTrigger)
	delete(sc.Metadata, metaPendingReason)
	delete(sc.Metadata, metaPendingInput)
}
