package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mindshift-labs/mindpipe/internal/models"
)

// escalateOnExplanation drives a session to the explanation step and
// submits an ambiguous confirmation.
func escalateOnExplanation(t *testing.T, e *Engine, sessionID string) *models.ProcessingResult {
	t.Helper()
	startSession(t, e, sessionID)
	continueSession(t, e, sessionID, "I feel anxious about money")

	result := continueSession(t, e, sessionID, "I suppose it could help")
	if result.NeedsAIAssistance == nil {
		t.Fatal("expected ambiguous confirmation to escalate")
	}
	return result
}

func TestGoalPhrasingEscalates(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, "s1")

	result := continueSession(t, e, "s1", "I want to be more confident")
	if result.NeedsAIAssistance == nil {
		t.Fatal("expected goal phrasing to escalate")
	}
	req := result.NeedsAIAssistance
	if req.Trigger != "goal_stated" {
		t.Errorf("expected goal_stated trigger, got %q", req.Trigger)
	}
	if req.StepID != StepWelcome {
		t.Errorf("expected escalation on %q, got %q", StepWelcome, req.StepID)
	}
	if req.UserInput != "I want to be more confident" {
		t.Errorf("expected original input in request, got %q", req.UserInput)
	}
	if result.CanContinue {
		t.Error("escalation must not advance the session")
	}
}

func TestEscalationDoesNotAdvance(t *testing.T) {
	e, _ := newTestEngine(t)
	result := escalateOnExplanation(t, e, "s1")

	if result.CurrentStep != StepExplanation {
		t.Errorf("escalation moved the session to %q", result.CurrentStep)
	}
	snapshot, err := e.Status(context.Background(), "s1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if snapshot.CurrentStep != StepExplanation {
		t.Errorf("persisted step changed on escalation: %q", snapshot.CurrentStep)
	}
}

func TestRequestAssistanceRebuildsPendingRequest(t *testing.T) {
	e, _ := newTestEngine(t)
	escalated := escalateOnExplanation(t, e, "s1")

	req, err := e.RequestAssistance(context.Background(), "s1")
	if err != nil {
		t.Fatalf("RequestAssistance failed: %v", err)
	}
	if req.StepID != escalated.NeedsAIAssistance.StepID {
		t.Errorf("rebuilt step %q differs from escalated %q", req.StepID, escalated.NeedsAIAssistance.StepID)
	}
	if req.UserInput != "I suppose it could help" {
		t.Errorf("rebuilt input %q", req.UserInput)
	}
	if req.Context["problem"] != "I feel anxious about money" {
		t.Errorf("expected session problem in request context, got %q", req.Context["problem"])
	}
}

func TestRequestAssistanceWithoutPendingFails(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, "s1")

	_, err := e.RequestAssistance(context.Background(), "s1")
	if !errors.Is(err, models.ErrNoPendingAssistance) {
		t.Errorf("expected ErrNoPendingAssistance, got %v", err)
	}
}

func TestResumeWithoutPendingFailsClosed(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, "s1")

	_, err := e.ResumeWithAssistance(context.Background(), "s1", models.AssistanceResult{
		Success:          true,
		ImprovedResponse: "yes",
	})
	if !errors.Is(err, models.ErrNoPendingAssistance) {
		t.Errorf("expected ErrNoPendingAssistance, got %v", err)
	}
}

func TestFreshInputClearsAbandonedEscalation(t *testing.T) {
	e, _ := newTestEngine(t)
	escalateOnExplanation(t, e, "s1")

	// The caller never resumed; a later valid input supersedes the
	// escalation and the stale marker must not be replayable.
	result := continueSession(t, e, "s1", "yes")
	if result.CurrentStep != StepMethodSelection {
		t.Fatalf("expected advance to %q, got %q", StepMethodSelection, result.CurrentStep)
	}

	_, err := e.RequestAssistance(context.Background(), "s1")
	if !errors.Is(err, models.ErrNoPendingAssistance) {
		t.Errorf("expected ErrNoPendingAssistance after fresh input, got %v", err)
	}
	_, err = e.ResumeWithAssistance(context.Background(), "s1", models.AssistanceResult{
		Success:          true,
		ImprovedResponse: "yes",
	})
	if !errors.Is(err, models.ErrNoPendingAssistance) {
		t.Errorf("expected resume to fail closed after fresh input, got %v", err)
	}
}

func TestResumeWithSuccessfulInterpretationAdvances(t *testing.T) {
	e, _ := newTestEngine(t)
	escalateOnExplanation(t, e, "s1")

	result, err := e.ResumeWithAssistance(context.Background(), "s1", models.AssistanceResult{
		Success:          true,
		ImprovedResponse: "yes",
		Tokens:           42,
		Cost:             0.0001,
	})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if result.CurrentStep != StepMethodSelection {
		t.Errorf("expected advance to %q, got %q", StepMethodSelection, result.CurrentStep)
	}
	if !result.UsedAI {
		t.Error("expected UsedAI on AI-assisted transition")
	}

	snapshot, err := e.Status(context.Background(), "s1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if snapshot.AIResponses != 1 {
		t.Errorf("expected 1 AI response, got %d", snapshot.AIResponses)
	}
	if snapshot.AITokens != 42 {
		t.Errorf("expected 42 tokens attributed, got %d", snapshot.AITokens)
	}
	if snapshot.AICost == 0 {
		t.Error("expected AI cost attributed")
	}
}

func TestResumeRecordsOriginalUserWords(t *testing.T) {
	e, st := newTestEngine(t)
	escalateOnExplanation(t, e, "s1")

	if _, err := e.ResumeWithAssistance(context.Background(), "s1", models.AssistanceResult{
		Success:          true,
		ImprovedResponse: "yes",
	}); err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	sc, err := st.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	recorded, ok := sc.ResponseFor(StepExplanation)
	if !ok {
		t.Fatal("expected a recorded response for the explanation step")
	}
	if recorded != "I suppose it could help" {
		t.Errorf("history should record the user's own words, got %q", recorded)
	}
}

func TestResumeFailsOpenOnUnsuccessfulInterpretation(t *testing.T) {
	e, _ := newTestEngine(t)
	escalateOnExplanation(t, e, "s1")

	result, err := e.ResumeWithAssistance(context.Background(), "s1", models.AssistanceResult{Success: false})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !result.RequiresRetry {
		t.Error("expected scripted retry when assistance is unavailable")
	}
	if result.CurrentStep != StepExplanation {
		t.Errorf("fail-open resume moved the session to %q", result.CurrentStep)
	}
	if result.UsedAI {
		t.Error("failed assistance must not count as AI usage")
	}
	if !strings.Contains(result.Message, "Shall we begin?") {
		t.Errorf("expected the scripted prompt, got %q", result.Message)
	}

	// The marker is consumed either way.
	_, err = e.ResumeWithAssistance(context.Background(), "s1", models.AssistanceResult{Success: false})
	if !errors.Is(err, models.ErrNoPendingAssistance) {
		t.Errorf("expected ErrNoPendingAssistance on second resume, got %v", err)
	}
}

func TestResumeRevalidatesImprovedResponse(t *testing.T) {
	e, _ := newTestEngine(t)
	escalateOnExplanation(t, e, "s1")

	result, err := e.ResumeWithAssistance(context.Background(), "s1", models.AssistanceResult{
		Success:          true,
		ImprovedResponse: "perhaps at some point",
	})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !result.RequiresRetry {
		t.Error("expected retry when the interpretation still fails validation")
	}
	if result.CurrentStep != StepExplanation {
		t.Errorf("invalid interpretation advanced the session to %q", result.CurrentStep)
	}

	snapshot, err := e.Status(context.Background(), "s1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if snapshot.AIResponses != 0 {
		t.Errorf("rejected interpretation must not count as AI usage, got %d", snapshot.AIResponses)
	}
}
