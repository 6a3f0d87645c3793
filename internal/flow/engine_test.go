package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mindshift-labs/mindpipe/internal/models"
	"github.com/mindshift-labs/mindpipe/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.InMemoryStore) {
	t.Helper()
	table := DefaultTable()
	if err := table.Validate(); err != nil {
		t.Fatalf("table validation failed: %v", err)
	}
	st := store.NewInMemoryStore()
	return NewEngine(st, table), st
}

func startSession(t *testing.T, e *Engine, sessionID string) *models.ProcessingResult {
	t.Helper()
	result, err := e.ProcessInput(context.Background(), sessionID, models.ActionStart, ProcessOptions{
		UserID:         "user-1",
		IsInitialStart: true,
	})
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	return result
}

func continueSession(t *testing.T, e *Engine, sessionID, input string) *models.ProcessingResult {
	t.Helper()
	result, err := e.ProcessInput(context.Background(), sessionID, input, ProcessOptions{UserID: "user-1"})
	if err != nil {
		t.Fatalf("failed to process input %q: %v", input, err)
	}
	return result
}

func TestStartReturnsWelcomePrompt(t *testing.T) {
	e, _ := newTestEngine(t)
	result := startSession(t, e, "s1")

	if result.CurrentStep != StepWelcome {
		t.Errorf("expected step %q, got %q", StepWelcome, result.CurrentStep)
	}
	if result.CurrentPhase != models.PhaseIntroduction {
		t.Errorf("expected phase %q, got %q", models.PhaseIntroduction, result.CurrentPhase)
	}
	if !result.CanContinue {
		t.Error("expected CanContinue after start")
	}
	if !strings.Contains(result.Message, "Welcome to Mind Shifting") {
		t.Errorf("unexpected welcome message: %q", result.Message)
	}
}

func TestStartIsIdempotentOnStep(t *testing.T) {
	e, _ := newTestEngine(t)
	first := startSession(t, e, "s1")
	second := startSession(t, e, "s1")
	if first.CurrentStep != second.CurrentStep || first.Message != second.Message {
		t.Errorf("repeated start changed state: %q vs %q", first.CurrentStep, second.CurrentStep)
	}
}

func TestValidInputAdvancesAndRendersHistory(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, "s1")

	result := continueSession(t, e, "s1", "I feel anxious about money")
	if result.CurrentStep != StepExplanation {
		t.Fatalf("expected step %q, got %q", StepExplanation, result.CurrentStep)
	}
	if !strings.Contains(result.Message, "I feel anxious about money") {
		t.Errorf("expected prompt to reflect recorded problem, got %q", result.Message)
	}
	if !result.CanContinue {
		t.Error("expected CanContinue after advancing")
	}
}

func TestInvalidInputRetriesWithoutAdvancing(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, "s1")

	result := continueSession(t, e, "s1", "why do I feel like this?")
	if !result.RequiresRetry {
		t.Error("expected RequiresRetry for question input")
	}
	if result.CurrentStep != StepWelcome {
		t.Errorf("session advanced on invalid input, now at %q", result.CurrentStep)
	}

	// Retrying with the same input is idempotent.
	again := continueSession(t, e, "s1", "why do I feel like this?")
	if again.Message != result.Message || again.CurrentStep != result.CurrentStep {
		t.Error("retry with identical input was not idempotent")
	}

	snapshot, err := e.Status(context.Background(), "s1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if snapshot.ScriptedResponses != 0 {
		t.Errorf("retry should not count as a completed transition, got %d", snapshot.ScriptedResponses)
	}
}

func TestEmptyInputRetries(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, "s1")

	result := continueSession(t, e, "s1", "   ")
	if !result.RequiresRetry {
		t.Error("expected RequiresRetry for blank input")
	}
}

func TestFullScriptedSession(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, "s1")

	inputs := []struct {
		input    string
		wantStep string
	}{
		{"I feel anxious about money", StepExplanation},
		{"yes", StepMethodSelection},
		{"1", StepMethodConfirm},
		{"yes", StepBodySensation},
		{"in my chest", StepFeelingNaming},
		{"a tight knot", StepDesiredFeeling},
		{"calm and open", StepFeelingShift},
		{"light, like I can breathe", StepProblemCheck},
		{"no", StepIntegrationStart},
		{"it feels smaller now", StepFutureCheck},
		{"yes", StepSessionComplete},
	}

	var last *models.ProcessingResult
	for _, step := range inputs {
		last = continueSession(t, e, "s1", step.input)
		if last.CurrentStep != step.wantStep {
			t.Fatalf("after input %q: expected step %q, got %q (message %q)",
				step.input, step.wantStep, last.CurrentStep, last.Message)
		}
	}

	if last.CanContinue {
		t.Error("expected CanContinue=false at session completion")
	}
	if last.CurrentPhase != models.PhaseComplete {
		t.Errorf("expected phase %q, got %q", models.PhaseComplete, last.CurrentPhase)
	}

	snapshot, err := e.Status(context.Background(), "s1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if snapshot.Status != models.SessionStatusComplete {
		t.Errorf("expected session status complete, got %q", snapshot.Status)
	}
	if snapshot.ScriptedResponses != len(inputs) {
		t.Errorf("expected %d scripted responses, got %d", len(inputs), snapshot.ScriptedResponses)
	}
	if snapshot.AIResponses != 0 {
		t.Errorf("expected no AI responses on a fully scripted run, got %d", snapshot.AIResponses)
	}
}

func TestIdenticalSessionsAreDeterministic(t *testing.T) {
	e, _ := newTestEngine(t)
	inputs := []string{"I feel anxious about money", "yes", "2", "yes", "in my chest"}

	runSession := func(id string) []string {
		var messages []string
		messages = append(messages, startSession(t, e, id).Message)
		for _, in := range inputs {
			messages = append(messages, continueSession(t, e, id, in).Message)
		}
		return messages
	}

	a := runSession("det-a")
	b := runSession("det-b")
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("message %d diverged between identical sessions:\n%q\n%q", i, a[i], b[i])
		}
	}
}

func TestCompletedSessionRejectsInput(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, "s1")
	for _, in := range []string{
		"I feel anxious about money", "yes", "1", "yes", "in my chest",
		"a tight knot", "calm", "light", "no", "it feels smaller", "yes",
	} {
		continueSession(t, e, "s1", in)
	}

	result := continueSession(t, e, "s1", "hello again")
	if result.CanContinue {
		t.Error("completed session accepted further input")
	}

	snapshot, err := e.Status(context.Background(), "s1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if snapshot.ScriptedResponses != 11 {
		t.Errorf("input after completion changed counters: %d", snapshot.ScriptedResponses)
	}
}

func TestExpiredSessionRejectsInput(t *testing.T) {
	e, st := newTestEngine(t)
	startSession(t, e, "s1")
	continueSession(t, e, "s1", "I feel anxious about money")

	ctx := context.Background()
	expired, err := st.ExpireSessions(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired session, got %d", expired)
	}

	result := continueSession(t, e, "s1", "yes")
	if result.CanContinue {
		t.Error("expired session accepted further input")
	}
	if !strings.Contains(result.Message, "expired") {
		t.Errorf("expected expiry message, got %q", result.Message)
	}
}

func TestUnknownSessionFailsWithoutInitialStart(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.ProcessInput(context.Background(), "ghost", "hello", ProcessOptions{UserID: "user-1"})
	if !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUnresolvableStateFailsClosed(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	if err := st.CreateSession(ctx, models.SessionContext{
		SessionID:    "broken",
		UserID:       "user-1",
		Status:       models.SessionStatusActive,
		CurrentPhase: models.PhaseInTreatment,
		CurrentStep:  "no_such_step",
		StartTime:    time.Now(),
		LastActivity: time.Now(),
	}); err != nil {
		t.Fatalf("failed to seed broken session: %v", err)
	}

	_, err := e.ProcessInput(ctx, "broken", "hello", ProcessOptions{UserID: "user-1"})
	if !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestLinguisticStepExposesTemplate(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, "s1")
	for _, in := range []string{"I feel anxious about money", "yes", "1", "yes", "in my chest"} {
		continueSession(t, e, "s1", in)
	}

	result := continueSession(t, e, "s1", "a tight knot")
	if !result.NeedsLinguisticProcessing {
		t.Fatal("expected linguistic processing flag after feeling naming")
	}
	if result.RawInput != "a tight knot" {
		t.Errorf("expected raw input preserved, got %q", result.RawInput)
	}
	if !strings.Contains(result.MessageTemplate, "{{"+ReflectionPlaceholder+"}}") {
		t.Errorf("expected template to retain reflection placeholder, got %q", result.MessageTemplate)
	}
	if !strings.Contains(result.Message, "a tight knot") {
		t.Errorf("expected fail-open message to use raw input, got %q", result.Message)
	}
}

func TestStartMidSessionRendersReflection(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, "s1")
	for _, in := range []string{"I feel anxious about money", "yes", "1", "yes", "in my chest", "a tight knot"} {
		continueSession(t, e, "s1", in)
	}

	// Re-presenting the desired-feeling prompt must fill the reflection
	// from the recorded feeling, never show the raw placeholder.
	result := startSession(t, e, "s1")
	if result.CurrentStep != StepDesiredFeeling {
		t.Fatalf("expected step %q, got %q", StepDesiredFeeling, result.CurrentStep)
	}
	if strings.Contains(result.Message, "{{") {
		t.Errorf("prompt leaked an unrendered placeholder: %q", result.Message)
	}
	if !strings.Contains(result.Message, "a tight knot") {
		t.Errorf("expected prompt to reflect the recorded feeling, got %q", result.Message)
	}

	continueSession(t, e, "s1", "calm and open")
	result = startSession(t, e, "s1")
	if result.CurrentStep != StepFeelingShift {
		t.Fatalf("expected step %q, got %q", StepFeelingShift, result.CurrentStep)
	}
	if strings.Contains(result.Message, "{{") {
		t.Errorf("prompt leaked an unrendered placeholder: %q", result.Message)
	}
	if !strings.Contains(result.Message, "calm and open") {
		t.Errorf("expected prompt to reflect the desired feeling, got %q", result.Message)
	}
}

func TestSessionLocksAreReaped(t *testing.T) {
	e, _ := newTestEngine(t)
	for _, id := range []string{"s1", "s2", "s3"} {
		startSession(t, e, id)
		continueSession(t, e, id, "I feel anxious about money")
	}

	e.locks.mu.Lock()
	held := len(e.locks.locks)
	e.locks.mu.Unlock()
	if held != 0 {
		t.Errorf("expected no lock entries after transitions finished, got %d", held)
	}
}

func TestSelectionRendersMatchedLabel(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, "s1")
	continueSession(t, e, "s1", "I feel anxious about money")
	continueSession(t, e, "s1", "yes")

	result := continueSession(t, e, "s1", "2")
	if !strings.Contains(result.Message, "Identity Shifting") {
		t.Errorf("expected confirmation prompt to name the chosen method, got %q", result.Message)
	}
}

func TestInteractionsRecorded(t *testing.T) {
	e, st := newTestEngine(t)
	startSession(t, e, "s1")
	continueSession(t, e, "s1", "I feel anxious about money")
	continueSession(t, e, "s1", "yes")

	interactions, err := st.ListInteractions(context.Background(), "s1")
	if err != nil {
		t.Fatalf("list interactions failed: %v", err)
	}
	if len(interactions) != 2 {
		t.Fatalf("expected 2 interactions, got %d", len(interactions))
	}
	if interactions[0].StepID != StepWelcome || interactions[0].UserInput != "I feel anxious about money" {
		t.Errorf("unexpected first interaction: %+v", interactions[0])
	}
	if interactions[0].ID == "" {
		t.Error("interaction ID was not assigned")
	}
}
