package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mindshift-labs/mindpipe/internal/models"
	"github.com/mindshift-labs/mindpipe/internal/store"
)

// Metadata keys for the pending assistance marker. The marker makes the
// two-phase AI hand-off explicit: a resume without a matching request
// fails closed.
const (
	metaPendingStep    = "pending_assistance_step"
	metaPendingTrigger = "pending_assistance_trigger"
	metaPendingReason  = "pending_assistance_reason"
	metaPendingInput   = "pending_assistance_input"
)

// ProcessOptions carries per-call context for ProcessInput.
type ProcessOptions struct {
	UserID         string
	TenantID       string
	IsInitialStart bool // create the session context if it does not exist
}

// Engine is the transition engine: it validates input against the step
// table and is the only component that mutates session contexts.
type Engine struct {
	store store.Store
	table *Table
	locks *sessionLocks
}

// NewEngine creates a transition engine over the given store and step
// table. The table must have been validated at load time.
func NewEngine(st store.Store, table *Table) *Engine {
	slog.Debug("Engine.NewEngine: creating engine", "steps", table.Len())
	return &Engine{store: st, table: table, locks: newSessionLocks()}
}

// sessionLocks serializes transitions per session ID so two concurrent
// continue calls cannot race on the read-modify-write of the context.
// Entries are refcounted and reaped on release, so the map holds only
// sessions with a transition in flight, not every session ever seen.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire blocks until the session's lock is held and returns the
// release function.
func (l *sessionLocks) acquire(sessionID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[sessionID]
	if !ok {
		entry = &sessionLock{}
		l.locks[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}

// ProcessInput runs one transition for a session: load (or create) the
// context, resolve the current step, validate the input, and either
// advance, request a retry, or escalate to AI assistance.
func (e *Engine) ProcessInput(ctx context.Context, sessionID, rawInput string, opts ProcessOptions) (*models.ProcessingResult, error) {
	release := e.locks.acquire(sessionID)
	defer release()

	slog.Debug("Engine.ProcessInput: processing", "sessionID", sessionID, "initialStart", opts.IsInitialStart, "inputLength", len(rawInput))

	sc, err := e.loadOrCreate(ctx, sessionID, opts)
	if err != nil {
		return nil, err
	}

	if sc.Status != models.SessionStatusActive {
		slog.Debug("Engine.ProcessInput: session is finished", "sessionID", sessionID, "status", sc.Status)
		return e.finishedResult(sc), nil
	}

	step, ok := e.table.Resolve(sc.CurrentPhase, sc.CurrentStep)
	if !ok {
		// Configuration bug: fail closed rather than silently stalling.
		slog.Error("Engine.ProcessInput: session points at undefined step",
			"sessionID", sessionID, "phase", sc.CurrentPhase, "step", sc.CurrentStep)
		return nil, fmt.Errorf("session %s at %s/%s: %w", sessionID, sc.CurrentPhase, sc.CurrentStep, models.ErrInvalidState)
	}

	// Fresh input supersedes an escalation the caller never resumed;
	// a stale marker must not let a later resume replay it.
	if sc.Metadata[metaPendingStep] != "" {
		slog.Debug("Engine.ProcessInput: clearing abandoned assistance marker",
			"sessionID", sessionID, "pendingStep", sc.Metadata[metaPendingStep])
		clearPending(sc)
	}

	// The start action returns the current prompt without advancing;
	// advancement happens only after real user input validates.
	if rawInput == models.ActionStart {
		sc.LastActivity = time.Now()
		if err := e.store.SaveSession(ctx, *sc); err != nil {
			return nil, fmt.Errorf("failed to save session %s: %w", sessionID, err)
		}
		return &models.ProcessingResult{
			SessionID:    sessionID,
			CurrentPhase: sc.CurrentPhase,
			CurrentStep:  sc.CurrentStep,
			Message:      e.renderPrompt(sc, step),
			CanContinue:  true,
		}, nil
	}

	// Deterministic validation, declaration order, first failure wins.
	for _, rule := range step.Validation {
		if rule.Check(rawInput) {
			continue
		}
		// The scripted rules couldn't accept this input; see whether a
		// trigger classifies it as worth an AI interpretation instead of
		// bouncing it back to the user.
		for _, trig := range step.AITriggers {
			if trig.Match(rawInput) {
				return e.escalate(ctx, sc, step, rawInput, trig)
			}
		}
		slog.Debug("Engine.ProcessInput: validation failed", "sessionID", sessionID, "step", step.ID, "rule", rule.Name)
		sc.LastActivity = time.Now()
		if err := e.store.SaveSession(ctx, *sc); err != nil {
			return nil, fmt.Errorf("failed to save session %s: %w", sessionID, err)
		}
		return &models.ProcessingResult{
			SessionID:     sessionID,
			CurrentPhase:  sc.CurrentPhase,
			CurrentStep:   sc.CurrentStep,
			Message:       rule.Message,
			CanContinue:   false,
			RequiresRetry: true,
		}, nil
	}

	return e.advance(ctx, sc, step, rawInput, false, 0, 0)
}

// Status returns a read-only snapshot of the session plus usage stats.
func (e *Engine) Status(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	sc, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if sc == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	return &models.SessionSnapshot{
		SessionID:         sc.SessionID,
		UserID:            sc.UserID,
		TenantID:          sc.TenantID,
		Status:            sc.Status,
		CurrentPhase:      sc.CurrentPhase,
		CurrentStep:       sc.CurrentStep,
		StartTime:         sc.StartTime,
		LastActivity:      sc.LastActivity,
		ScriptedResponses: sc.ScriptedResponses,
		AIResponses:       sc.AIResponses,
		AvgResponseMs:     sc.AvgResponseMs,
		AITokens:          sc.AITokens,
		AICost:            sc.AICost,
		StepsCompleted:    len(sc.UserResponses),
	}, nil
}

// loadOrCreate fetches the session context, creating it on initial start.
func (e *Engine) loadOrCreate(ctx context.Context, sessionID string, opts ProcessOptions) (*models.SessionContext, error) {
	sc, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if sc != nil {
		return sc, nil
	}
	if !opts.IsInitialStart {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}

	initial := e.table.Initial()
	now := time.Now()
	fresh := models.SessionContext{
		SessionID:    sessionID,
		UserID:       opts.UserID,
		TenantID:     opts.TenantID,
		Status:       models.SessionStatusActive,
		CurrentPhase: initial.Phase,
		CurrentStep:  initial.ID,
		StartTime:    now,
		LastActivity: now,
		Metadata:     make(map[string]string),
	}
	if err := e.store.CreateSession(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", sessionID, err)
	}
	slog.Info("Engine.loadOrCreate: session created", "sessionID", sessionID, "userID", opts.UserID, "phase", initial.Phase, "step", initial.ID)
	return &fresh, nil
}

// advance moves the session to the step's NextStep after input passed
// validation, persists the context, and records the interaction.
func (e *Engine) advance(ctx context.Context, sc *models.SessionContext, step *StepDefinition, input string, usedAI bool, aiCost float64, aiTokens int64) (*models.ProcessingResult, error) {
	now := time.Now()
	elapsedMs := now.Sub(sc.LastActivity).Milliseconds()

	next, ok := e.table.Resolve(nextPhase(e.table, step), step.NextStep)
	if step.NextStep != models.StepComplete && !ok {
		// Table.Validate makes this unreachable; fail closed regardless.
		slog.Error("Engine.advance: next step unresolvable", "sessionID", sc.SessionID, "step", step.ID, "next", step.NextStep)
		return nil, fmt.Errorf("step %s next %s: %w", step.ID, step.NextStep, models.ErrInvalidState)
	}

	// Append-only history: a passed step's response is never overwritten.
	sc.UserResponses = append(sc.UserResponses, models.StepResponse{StepID: step.ID, Input: input, Recorded: now})

	transitions := sc.ScriptedResponses + sc.AIResponses
	sc.AvgResponseMs = (sc.AvgResponseMs*float64(transitions) + float64(elapsedMs)) / float64(transitions+1)
	if usedAI {
		sc.AIResponses++
		sc.AITokens += aiTokens
		sc.AICost += aiCost
	} else {
		sc.ScriptedResponses++
	}
	sc.LastActivity = now

	if step.NextStep == models.StepComplete || next.Phase == models.PhaseComplete {
		sc.Status = models.SessionStatusComplete
	}
	if step.NextStep != models.StepComplete {
		sc.CurrentPhase = next.Phase
		sc.CurrentStep = next.ID
	}

	if err := e.store.SaveSession(ctx, *sc); err != nil {
		return nil, fmt.Errorf("failed to save session %s: %w", sc.SessionID, err)
	}

	result := &models.ProcessingResult{
		SessionID:    sc.SessionID,
		CurrentPhase: sc.CurrentPhase,
		CurrentStep:  sc.CurrentStep,
		CanContinue:  sc.Status == models.SessionStatusActive,
		UsedAI:       usedAI,
		AICost:       aiCost,
		AITokens:     aiTokens,
	}

	if step.NextStep == models.StepComplete {
		result.Message = e.renderPrompt(sc, step)
	} else {
		template := RenderTemplate(next.Prompt, e.promptValues(sc))
		if step.Linguistic {
			// The caller may have the gate polish the reflection; the raw
			// words are the fail-open rendering.
			result.NeedsLinguisticProcessing = true
			result.MessageTemplate = template
			result.RawInput = input
			result.Message = RenderTemplate(template, map[string]string{ReflectionPlaceholder: input})
		} else {
			result.Message = template
		}
	}

	if err := e.store.AddInteraction(ctx, models.Interaction{
		ID:         uuid.NewString(),
		SessionID:  sc.SessionID,
		StepID:     step.ID,
		UserInput:  input,
		Response:   result.Message,
		UsedAI:     usedAI,
		ResponseMs: elapsedMs,
		CreatedAt:  now,
	}); err != nil {
		// The transition already persisted; losing one audit row is not
		// worth failing the user's turn.
		slog.Warn("Engine.advance: failed to record interaction", "error", err, "sessionID", sc.SessionID, "step", step.ID)
	}

	slog.Info("Engine.advance: transition", "sessionID", sc.SessionID, "from", step.ID, "to", sc.CurrentStep, "phase", sc.CurrentPhase, "usedAI", usedAI)
	return result, nil
}

// promptValues assembles template values from the recorded responses.
func (e *Engine) promptValues(sc *models.SessionContext) map[string]string {
	values := make(map[string]string, len(sc.UserResponses))
	for _, r := range sc.UserResponses {
		values[r.StepID] = r.Input
	}
	// The method selection renders as the matched label, not "2".
	if raw, ok := values[StepMethodSelection]; ok {
		if label, matched := MatchSelection(Modalities, raw); matched {
			values[StepMethodSelection] = label
		}
	}
	return values
}

// renderPrompt renders a step's prompt with the session's recorded
// responses. A {{reflection}} placeholder is filled from the preceding
// linguistic step's input, so re-presenting a mid-session prompt never
// leaks the raw placeholder.
func (e *Engine) renderPrompt(sc *models.SessionContext, step *StepDefinition) string {
	values := e.promptValues(sc)
	if source, ok := e.table.LinguisticSource(step.ID); ok {
		if input, recorded := sc.ResponseFor(source.ID); recorded {
			values[ReflectionPlaceholder] = input
		}
	}
	return RenderTemplate(step.Prompt, values)
}

// finishedResult is returned for any input on a completed or expired session.
func (e *Engine) finishedResult(sc *models.SessionContext) *models.ProcessingResult {
	message := "This session is complete."
	if sc.Status == models.SessionStatusExpired {
		message = "This session has expired after a period of inactivity. Please start a new session."
	} else if step, ok := e.table.Resolve(sc.CurrentPhase, sc.CurrentStep); ok {
		message = e.renderPrompt(sc, step)
	}
	return &models.ProcessingResult{
		SessionID:    sc.SessionID,
		CurrentPhase: sc.CurrentPhase,
		CurrentStep:  sc.CurrentStep,
		Message:      message,
		CanContinue:  false,
	}
}

// nextPhase returns the phase the step's NextStep lives in, defaulting
// to the step's own phase for the terminal sentinel.
func nextPhase(t *Table, step *StepDefinition) models.Phase {
	if step.NextStep == models.StepComplete {
		return step.Phase
	}
	if next, ok := t.steps[step.NextStep]; ok {
		return next.Phase
	}
	return step.Phase
}
