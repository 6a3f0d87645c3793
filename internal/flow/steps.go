package flow

import (
	"fmt"
	"strings"

	"github.com/mindshift-labs/mindpipe/internal/models"
)

// Step identifiers. IDs are unique across the whole table so a step's
// NextStep pointer can cross phase boundaries.
const (
	StepWelcome          = "welcome"
	StepExplanation      = "mind_shifting_explanation"
	StepMethodSelection  = "method_selection"
	StepMethodConfirm    = "method_confirmation"
	StepBodySensation    = "body_sensation"
	StepFeelingNaming    = "feeling_naming"
	StepDesiredFeeling   = "desired_feeling"
	StepFeelingShift     = "feeling_shift"
	StepProblemCheck     = "problem_check"
	StepIntegrationStart = "integration_start"
	StepFutureCheck      = "future_check"
	StepSessionComplete  = "session_complete"
)

// ReflectionPlaceholder is the template key filled with the user's own
// words (raw, or AI-polished via linguistic processing).
const ReflectionPlaceholder = "reflection"

// Modalities offered in the method selection step.
var Modalities = []string{
	"Problem Shifting",
	"Identity Shifting",
	"Belief Shifting",
	"Blockage Shifting",
}

// StepDefinition is one immutable entry of the step table.
type StepDefinition struct {
	ID         string
	Phase      models.Phase
	Prompt     string // template; {{step_id}} placeholders are filled from recorded responses
	Expected   models.ResponseType
	Validation []ValidationRule // evaluated in order, first failure wins
	AITriggers []AITrigger      // consulted only when a validation rule fails
	Linguistic bool             // the next prompt reflects this step's input via {{reflection}}
	NextStep   string           // step ID or models.StepComplete
}

// Table is the immutable step definition table, read-only after Load.
type Table struct {
	steps   map[string]*StepDefinition
	ordered []string
	initial *StepDefinition
}

// NewTable builds a table from definitions. The first definition is the
// initial step. Integrity is not checked here; call Validate.
func NewTable(defs []*StepDefinition) *Table {
	t := &Table{steps: make(map[string]*StepDefinition, len(defs))}
	for _, d := range defs {
		t.steps[d.ID] = d
		t.ordered = append(t.ordered, d.ID)
	}
	if len(defs) > 0 {
		t.initial = defs[0]
	}
	return t
}

// Validate checks table integrity: every step carries a valid phase and
// every NextStep resolves to an existing step or the terminal sentinel,
// and only steps in the complete phase may use the sentinel's phase.
// Broken references are configuration bugs and must fail startup.
func (t *Table) Validate() error {
	if t.initial == nil {
		return fmt.Errorf("step table is empty")
	}
	for _, id := range t.ordered {
		d := t.steps[id]
		if !models.IsValidPhase(d.Phase) {
			return fmt.Errorf("step %s: invalid phase %q", id, d.Phase)
		}
		if d.NextStep == models.StepComplete {
			continue
		}
		next, ok := t.steps[d.NextStep]
		if !ok {
			return fmt.Errorf("step %s: next step %q does not exist", id, d.NextStep)
		}
		if d.Phase == models.PhaseComplete {
			return fmt.Errorf("step %s: complete phase steps must be terminal, found next %q", id, next.ID)
		}
	}
	return nil
}

// Resolve looks up the step for a (phase, step) pair. Both must match:
// a stale phase pointer is as much a configuration bug as a missing step.
func (t *Table) Resolve(phase models.Phase, stepID string) (*StepDefinition, bool) {
	d, ok := t.steps[stepID]
	if !ok || d.Phase != phase {
		return nil, false
	}
	return d, true
}

// Initial returns the welcome step the session starts on.
func (t *Table) Initial() *StepDefinition {
	return t.initial
}

// Len returns the number of steps in the table.
func (t *Table) Len() int { return len(t.ordered) }

// StepIDs returns the step identifiers in declaration order.
func (t *Table) StepIDs() []string {
	out := make([]string, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// LinguisticSource returns the step whose recorded input feeds the
// {{reflection}} placeholder in the given step's prompt, if any.
func (t *Table) LinguisticSource(stepID string) (*StepDefinition, bool) {
	for _, id := range t.ordered {
		d := t.steps[id]
		if d.Linguistic && d.NextStep == stepID {
			return d, true
		}
	}
	return nil, false
}

// RenderTemplate fills {{key}} placeholders from values. Unknown
// placeholders are left in place so a second rendering pass (the
// linguistic reflection) can fill them.
func RenderTemplate(tmpl string, values map[string]string) string {
	out := tmpl
	for k, v := range values {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// DefaultTable returns the Mind Shifting session script. The guided
// flow runs introduction → modality selection → treatment (Problem
// Shifting sequence) → integration → complete.
func DefaultTable() *Table {
	return NewTable([]*StepDefinition{
		{
			ID:       StepWelcome,
			Phase:    models.PhaseIntroduction,
			Prompt:   "Welcome to Mind Shifting. This is a guided process that works with how a problem feels rather than why it exists. In a few words, what problem would you like to work on today?",
			Expected: models.ResponseTypeProblem,
			Validation: []ValidationRule{
				ruleNonEmpty("Please tell me, in a few words, what problem you'd like to work on."),
				ruleNotQuestion("Please state it as a problem rather than a question — for example, 'I feel anxious about money'."),
				ruleProblemStated("Try stating it as the problem you have now, rather than what you'd like — for example, 'I feel anxious about money'."),
				ruleMaxWords(30, "Let's keep it brief. Can you state the problem in just a few words?"),
			},
			AITriggers: []AITrigger{triggerGoalStated()},
			NextStep:   StepExplanation,
		},
		{
			ID:       StepExplanation,
			Phase:    models.PhaseIntroduction,
			Prompt:   "We'll work on '{{welcome}}'. Mind Shifting uses short, scripted questions. There are no right or wrong answers — just notice what you feel and say it simply. Shall we begin? (yes/no)",
			Expected: models.ResponseTypeConfirmation,
			Validation: []ValidationRule{
				ruleNonEmpty("Shall we begin? Reply yes when you're ready."),
				ruleAffirmative("That's fine — take your time. Reply yes when you're ready to begin."),
			},
			AITriggers: []AITrigger{triggerAmbiguousConfirmation()},
			NextStep:   StepMethodSelection,
		},
		{
			ID:       StepMethodSelection,
			Phase:    models.PhaseModalitySelection,
			Prompt:   "Which method would you like to use?\n1. Problem Shifting\n2. Identity Shifting\n3. Belief Shifting\n4. Blockage Shifting\n(Reply with 1-4 or the method name)",
			Expected: models.ResponseTypeSelection,
			Validation: []ValidationRule{
				ruleNonEmpty("Please choose a method: reply with 1-4 or its name."),
				ruleSelection(Modalities, "I didn't catch that — reply with 1-4 or the method name."),
			},
			AITriggers: []AITrigger{triggerUnrecognizedSelection()},
			NextStep:   StepMethodConfirm,
		},
		{
			ID:       StepMethodConfirm,
			Phase:    models.PhaseModalitySelection,
			Prompt:   "We'll use {{method_selection}} on '{{welcome}}'. Find somewhere quiet and comfortable. Ready to start? (yes/no)",
			Expected: models.ResponseTypeConfirmation,
			Validation: []ValidationRule{
				ruleNonEmpty("Ready to start? Reply yes when you are."),
				ruleAffirmative("No rush. Reply yes when you're ready to start."),
			},
			AITriggers: []AITrigger{triggerAmbiguousConfirmation()},
			NextStep:   StepBodySensation,
		},
		{
			ID:       StepBodySensation,
			Phase:    models.PhaseInTreatment,
			Prompt:   "Close your eyes. Think of '{{welcome}}' and let yourself feel it now. Where do you feel it in your body?",
			Expected: models.ResponseTypeFreeText,
			Validation: []ValidationRule{
				ruleNonEmpty("Take a moment and notice — where in your body do you feel it?"),
			},
			NextStep: StepFeelingNaming,
		},
		{
			ID:         StepFeelingNaming,
			Phase:      models.PhaseInTreatment,
			Prompt:     "Stay with that feeling in your {{body_sensation}}. What does it feel like?",
			Expected:   models.ResponseTypeFreeText,
			Validation: []ValidationRule{ruleNonEmpty("Just describe the feeling in your own words — whatever comes.")},
			Linguistic: true,
			NextStep:   StepDesiredFeeling,
		},
		{
			ID:         StepDesiredFeeling,
			Phase:      models.PhaseInTreatment,
			Prompt:     "Feel '{{reflection}}'. What would you rather feel instead?",
			Expected:   models.ResponseTypeFreeText,
			Validation: []ValidationRule{ruleNonEmpty("What would you rather feel? Say it in your own words.")},
			Linguistic: true,
			NextStep:   StepFeelingShift,
		},
		{
			ID:         StepFeelingShift,
			Phase:      models.PhaseInTreatment,
			Prompt:     "What would you feel like if '{{reflection}}'?",
			Expected:   models.ResponseTypeFreeText,
			Validation: []ValidationRule{ruleNonEmpty("Let the feeling come, then describe it.")},
			NextStep:   StepProblemCheck,
		},
		{
			ID:       StepProblemCheck,
			Phase:    models.PhaseInTreatment,
			Prompt:   "Now think about the original problem — '{{welcome}}'. Does it still feel like a problem? (yes/no)",
			Expected: models.ResponseTypeConfirmation,
			Validation: []ValidationRule{
				ruleNonEmpty("Check in with yourself — does it still feel like a problem?"),
				ruleResolved("Okay — feel the problem again, and where it sits in your body. Stay with it for a moment, then tell me: does it still feel like a problem? (yes/no)"),
			},
			AITriggers: []AITrigger{triggerAmbiguousConfirmation()},
			NextStep:   StepIntegrationStart,
		},
		{
			ID:         StepIntegrationStart,
			Phase:      models.PhaseIntegration,
			Prompt:     "Good. Open your eyes. Thinking about '{{welcome}}' now — what has changed for you?",
			Expected:   models.ResponseTypeFreeText,
			Validation: []ValidationRule{ruleNonEmpty("Whatever you noticed is fine — what feels different?")},
			NextStep:   StepFutureCheck,
		},
		{
			ID:       StepFutureCheck,
			Phase:    models.PhaseIntegration,
			Prompt:   "Picture a situation where this used to show up. Can you imagine handling it calmly now? (yes/no)",
			Expected: models.ResponseTypeConfirmation,
			Validation: []ValidationRule{
				ruleNonEmpty("Picture it for a moment — can you see yourself handling it calmly?"),
				ruleAffirmative("That's useful to notice. Picture the situation once more, and when you can see yourself handling it calmly, reply yes."),
			},
			AITriggers: []AITrigger{triggerAmbiguousConfirmation()},
			NextStep:   StepSessionComplete,
		},
		{
			ID:       StepSessionComplete,
			Phase:    models.PhaseComplete,
			Prompt:   "Well done — the session is complete. The shift you made will keep settling in over the next few days. You can review this session or start a new one whenever you like.",
			Expected: models.ResponseTypeFreeText,
			NextStep: models.StepComplete,
		},
	})
}
