// Package flow implements the treatment session state machine: the step
// definition table, deterministic input validation, and the transition
// engine that advances a session through its phases.
package flow

import (
	"strings"
)

// ValidationRule is a deterministic predicate over raw user input.
// Rules run in declaration order; the first failing rule's Message is
// returned to the user as the retry prompt.
type ValidationRule struct {
	Name    string
	Message string
	Check   func(input string) bool
}

// AITrigger marks input the scripted rules cannot classify. When a rule
// fails and a trigger matches, the engine escalates to the AI assistance
// gate instead of returning a retry.
type AITrigger struct {
	Name   string
	Reason string
	Match  func(input string) bool
}

var affirmativeWords = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yep": true, "sure": true,
	"ok": true, "okay": true, "ready": true, "absolutely": true, "definitely": true,
}

var negativeWords = map[string]bool{
	"no": true, "n": true, "nope": true, "nah": true, "not": true,
}

// normalize lowercases and strips surrounding whitespace and trailing punctuation.
func normalize(input string) string {
	s := strings.ToLower(strings.TrimSpace(input))
	return strings.TrimRight(s, ".!?,")
}

// isAffirmative reports whether the input reads as a yes.
func isAffirmative(input string) bool {
	s := normalize(input)
	if affirmativeWords[s] {
		return true
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	// "yes please", "yeah let's go"
	return affirmativeWords[fields[0]]
}

// isNegative reports whether the input reads as a no.
func isNegative(input string) bool {
	s := normalize(input)
	if negativeWords[s] {
		return true
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	if negativeWords[fields[0]] {
		return true
	}
	// "not really", "it's not a problem anymore"
	return strings.Contains(s, "not a problem") || strings.Contains(s, "no longer")
}

// wordCount counts whitespace-separated words.
func wordCount(input string) int {
	return len(strings.Fields(input))
}

// Rule constructors. Each returns a self-contained rule so the step
// table stays declarative.

func ruleNonEmpty(message string) ValidationRule {
	return ValidationRule{
		Name:    "non_empty",
		Message: message,
		Check:   func(input string) bool { return strings.TrimSpace(input) != "" },
	}
}

func ruleMaxWords(limit int, message string) ValidationRule {
	return ValidationRule{
		Name:    "max_words",
		Message: message,
		Check:   func(input string) bool { return wordCount(input) <= limit },
	}
}

// ruleNotQuestion rejects input phrased as a question; the script needs
// a statement to work with.
func ruleNotQuestion(message string) ValidationRule {
	return ValidationRule{
		Name:    "not_question",
		Message: message,
		Check:   func(input string) bool { return !strings.HasSuffix(strings.TrimSpace(input), "?") },
	}
}

// ruleProblemStated rejects input phrased as a goal or wish. The
// process needs a problem to work on; goal phrasing is left for the
// goal_stated trigger to escalate.
func ruleProblemStated(message string) ValidationRule {
	return ValidationRule{
		Name:    "problem_stated",
		Message: message,
		Check:   func(input string) bool { return !isGoalPhrased(input) },
	}
}

// ruleAffirmative passes only on a yes-like reply. A clear "no" fails
// deterministically (retry on the same step); anything else is left for
// the step's AI triggers to pick up.
func ruleAffirmative(message string) ValidationRule {
	return ValidationRule{
		Name:    "affirmative",
		Message: message,
		Check:   isAffirmative,
	}
}

// ruleResolved passes once the user reports the problem no longer feels
// like a problem.
func ruleResolved(message string) ValidationRule {
	return ValidationRule{
		Name:    "resolved",
		Message: message,
		Check:   isNegative,
	}
}

// ruleSelection passes when the input matches one of the numbered
// options or option labels. Matching is case-insensitive.
func ruleSelection(options []string, message string) ValidationRule {
	return ValidationRule{
		Name:    "selection",
		Message: message,
		Check: func(input string) bool {
			_, ok := MatchSelection(options, input)
			return ok
		},
	}
}

// MatchSelection resolves input against a numbered option list by index
// ("2") or by label ("identity shifting"). Returns the matched label.
func MatchSelection(options []string, input string) (string, bool) {
	s := normalize(input)
	if s == "" {
		return "", false
	}
	for i, opt := range options {
		if s == strings.ToLower(opt) {
			return opt, true
		}
		if len(s) == 1 && s[0] == byte('1'+i) {
			return opt, true
		}
	}
	// Partial label match ("identity" for "Identity Shifting")
	for _, opt := range options {
		if strings.Contains(strings.ToLower(opt), s) {
			return opt, true
		}
	}
	return "", false
}

// isGoalPhrased reports whether input reads as a goal or wish rather
// than a problem statement.
func isGoalPhrased(input string) bool {
	s := normalize(input)
	return strings.HasPrefix(s, "i want") || strings.HasPrefix(s, "i wish") ||
		strings.HasPrefix(s, "i'd like") || strings.HasPrefix(s, "i would like")
}

// Trigger constructors.

// triggerGoalStated matches input phrased as a goal rather than a
// problem ("I want to...", "I wish..."); the gate rephrases it into a
// workable problem statement.
func triggerGoalStated() AITrigger {
	return AITrigger{
		Name:   "goal_stated",
		Reason: "input looks like a goal, not a problem statement",
		Match:  isGoalPhrased,
	}
}

// triggerAmbiguousConfirmation matches substantial free text on a
// yes/no step, where the intent cannot be classified by lexicon.
func triggerAmbiguousConfirmation() AITrigger {
	return AITrigger{
		Name:   "ambiguous_confirmation",
		Reason: "reply is neither a clear yes nor a clear no",
		Match: func(input string) bool {
			if isAffirmative(input) || isNegative(input) {
				return false
			}
			return wordCount(input) >= 3
		},
	}
}

// triggerUnrecognizedSelection matches descriptive input on a selection
// step that names none of the options.
func triggerUnrecognizedSelection() AITrigger {
	return AITrigger{
		Name:   "unrecognized_selection",
		Reason: "reply does not name any offered method",
		Match: func(input string) bool {
			return wordCount(input) >= 3
		},
	}
}
