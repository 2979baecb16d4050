// Package classify reads the intent of a patient utterance.
package classify

import (
	"context"
	"strings"
	"unicode"

	"github.com/wolfman30/pearlflow/internal/session"
	"github.com/wolfman30/pearlflow/internal/triage"
)

// Classifier maps an utterance, given the agent currently speaking, to the
// agent that should answer and the structured intent.
type Classifier interface {
	Classify(ctx context.Context, text string, current session.Agent) (session.Classification, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, text string, current session.Agent) (session.Classification, error)

func (f Func) Classify(ctx context.Context, text string, current session.Agent) (session.Classification, error) {
	return f(ctx, text, current)
}

var painWords = map[string]struct{}{
	"pain": {}, "painful": {}, "hurt": {}, "hurts": {}, "hurting": {}, "ache": {}, "aching": {},
	"toothache": {}, "sore": {}, "swollen": {}, "swelling": {}, "bleeding": {}, "throbbing": {},
	"sensitive": {}, "sensitivity": {}, "broken": {}, "cracked": {}, "chipped": {}, "abscess": {},
	"infection": {}, "infected": {},
}

var bookingWords = map[string]struct{}{
	"book": {}, "booking": {}, "appointment": {}, "appointments": {}, "schedule": {}, "reschedule": {},
	"slot": {}, "slots": {}, "available": {}, "availability": {}, "visit": {}, "cleaning": {},
	"checkup": {}, "whitening": {}, "waitlist": {},
}

// receptionWords mark front-desk questions the Receptionist answers.
var receptionWords = map[string]struct{}{
	"hours": {}, "open": {}, "opening": {}, "closed": {}, "located": {}, "location": {}, "address": {},
	"parking": {}, "cost": {}, "costs": {}, "price": {}, "prices": {}, "fees": {}, "insurance": {},
	"hello": {}, "hi": {}, "hey": {},
}

var procedureHints = []struct {
	word string
	code string
}{
	{"root canal", "RCT"},
	{"clean", "CLEAN"},
	{"scale and clean", "CLEAN"},
	{"check", "CHECKUP"},
	{"whiten", "WHITEN"},
	{"filling", "FILL"},
	{"extract", "EXT"},
	{"pulled", "EXT"},
	{"crown", "CROWN"},
}

var negators = map[string]struct{}{"no": {}, "not": {}, "without": {}, "never": {}, "isn't": {}, "don't": {}}

// KeywordClassifier is the deterministic default classifier.
type KeywordClassifier struct {
	Parser triage.Parser
}

var _ Classifier = KeywordClassifier{}

func (k KeywordClassifier) Classify(ctx context.Context, text string, current session.Agent) (session.Classification, error) {
	if err := ctx.Err(); err != nil {
		return session.Classification{}, err
	}
	parser := k.Parser
	if parser == nil {
		parser = triage.KeywordParser{}
	}
	if current == "" {
		current = session.Receptionist
	}
	code := ProcedureHint(text)

	if parser.DetectBreathingDifficulty(text) {
		return session.Classification{Agent: session.IntakeSpecialist, Intent: session.IntentEmergency, Confidence: 1}, nil
	}
	words := tokenize(text)
	if containsUnnegated(words, painWords) {
		return session.Classification{Agent: session.IntakeSpecialist, Intent: session.IntentPain, ProcedureCode: code, Confidence: 0.8}, nil
	}
	if containsUnnegated(words, bookingWords) || code != "" {
		return session.Classification{Agent: session.ResourceOptimiser, Intent: session.IntentBooking, ProcedureCode: code, Confidence: 0.8}, nil
	}
	if containsUnnegated(words, receptionWords) {
		return session.Classification{Agent: session.Receptionist, Intent: session.IntentGeneral, Confidence: 0.6}, nil
	}
	return session.Classification{Agent: current, Intent: session.IntentGeneral, Confidence: 0.5}, nil
}

// ProcedureHint returns a procedure code mentioned in the text, if any.
func ProcedureHint(text string) string {
	lower := strings.ToLower(text)
	for _, hint := range procedureHints {
		if strings.Contains(lower, hint.word) {
			return hint.code
		}
	}
	return ""
}

func containsUnnegated(words []string, vocab map[string]struct{}) bool {
	for i, w := range words {
		if _, ok := vocab[w]; !ok {
			continue
		}
		negated := false
		for j := i - 1; j >= 0 && j >= i-2; j-- {
			if _, neg := negators[words[j]]; neg {
				negated = true
				break
			}
		}
		if !negated {
			return true
		}
	}
	return false
}

func tokenize(text string) []string {
	text = strings.ToLower(strings.ReplaceAll(text, "’", "'"))
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})
}
