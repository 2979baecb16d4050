// Package triage holds the diagnostic answers collected during intake, the
// parser that reads them from free text, and the priority score derived from them.
package triage

// Answers are the triage fields collected so far. Nil means not yet asked or
// not yet answered.
type Answers struct {
	PainLevel           *int  `json:"pain_level,omitempty"`
	Swelling            *bool `json:"swelling,omitempty"`
	Fever               *bool `json:"fever,omitempty"`
	BreathingDifficulty *bool `json:"breathing_difficulty,omitempty"`
}

const (
	painWeight      = 10
	swellingWeight  = 30
	feverWeight     = 40
	breathingWeight = 100
	MaxPainLevel    = 10
)

// Score computes the clinical priority of a set of answers:
// pain*10 + 30 if swelling + 40 if fever + 100 if breathing difficulty.
func Score(a Answers) int {
	score := 0
	if a.PainLevel != nil {
		score += *a.PainLevel * painWeight
	}
	if isTrue(a.Swelling) {
		score += swellingWeight
	}
	if isTrue(a.Fever) {
		score += feverWeight
	}
	if isTrue(a.BreathingDifficulty) {
		score += breathingWeight
	}
	return score
}

// ScoreOf is Score for callers holding raw values.
func ScoreOf(pain int, swelling, fever, breathing bool) int {
	return Score(Answers{PainLevel: &pain, Swelling: &swelling, Fever: &fever, BreathingDifficulty: &breathing})
}

// Emergency reports whether the answers require the emergency path.
func (a Answers) Emergency() bool {
	return isTrue(a.BreathingDifficulty)
}

// Complete reports whether pain, swelling and fever have all been answered.
func (a Answers) Complete() bool {
	return a.PainLevel != nil && a.Swelling != nil && a.Fever != nil
}

// Urgency buckets a score for display and slot ranking.
func Urgency(score int) string {
	switch {
	case score >= breathingWeight:
		return "emergency"
	case score >= 80:
		return "high"
	case score >= 50:
		return "moderate"
	default:
		return "routine"
	}
}

func isTrue(b *bool) bool { return b != nil && *b }

// Int and Bool return pointers for building Answers literals.
func Int(v int) *int    { return &v }
func Bool(v bool) *bool { return &v }
