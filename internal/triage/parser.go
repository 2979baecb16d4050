package triage

import (
	"strconv"
	"strings"
	"unicode"
)

// Topic names the yes/no question being answered.
type Topic string

const (
	TopicSwelling Topic = "swelling"
	TopicFever    Topic = "fever"
)

// Parser extracts triage answers from a patient's utterance. The second
// return value is false when the text does not answer the question.
type Parser interface {
	ParsePain(text string) (int, bool)
	ParseYesNo(text string, topic Topic) (bool, bool)
	DetectBreathingDifficulty(text string) bool
}

// KeywordParser is the default rule-based Parser.
type KeywordParser struct{}

var _ Parser = KeywordParser{}

var negationTokens = map[string]struct{}{
	"no": {}, "none": {}, "not": {}, "nope": {}, "nah": {}, "never": {},
	"without": {}, "dont": {}, "don't": {}, "haven't": {}, "havent": {},
	"isn't": {}, "isnt": {}, "nothing": {}, "negative": {},
}

var affirmationTokens = map[string]struct{}{
	"yes": {}, "yeah": {}, "yep": {}, "yup": {}, "y": {}, "sure": {},
	"some": {}, "slight": {}, "slightly": {}, "little": {}, "bit": {},
	"definitely": {}, "positive": {}, "correct": {}, "affirmative": {},
}

var topicTokens = map[Topic]map[string]struct{}{
	TopicSwelling: {"swelling": {}, "swollen": {}, "swell": {}, "puffy": {}, "lump": {}},
	TopicFever:    {"fever": {}, "feverish": {}, "temperature": {}, "hot": {}, "chills": {}, "temp": {}},
}

var numberWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var breathingPhrases = [][]string{
	{"can't", "breathe"},
	{"cant", "breathe"},
	{"cannot", "breathe"},
	{"difficulty", "breathing"},
	{"trouble", "breathing"},
	{"hard", "to", "breathe"},
	{"struggling", "to", "breathe"},
	{"short", "of", "breath"},
	{"shortness", "of", "breath"},
	{"breathing", "difficulty"},
	{"breathing", "problems"},
	{"difficulty", "swallowing"},
	{"can't", "swallow"},
	{"cant", "swallow"},
}

// negationWindow is how many tokens before a phrase are checked for negation.
const negationWindow = 3

// ParsePain returns the first number in the text if it is within 0..10.
func (KeywordParser) ParsePain(text string) (int, bool) {
	for _, tok := range tokens(text) {
		if n, ok := numberWords[tok]; ok {
			return n, true
		}
		digits := strings.TrimFunc(tok, func(r rune) bool { return !unicode.IsDigit(r) })
		if digits == "" {
			continue
		}
		if end := strings.IndexFunc(digits, func(r rune) bool { return !unicode.IsDigit(r) }); end > 0 {
			digits = digits[:end]
		}
		n, err := strconv.Atoi(digits)
		if err != nil || n < 0 || n > MaxPainLevel {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// ParseYesNo checks negation before affirmation so "No fever" is false.
func (KeywordParser) ParseYesNo(text string, topic Topic) (bool, bool) {
	toks := tokens(text)
	if len(toks) == 0 {
		return false, false
	}
	for _, tok := range toks {
		if _, neg := negationTokens[tok]; neg {
			return false, true
		}
	}
	for _, tok := range toks {
		if _, yes := affirmationTokens[tok]; yes {
			return true, true
		}
		if _, topical := topicTokens[topic][tok]; topical {
			return true, true
		}
	}
	return false, false
}

// DetectBreathingDifficulty looks for an un-negated breathing or swallowing complaint.
func (KeywordParser) DetectBreathingDifficulty(text string) bool {
	toks := tokens(text)
	for i := range toks {
		for _, phrase := range breathingPhrases {
			if !hasPhraseAt(toks, i, phrase) {
				continue
			}
			if !negatedBefore(toks, i) {
				return true
			}
		}
	}
	return false
}

func hasPhraseAt(toks []string, i int, phrase []string) bool {
	if i+len(phrase) > len(toks) {
		return false
	}
	for j, word := range phrase {
		if toks[i+j] != word {
			return false
		}
	}
	return true
}

func negatedBefore(toks []string, i int) bool {
	start := i - negationWindow
	if start < 0 {
		start = 0
	}
	for _, tok := range toks[start:i] {
		if _, neg := negationTokens[tok]; neg {
			return true
		}
	}
	return false
}

// tokens lower-cases text and splits it into words, keeping apostrophes and
// digits attached ("can't", "8/10" -> "8", "10").
func tokens(text string) []string {
	text = strings.ToLower(strings.ReplaceAll(text, "’", "'"))
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})
}
