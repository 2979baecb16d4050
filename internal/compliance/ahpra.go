package compliance

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/wolfman30/pearlflow/pkg/logging"
)

// ViolationType classifies an AHPRA advertising breach.
type ViolationType string

const (
	ViolationTestimonial ViolationType = "TESTIMONIAL"
	ViolationComparative ViolationType = "COMPARATIVE"
	ViolationGuarantee   ViolationType = "GUARANTEE"
	ViolationMisleading  ViolationType = "MISLEADING"
)

// contextRadius is how many bytes either side of a match are kept as context.
const contextRadius = 50

// Violation is one prohibited phrase found in outbound text.
type Violation struct {
	Type    ViolationType `json:"type"`
	Matched string        `json:"matched"`
	Context string        `json:"context"`
}

// ViolationError is returned by strict filtering when anything matched.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s(%q)", v.Type, v.Matched))
	}
	return "compliance: AHPRA violations detected: " + strings.Join(parts, ", ")
}

type prohibitedPattern struct {
	re      *regexp.Regexp
	kind    ViolationType
	replace func(match string) string
}

func fixed(s string) func(string) string { return func(string) string { return s } }

func testimonialReplacement(match string) string {
	switch strings.ToLower(match) {
	case "best", "top", "finest":
		return "experienced"
	default:
		return "trusted"
	}
}

// Symbol terms (#1, 100%) sit outside \b because the boundary never matches next to punctuation.
var prohibitedPatterns = []prohibitedPattern{
	// testimonial
	{regexp.MustCompile(`(?i)\b(?:best|top|leading|premier|finest|ultimate|number one)\b|#1\b`), ViolationTestimonial, testimonialReplacement},
	{regexp.MustCompile(`(?i)\bmost (?:trusted|experienced|advanced)\b`), ViolationTestimonial, testimonialReplacement},
	{regexp.MustCompile(`(?i)\b(?:award-winning|acclaimed|renowned)\b`), ViolationTestimonial, testimonialReplacement},

	// comparative
	{regexp.MustCompile(`(?i)\b(?:better than|superior to|more advanced than|ahead of)\b`), ViolationComparative, fixed("appropriate")},
	{regexp.MustCompile(`(?i)\b(?:other clinics|other dentists|competitors)\b`), ViolationComparative, fixed("appropriate")},

	// guaranteed outcomes
	{regexp.MustCompile(`(?i)\b(?:guaranteed|guarantee|promise|warranty|assured)\b`), ViolationGuarantee, fixed("likely")},
	{regexp.MustCompile(`(?i)\b(?:painless|risk-free|no pain|no risk)\b`), ViolationGuarantee, fixed("likely")},
	{regexp.MustCompile(`(?i)\b100%|\b(?:always|never fail|perfect)\b`), ViolationGuarantee, fixed("likely")},

	// misleading expertise
	{regexp.MustCompile(`(?i)\b(?:expert|specialist|leading expert) (?:in|on) (?:everything|all|any)\b`), ViolationMisleading, fixed("experienced")},
	{regexp.MustCompile(`(?i)\b(?:only clinic|only dentist|unique) (?:in|on) (?:area|region|city)\b`), ViolationMisleading, fixed("experienced")},
}

// Filter scans text for AHPRA-prohibited advertising language and returns a
// rewritten copy with each match replaced by a neutral alternative.
// Violations are always reported against the original text. In strict mode
// any violation is also returned as *ViolationError.
func Filter(text string, strict bool) (string, []Violation, error) {
	var violations []Violation
	for _, p := range prohibitedPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			violations = append(violations, Violation{
				Type:    p.kind,
				Matched: text[loc[0]:loc[1]],
				Context: excerpt(text, loc[0], loc[1]),
			})
		}
	}
	if len(violations) == 0 {
		return text, nil, nil
	}

	filtered := text
	for _, p := range prohibitedPatterns {
		filtered = p.re.ReplaceAllStringFunc(filtered, p.replace)
	}
	if strict {
		return filtered, violations, &ViolationError{Violations: violations}
	}
	return filtered, violations, nil
}

// ValidateFeedback reports whether patient feedback is safe to publish
// without manual review.
func ValidateFeedback(text string) bool {
	_, _, err := Filter(text, true)
	return err == nil
}

func excerpt(text string, start, end int) string {
	from := start - contextRadius
	if from < 0 {
		from = 0
	}
	to := end + contextRadius
	if to > len(text) {
		to = len(text)
	}
	return strings.ToValidUTF8(text[from:to], "")
}

// ViolationRecorder persists filter hits. *AuditService implements it.
type ViolationRecorder interface {
	LogAHPRAFiltered(ctx context.Context, clinicID, sessionID, original, sanitized string, violations []Violation) error
}

// Sanitizer applies the AHPRA filter to agent output before it reaches a patient.
type Sanitizer struct {
	logger   *logging.Logger
	recorder ViolationRecorder
}

// NewSanitizer builds a sanitizer. recorder may be nil.
func NewSanitizer(logger *logging.Logger, recorder ViolationRecorder) *Sanitizer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sanitizer{logger: logger, recorder: recorder}
}

// SanitizeAgentResponse returns a compliant version of text. Violations are
// logged and, when a recorder is configured, written to the audit trail.
func (s *Sanitizer) SanitizeAgentResponse(ctx context.Context, clinicID, sessionID, text string) string {
	filtered, violations, _ := Filter(text, false)
	if len(violations) == 0 {
		return text
	}

	types := make([]string, 0, len(violations))
	for _, v := range violations {
		types = append(types, string(v.Type))
	}
	s.logger.Warn("AHPRA compliance filter applied",
		"clinic_id", clinicID,
		"session_id", sessionID,
		"violations", types,
	)
	if s.recorder != nil {
		if err := s.recorder.LogAHPRAFiltered(ctx, clinicID, sessionID, text, filtered, violations); err != nil {
			s.logger.Error("failed to record compliance violation", "session_id", sessionID, "error", err)
		}
	}
	return filtered
}
