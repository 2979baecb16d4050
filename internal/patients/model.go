// Package patients stores clinic patients and resolves them by phone.
package patients

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// RiskProfile feeds the move heuristic.
type RiskProfile struct {
	// AnxietyLevel is 0-10.
	AnxietyLevel  int `json:"anxiety_level"`
	PainTolerance int `json:"pain_tolerance"`
}

// Patient is a person registered with a clinic.
type Patient struct {
	ID          string      `json:"id"`
	ClinicID    string      `json:"clinic_id"`
	Name        string      `json:"name"`
	Phone       string      `json:"phone"`
	Email       string      `json:"email,omitempty"`
	LTVScore    float64     `json:"ltv_score"`
	RiskProfile RiskProfile `json:"risk_profile"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// CreatePatientRequest is the body of POST /patients.
type CreatePatientRequest struct {
	ClinicID    string      `json:"clinic_id"`
	Name        string      `json:"name"`
	Phone       string      `json:"phone"`
	Email       string      `json:"email"`
	LTVScore    float64     `json:"ltv_score"`
	RiskProfile RiskProfile `json:"risk_profile"`
}

var (
	ErrMissingClinicID = errors.New("clinic_id is required")
	ErrInvalidName     = errors.New("name is required")
	ErrInvalidPhone    = errors.New("phone must be in E.164 format, e.g. +61412345678")
	ErrInvalidRisk     = errors.New("anxiety_level and pain_tolerance must be between 0 and 10")
	ErrNotFound        = errors.New("patient not found")
)

// Validate normalizes the phone and checks required fields.
func (r *CreatePatientRequest) Validate() error {
	if strings.TrimSpace(r.ClinicID) == "" {
		return ErrMissingClinicID
	}
	if strings.TrimSpace(r.Name) == "" {
		return ErrInvalidName
	}
	phone, ok := NormalizeE164(r.Phone)
	if !ok {
		return ErrInvalidPhone
	}
	r.Phone = phone
	if !inRange(r.RiskProfile.AnxietyLevel) || !inRange(r.RiskProfile.PainTolerance) {
		return ErrInvalidRisk
	}
	return nil
}

func inRange(v int) bool { return v >= 0 && v <= 10 }

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// NormalizeE164 strips spaces, dashes, dots and parentheses and reports
// whether the result is a valid E.164 number.
func NormalizeE164(value string) (string, bool) {
	value = strings.TrimSpace(value)
	var b strings.Builder
	for i, r := range value {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	out := b.String()
	return out, e164.MatchString(out)
}
