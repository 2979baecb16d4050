// Package apperr defines the error taxonomy shared by the turn processor,
// the scheduling engine and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and transport decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is malformed input. Surfaced to the caller, never retried.
	KindValidation
	// KindConflict is a lost race or a terminal resource (taken slot, resolved offer).
	KindConflict
	// KindUpstream is a classifier, generator or external service failure.
	KindUpstream
	// KindIntegrity is a persistence failure. Retried once by the caller.
	KindIntegrity
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindIntegrity:
		return "integrity"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func Validation(op, msg string) *Error { return newErr(KindValidation, op, msg, nil) }

func Conflict(op, msg string) *Error { return newErr(KindConflict, op, msg, nil) }

func NotFound(op, msg string) *Error { return newErr(KindNotFound, op, msg, nil) }

// Upstream wraps a failure from a classifier, generator or remote service.
func Upstream(op string, err error) *Error { return newErr(KindUpstream, op, "", err) }

// Integrity wraps a store failure that may succeed on retry.
func Integrity(op string, err error) *Error { return newErr(KindIntegrity, op, "", err) }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsIntegrity(err error) bool  { return KindOf(err) == KindIntegrity }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text safe to show a patient or API caller.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindValidation, KindConflict, KindNotFound:
		if e.Message != "" {
			return e.Message
		}
		return e.Kind.String()
	case KindUpstream:
		return "our assistant is temporarily unavailable, please try again"
	default:
		return "internal error"
	}
}
