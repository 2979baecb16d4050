// Package httpjson writes JSON responses and maps errors to status codes.
package httpjson

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/wolfman30/pearlflow/internal/apperr"
)

const maxBodyBytes = 1 << 20

// Write encodes payload with the given status.
func Write(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Error writes err with the status its apperr kind maps to. Internal
// details never leave the process.
func Error(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	body := ErrorBody{Error: apperr.PublicMessage(err)}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Kind = ae.Kind.String()
	}
	Write(w, status, body)
}

// Forbidden writes a 403 for a caller acting outside its clinic.
func Forbidden(w http.ResponseWriter, msg string) {
	Write(w, http.StatusForbidden, ErrorBody{Error: msg, Kind: "forbidden"})
}

// Decode reads a JSON body into v. Malformed bodies are validation errors.
func Decode(r *http.Request, v any) error {
	if r.Body == nil {
		return apperr.Validation("http.decode", "request body required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("http.decode", "invalid JSON body")
	}
	return nil
}
