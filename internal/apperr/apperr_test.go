package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := Conflict("scheduling.book", "slot already taken")
	wrapped := fmt.Errorf("turn: fulfil: %w", base)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsValidation(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Integrity("session.save", cause)

	assert.Equal(t, "session.save: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		Validation("op", "bad"):             http.StatusBadRequest,
		Conflict("op", "taken"):             http.StatusConflict,
		NotFound("op", "missing"):           http.StatusNotFound,
		Upstream("op", errors.New("boom")):  http.StatusBadGateway,
		Integrity("op", errors.New("boom")): http.StatusInternalServerError,
		errors.New("other"):                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}

func TestPublicMessageHidesInternals(t *testing.T) {
	assert.Equal(t, "internal error", PublicMessage(Integrity("op", errors.New("pq: deadlock"))))
	assert.Equal(t, "slot already taken", PublicMessage(Conflict("op", "slot already taken")))
	assert.Contains(t, PublicMessage(Upstream("op", errors.New("503"))), "temporarily unavailable")
}
