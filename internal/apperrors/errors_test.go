package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := New(Validation, "bad payload for %s", "item-1")
	assert.Equal(t, "Validation: bad payload for item-1", err.Error())

	withStatus := WithStatus(503, "upstream unavailable")
	assert.Equal(t, "HTTPStatus (503): upstream unavailable", withStatus.Error())
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(Transport, cause, "fetching item")

	assert.ErrorIs(t, err, cause)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(Unauthorized, "bad token")))
	assert.True(t, IsFatal(New(Forbidden, "no access")))
	assert.False(t, IsFatal(New(NotFound, "missing")))
	assert.False(t, IsFatal(errors.New("plain error")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(Transport, "conn reset")))
	assert.True(t, IsRetryable(New(Timeout, "deadline exceeded")))
	assert.True(t, IsRetryable(New(RateLimit, "429")))
	assert.True(t, IsRetryable(WithStatus(500, "server error")))
	assert.True(t, IsRetryable(WithStatus(429, "too many requests")))
	assert.False(t, IsRetryable(WithStatus(404, "not found")))
	assert.False(t, IsRetryable(New(Validation, "bad json")))
}

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "CacheCorruption", CacheCorruption.String())
	assert.Equal(t, "ErrorType(99)", ErrorType(99).String())
}
