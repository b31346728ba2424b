package errors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeRoundTripsRespondValidationError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondValidationError(rec, ErrCodeNameTaken, "name already in use", "name")

	got := Decode(rec.Result())
	assert.Equal(t, ErrCodeNameTaken, got.Error)
	assert.Equal(t, "name already in use", got.Message)
	assert.Equal(t, "name", got.Field)
}

func TestDecodeFallsBackToStatusText(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadGateway)
	_, _ = rec.WriteString("upstream went away")

	got := Decode(rec.Result())
	assert.Equal(t, "http_502", got.Error)
	assert.Equal(t, "Bad Gateway", got.Message)
}
