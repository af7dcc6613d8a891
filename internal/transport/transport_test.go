package transport

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromHTTP(t *testing.T) {
	tests := []struct {
		code int
		want Status
	}{
		{http.StatusOK, StatusOK},
		{http.StatusNoContent, StatusOK},
		{http.StatusNotFound, StatusNotFound},
		{http.StatusForbidden, StatusInvalidSignedURL},
		{http.StatusBadGateway, StatusServerConnectionError},
		{http.StatusBadRequest, StatusGeneralError},
		{http.StatusTooManyRequests, StatusGeneralError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromHTTP(tt.code), "code %d", tt.code)
	}
}

func TestStatus_RoundTripAndTerminal(t *testing.T) {
	for _, s := range []Status{StatusOK, StatusNotFound, StatusInvalidSignedURL, StatusServerConnectionError, StatusGeneralError} {
		assert.Equal(t, s, ParseStatus(s.String()))
	}
	assert.Equal(t, StatusGeneralError, ParseStatus("teapot"))

	assert.True(t, StatusNotFound.Terminal())
	assert.True(t, StatusInvalidSignedURL.Terminal())
	assert.False(t, StatusServerConnectionError.Terminal())
	assert.False(t, StatusGeneralError.Terminal())
	assert.False(t, StatusOK.Terminal())
}
