package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTypes(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		wantType ErrorType
		wantCode string
	}{
		{"transport", NewTransportError("connection refused"), ErrorTypeTransport, "TRANSPORT_ERROR"},
		{"timeout", NewTimeoutError("attempt"), ErrorTypeTimeout, "TIMEOUT"},
		{"server", NewServerError(503), ErrorTypeServer, "SERVER_ERROR"},
		{"client", NewClientError(404), ErrorTypeClient, "CLIENT_ERROR"},
		{"circuit open", NewCircuitOpenError("https://api.example.com"), ErrorTypeCircuitOpen, "CIRCUIT_OPEN"},
		{"cancelled", NewCancelledError("req-1"), ErrorTypeCancelled, "CANCELLED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, IsType(tt.err, tt.wantType))
			assert.Equal(t, tt.wantCode, GetCode(tt.err))
			assert.Equal(t, tt.wantType, GetType(tt.err))
		})
	}
}

func TestIsTypeUnwrapsWrappedErrors(t *testing.T) {
	inner := NewTimeoutError("attempt")
	wrapped := fmt.Errorf("operation failed after 3 attempts: %w", inner)

	assert.True(t, IsType(wrapped, ErrorTypeTimeout))
	assert.Equal(t, "TIMEOUT", GetCode(wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewTransportError("down")))
	assert.True(t, IsRetryable(NewTimeoutError("attempt")))
	assert.True(t, IsRetryable(NewServerError(500)))

	assert.False(t, IsRetryable(NewClientError(400)))
	assert.False(t, IsRetryable(NewCircuitOpenError("origin")))
	assert.False(t, IsRetryable(NewCancelledError("req-1")))
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
}

func TestWithCauseAndStatus(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := NewTransportError("request failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")

	srvErr := NewServerError(502)
	assert.Equal(t, 502, GetStatus(srvErr))
	assert.Equal(t, 0, GetStatus(cause))
}
