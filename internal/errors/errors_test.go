package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAPIErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantType  ErrorType
		retryable bool
	}{
		{"unauthorized", 401, ErrorTypeAuth, false},
		{"forbidden", 403, ErrorTypeAuth, false},
		{"not found", 404, ErrorTypeNotFound, false},
		{"bad request", 400, ErrorTypeValidation, false},
		{"request timeout", 408, ErrorTypeTimeout, true},
		{"rate limited", 429, ErrorTypeServer, true},
		{"server error", 503, ErrorTypeServer, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapAPIError("fetch_grant", "stripe", errors.New("boom"), tt.status)
			assert.Equal(t, tt.wantType, TypeOf(err))
			assert.Equal(t, tt.retryable, IsRetryableError(err))
		})
	}
}

func TestProviderErrorIs(t *testing.T) {
	notFound := WrapAPIError("fetch_grant", "license_server", errors.New("unknown key"), 404)
	assert.True(t, errors.Is(notFound, ErrNotFound))
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsNetworkError(notFound))

	conn := WrapConnectionError("fetch_grant", "license_server", errors.New("connection refused"))
	assert.True(t, errors.Is(conn, ErrConnectionFailed))
	assert.True(t, IsNetworkError(conn))
	assert.Equal(t, ErrorTypeConnection, TypeOf(conn))

	timeout := WrapConnectionError("fetch_grant", "stripe", fmt.Errorf("do request: %w", context.DeadlineExceeded))
	assert.Equal(t, ErrorTypeTimeout, TypeOf(timeout))
	assert.True(t, errors.Is(timeout, ErrTimeout))
	assert.True(t, errors.Is(timeout, ErrConnectionFailed))
	assert.True(t, errors.Is(timeout, context.DeadlineExceeded))
}

func TestProviderErrorMessage(t *testing.T) {
	err := NewProviderError(ErrorTypeServer, "fetch_grant", "stripe", errors.New("bad gateway"))
	require.EqualError(t, err, "fetch_grant failed on stripe: bad gateway")

	err = NewProviderError(ErrorTypeServer, "fetch_grant", "", errors.New("bad gateway"))
	require.EqualError(t, err, "fetch_grant failed: bad gateway")
}

func TestTypeOfUnclassified(t *testing.T) {
	assert.Equal(t, ErrorType(""), TypeOf(errors.New("plain")))
	assert.False(t, IsNetworkError(nil))
}
