package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatErrorResponse(t *testing.T) {
	tests := []struct {
		err       error
		name      string
		requestID string
		wantCode  string
		wantMsg   string
		status    int
	}{
		{
			name:     "validation error",
			err:      NewValidationError("Company information is required", nil),
			wantCode: CodeValidation,
			wantMsg:  "Company information is required",
			status:   http.StatusBadRequest,
		},
		{
			name:     "rate limit error",
			err:      NewRateLimitError("Rate limit exceeded: 10 requests per minute.", 30*time.Second),
			wantCode: CodeRateLimit,
			wantMsg:  "Rate limit exceeded: 10 requests per minute.",
			status:   http.StatusTooManyRequests,
		},
		{
			name:     "timeout error",
			err:      NewTimeoutError("Request timeout", time.Second),
			wantCode: CodeTimeout,
			wantMsg:  "Request timeout",
			status:   http.StatusGatewayTimeout,
		},
		{
			name:     "llm error",
			err:      &LLMError{Message: "LLM API request timed out. Please try again.", Provider: "openai", Kind: KindTimeout, Attempts: 3},
			wantCode: CodeLLM,
			wantMsg:  "LLM API request timed out. Please try again.",
			status:   http.StatusInternalServerError,
		},
		{
			name:     "wrapped file processing error",
			err:      fmt.Errorf("upload: %w", NewFileProcessingError("Failed to extract text", nil, nil)),
			wantCode: CodeFileProcessing,
			wantMsg:  "Failed to extract text",
			status:   http.StatusUnprocessableEntity,
		},
		{
			name:     "plain error",
			err:      errors.New("boom"),
			wantCode: CodeInternal,
			wantMsg:  "boom",
			status:   http.StatusInternalServerError,
		},
		{
			name:     "nil error",
			wantCode: CodeUnknown,
			wantMsg:  "An unexpected error occurred",
			status:   http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := FormatErrorResponse(tt.err, "req-1")
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantMsg, resp.Error)
			assert.Equal(t, "req-1", resp.RequestID)
			assert.Equal(t, tt.status, StatusCode(tt.err))
		})
	}
}

func TestLLMErrorDetails(t *testing.T) {
	err := &LLMError{
		Message:  "LLM API call failed after 3 attempts: bad gateway",
		Provider: "anthropic",
		Kind:     KindServerFault,
		Attempts: 3,
		Elapsed:  1500 * time.Millisecond,
	}

	resp := FormatErrorResponse(err, "")
	require.NotNil(t, resp.Details)
	assert.Equal(t, "anthropic", resp.Details["provider"])
	assert.Equal(t, 3, resp.Details["attempts"])
	assert.Equal(t, int64(1500), resp.Details["processingTimeMs"])
	assert.Equal(t, "server_fault", resp.Details["classification"])
}

func TestWithRequestID(t *testing.T) {
	base := NewAuthenticationError("")
	err := WithRequestID(base, "ddq-123")

	resp := FormatErrorResponse(err, "")
	assert.Equal(t, "ddq-123", resp.RequestID)
	assert.Equal(t, CodeAuthentication, resp.Code)
	assert.Equal(t, KindAuthentication, Classify(err), "wrapping must not reclassify")
	assert.NoError(t, WithRequestID(nil, "x"))
}

func TestRateLimitErrorRetryAfter(t *testing.T) {
	err := NewRateLimitError("", 1500*time.Millisecond)
	assert.Equal(t, 2, err.RetryAfterSeconds())
	assert.Equal(t, "Rate limit exceeded", err.Error())
	assert.Equal(t, 2, err.Details["retryAfterSeconds"])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want Kind
	}{
		{name: "nil", err: nil, want: KindUnknown},
		{name: "classified", err: fmt.Errorf("ctx: %w", Classified(KindNetwork, errors.New("reset"))), want: KindNetwork},
		{name: "status 401", err: ClassifiedStatus(http.StatusUnauthorized, errors.New("x")), want: KindAuthentication},
		{name: "status 429", err: ClassifiedStatus(http.StatusTooManyRequests, errors.New("x")), want: KindRateLimited},
		{name: "status 400", err: ClassifiedStatus(http.StatusBadRequest, errors.New("x")), want: KindClientInput},
		{name: "status 503", err: ClassifiedStatus(http.StatusServiceUnavailable, errors.New("x")), want: KindServerFault},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "validation app error", err: NewValidationError("bad", nil), want: KindClientInput},
		{name: "free text is not sniffed", err: errors.New("request timeout"), want: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindRateLimited.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindNetwork.Retryable())
	assert.True(t, KindServerFault.Retryable())
	assert.False(t, KindAuthentication.Retryable())
	assert.False(t, KindClientInput.Retryable())
	assert.False(t, KindUnknown.Retryable())
}
