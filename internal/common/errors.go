// Package common provides shared utilities and types used across the application.
package common

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"
)

// Common application errors.
var (
	// Configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")

	// Provider errors.
	ErrUnknownProvider = errors.New("unknown LLM provider")
	ErrMissingAPIKey   = errors.New("API key is not set")
	ErrEmptyResponse   = errors.New("LLM returned empty response")
	ErrInvalidJSON     = errors.New("invalid JSON response from LLM")
)

// Error codes exposed to boundary layers.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeAuthentication = "AUTHENTICATION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeRateLimit      = "RATE_LIMIT_EXCEEDED"
	CodeFileProcessing = "FILE_PROCESSING_ERROR"
	CodeLLM            = "LLM_ERROR"
	CodeTimeout        = "TIMEOUT_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
	CodeUnknown        = "UNKNOWN_ERROR"
)

// AppError is a terminal failure that a boundary layer can map to a transport
// status without inspecting internal types.
type AppError struct {
	Err       error
	Details   map[string]any
	Code      string
	Message   string
	RequestID string
	Status    int
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewValidationError reports malformed caller input. Never retried.
func NewValidationError(message string, details map[string]any) *AppError {
	return &AppError{Message: message, Code: CodeValidation, Status: http.StatusBadRequest, Details: details}
}

// NewAuthenticationError reports a credential failure. Never retried.
func NewAuthenticationError(message string) *AppError {
	if message == "" {
		message = "Authentication failed"
	}
	return &AppError{Message: message, Code: CodeAuthentication, Status: http.StatusUnauthorized}
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(message string) *AppError {
	if message == "" {
		message = "Resource not found"
	}
	return &AppError{Message: message, Code: CodeNotFound, Status: http.StatusNotFound}
}

// RateLimitError is returned when a local rate-limit window is exhausted.
type RateLimitError struct {
	AppError
	RetryAfter time.Duration
}

// NewRateLimitError creates a rate-limit rejection carrying the wait until reset.
func NewRateLimitError(message string, retryAfter time.Duration) *RateLimitError {
	if message == "" {
		message = "Rate limit exceeded"
	}
	return &RateLimitError{
		AppError: AppError{
			Message: message,
			Code:    CodeRateLimit,
			Status:  http.StatusTooManyRequests,
			Details: map[string]any{"retryAfterSeconds": retryAfterSeconds(retryAfter)},
		},
		RetryAfter: retryAfter,
	}
}

// RetryAfterSeconds returns the wait until reset rounded up to whole seconds.
func (e *RateLimitError) RetryAfterSeconds() int {
	return retryAfterSeconds(e.RetryAfter)
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

// TimeoutError is returned when a deadline elapses before an operation settles.
type TimeoutError struct {
	AppError
	After time.Duration
}

// NewTimeoutError creates a deadline failure.
func NewTimeoutError(message string, after time.Duration) *TimeoutError {
	if message == "" {
		message = fmt.Sprintf("Operation timed out after %dms", after.Milliseconds())
	}
	return &TimeoutError{
		AppError: AppError{Message: message, Code: CodeTimeout, Status: http.StatusGatewayTimeout},
		After:    after,
	}
}

// NewFileProcessingError reports a terminal failure from document extraction.
func NewFileProcessingError(message string, err error, details map[string]any) *AppError {
	return &AppError{
		Message: message,
		Code:    CodeFileProcessing,
		Status:  http.StatusUnprocessableEntity,
		Details: details,
		Err:     err,
	}
}

// LLMError wraps any terminal failure from the retrying caller.
type LLMError struct {
	Err      error
	Details  map[string]any
	Provider string
	Message  string
	Kind     Kind
	Attempts int
	Elapsed  time.Duration
}

func (e *LLMError) Error() string {
	return e.Message
}

func (e *LLMError) Unwrap() error {
	return e.Err
}

// AsAppError renders the LLM failure as a boundary triple.
func (e *LLMError) AsAppError() *AppError {
	details := map[string]any{"provider": e.Provider}
	if e.Kind != KindUnknown {
		details["classification"] = e.Kind.String()
	}
	if e.Attempts > 0 {
		details["attempts"] = e.Attempts
	}
	if e.Elapsed > 0 {
		details["processingTimeMs"] = e.Elapsed.Milliseconds()
	}
	maps.Copy(details, e.Details)
	return &AppError{
		Message: e.Message,
		Code:    CodeLLM,
		Status:  http.StatusInternalServerError,
		Details: details,
		Err:     e.Err,
	}
}

// requestIDError attaches a request identifier without changing classification.
type requestIDError struct {
	err       error
	requestID string
}

func (e *requestIDError) Error() string { return e.err.Error() }
func (e *requestIDError) Unwrap() error { return e.err }

// WithRequestID wraps err with a request identifier.
func WithRequestID(err error, requestID string) error {
	if err == nil || requestID == "" {
		return err
	}
	return &requestIDError{err: err, requestID: requestID}
}

// ErrorResponse is the stable {message, code, details} triple.
type ErrorResponse struct {
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	RequestID string         `json:"requestId,omitempty"`
}

// FormatErrorResponse converts any error into an ErrorResponse.
func FormatErrorResponse(err error, requestID string) ErrorResponse {
	var rid *requestIDError
	if errors.As(err, &rid) && requestID == "" {
		requestID = rid.requestID
	}

	if app := toAppError(err); app != nil {
		id := app.RequestID
		if id == "" {
			id = requestID
		}
		return ErrorResponse{Error: app.Message, Code: app.Code, RequestID: id, Details: app.Details}
	}

	if err != nil {
		return ErrorResponse{Error: err.Error(), Code: CodeInternal, RequestID: requestID}
	}

	return ErrorResponse{Error: "An unexpected error occurred", Code: CodeUnknown, RequestID: requestID}
}

// StatusCode returns the transport status for err, 500 when unknown.
func StatusCode(err error) int {
	if app := toAppError(err); app != nil {
		return app.Status
	}
	return http.StatusInternalServerError
}

func toAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return llmErr.AsAppError()
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return &rl.AppError
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return &te.AppError
	}
	var app *AppError
	if errors.As(err, &app) {
		return app
	}
	return nil
}
