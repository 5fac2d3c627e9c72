package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the classification assigned to a failure. It drives retry policy.
type Kind int

// Failure classifications.
const (
	KindUnknown Kind = iota
	KindAuthentication
	KindRateLimited
	KindTimeout
	KindNetwork
	KindClientInput
	KindServerFault
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindClientInput:
		return "client_input"
	case KindServerFault:
		return "server_fault"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may be attempted again.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindNetwork, KindServerFault:
		return true
	default:
		return false
	}
}

// ClassifiedError is produced at the provider-adapter boundary so the retry
// loop never has to inspect free-text messages.
type ClassifiedError struct {
	Err        error
	Kind       Kind
	StatusCode int
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classified wraps err with an explicit classification.
func Classified(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// ClassifiedStatus wraps err with the classification of an HTTP status.
func ClassifiedStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: ClassifyStatus(status), StatusCode: status, Err: err}
}

// ClassifyStatus maps an upstream HTTP status to a Kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServerFault
	case status >= 400:
		return KindClientInput
	default:
		return KindUnknown
	}
}

// Classify returns the classification carried by err. Errors that were never
// classified at an adapter boundary are mapped from well-known types only.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return llmErr.Kind
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimited
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return KindTimeout
	}

	var app *AppError
	if errors.As(err, &app) {
		return ClassifyStatus(app.Status)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindUnknown
}
