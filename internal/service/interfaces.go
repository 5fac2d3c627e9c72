// Package service defines the contracts shared between the orchestration core
// and its collaborators.
package service

import (
	"log/slog"
	"time"
)

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryOptions returns the stock retry bounds: 3 attempts, 1s initial
// delay doubling up to 10s.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// Metric event types.
const (
	EventAPIRequest     = "api_request"
	EventAPISuccess     = "api_success"
	EventAPIError       = "api_error"
	EventLLMCall        = "llm_call"
	EventFileProcessing = "file_processing"
)

// MetricEvent is a single observation handed to a MetricsRecorder.
type MetricEvent struct {
	Timestamp  time.Time
	Metadata   map[string]any
	Type       string
	Endpoint   string
	RequestID  string
	ErrorCode  string
	Duration   time.Duration
	StatusCode int
}

// EventLogger receives structured log events. Implementations must not block
// or panic into the caller.
type EventLogger interface {
	LogEvent(level slog.Level, msg string, fields map[string]any)
}

// MetricsRecorder receives metric events under the same contract as EventLogger.
type MetricsRecorder interface {
	RecordMetric(event MetricEvent)
}

// Observer bundles both sinks.
type Observer interface {
	EventLogger
	MetricsRecorder
}

// NopObserver discards everything.
type NopObserver struct{}

// LogEvent implements EventLogger.
func (NopObserver) LogEvent(slog.Level, string, map[string]any) {}

// RecordMetric implements MetricsRecorder.
func (NopObserver) RecordMetric(MetricEvent) {}

// SafeObserver wraps an Observer so that panics raised by a sink are swallowed.
type SafeObserver struct {
	Next Observer
}

// LogEvent implements EventLogger.
func (s SafeObserver) LogEvent(level slog.Level, msg string, fields map[string]any) {
	if s.Next == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Next.LogEvent(level, msg, fields)
}

// RecordMetric implements MetricsRecorder.
func (s SafeObserver) RecordMetric(event MetricEvent) {
	if s.Next == nil {
		return
	}
	defer func() { _ = recover() }()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.Next.RecordMetric(event)
}
