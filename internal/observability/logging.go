package observability

import (
	"context"
	"log/slog"

	"github.com/Veraticus/esg-flow/internal/service"
)

// EventLogger writes service events through slog.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger wraps logger, or slog.Default when nil.
func NewEventLogger(logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{logger: logger}
}

// LogEvent implements service.EventLogger.
func (l *EventLogger) LogEvent(level slog.Level, msg string, fields map[string]any) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Observer fans events out to a logger and, when metrics are enabled, to
// Metrics. Recorded metrics are also logged at debug level.
type Observer struct {
	Logger  *EventLogger
	Metrics *Metrics
}

var _ service.Observer = (*Observer)(nil)

// NewObserver combines logger and metrics. A nil metrics disables recording.
func NewObserver(logger *slog.Logger, metrics *Metrics) *Observer {
	return &Observer{Logger: NewEventLogger(logger), Metrics: metrics}
}

// LogEvent implements service.EventLogger.
func (o *Observer) LogEvent(level slog.Level, msg string, fields map[string]any) {
	o.Logger.LogEvent(level, msg, fields)
}

// RecordMetric implements service.MetricsRecorder.
func (o *Observer) RecordMetric(e service.MetricEvent) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.RecordMetric(e)
	o.Logger.LogEvent(slog.LevelDebug, "metric recorded", map[string]any{
		"type":       e.Type,
		"endpoint":   e.Endpoint,
		"requestId":  e.RequestID,
		"durationMs": e.Duration.Milliseconds(),
		"statusCode": e.StatusCode,
		"errorCode":  e.ErrorCode,
	})
}
