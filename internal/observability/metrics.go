// Package observability provides Prometheus metrics, the in-memory event
// history behind the health report, structured event logging and
// OpenTelemetry tracing.
package observability

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Veraticus/esg-flow/internal/service"
)

// DefaultHistorySize is how many events the in-memory history keeps.
const DefaultHistorySize = 1000

const recentErrorCount = 10

// Summary aggregates the event history.
type Summary struct {
	RecentErrors []service.MetricEvent `json:"recentErrors"`
	// AverageResponseTime is the mean duration of successful API calls in
	// whole milliseconds.
	AverageResponseTime int64 `json:"averageResponseTime"`
	TotalRequests       int   `json:"totalRequests"`
	TotalErrors         int   `json:"totalErrors"`
	// ErrorRate is a percentage rounded to two decimals.
	ErrorRate float64 `json:"errorRate"`
}

// Metrics records every event in Prometheus and keeps a bounded history of
// the most recent ones.
type Metrics struct {
	events      *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	llmTokens   *prometheus.CounterVec
	rateLimited prometheus.Counter

	history []service.MetricEvent
	next    int
	full    bool
	mu      sync.RWMutex
	now     func() time.Time
}

// NewMetrics creates and registers the collectors on reg, or on the default
// registerer when reg is nil. size bounds the history.
func NewMetrics(reg prometheus.Registerer, size int) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if size <= 0 {
		size = DefaultHistorySize
	}

	factory := promauto.With(reg)

	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esgflow",
			Name:      "events_total",
			Help:      "Total number of recorded events by type.",
		}, []string{"type"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "esgflow",
			Name:      "event_duration_seconds",
			Help:      "Duration of timed events by type.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"type"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esgflow",
			Name:      "errors_total",
			Help:      "Total number of failed events by error code.",
		}, []string{"type", "code"}),
		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esgflow",
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by LLM calls.",
		}, []string{"provider", "direction"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "esgflow",
			Name:      "requests_rate_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		history: make([]service.MetricEvent, size),
		now:     time.Now,
	}
}

// RecordMetric implements service.MetricsRecorder.
func (m *Metrics) RecordMetric(e service.MetricEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}

	m.events.WithLabelValues(e.Type).Inc()
	if e.Duration > 0 {
		m.durations.WithLabelValues(e.Type).Observe(e.Duration.Seconds())
	}
	if e.ErrorCode != "" {
		m.errors.WithLabelValues(e.Type, e.ErrorCode).Inc()
	}
	if e.Type == service.EventLLMCall {
		provider, _ := e.Metadata["provider"].(string)
		if n, ok := e.Metadata["promptTokens"].(int); ok && n > 0 {
			m.llmTokens.WithLabelValues(provider, "prompt").Add(float64(n))
		}
		if n, ok := e.Metadata["completionTokens"].(int); ok && n > 0 {
			m.llmTokens.WithLabelValues(provider, "completion").Add(float64(n))
		}
	}

	m.mu.Lock()
	m.history[m.next] = e
	m.next = (m.next + 1) % len(m.history)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
}

// IncRateLimited counts a rate-limit rejection.
func (m *Metrics) IncRateLimited() {
	m.rateLimited.Inc()
}

// Events returns the history, oldest first.
func (m *Metrics) Events() []service.MetricEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.full {
		return slices.Clone(m.history[:m.next])
	}
	out := make([]service.MetricEvent, 0, len(m.history))
	out = append(out, m.history[m.next:]...)
	return append(out, m.history[:m.next]...)
}

// Summary aggregates the history.
func (m *Metrics) Summary() Summary {
	events := m.Events()

	var (
		s        Summary
		errs     []service.MetricEvent
		total    time.Duration
		timedOKs int
	)
	for _, e := range events {
		switch e.Type {
		case service.EventAPIRequest:
			s.TotalRequests++
		case service.EventAPIError:
			s.TotalErrors++
			errs = append(errs, e)
		case service.EventAPISuccess:
			if e.Duration > 0 {
				total += e.Duration
				timedOKs++
			}
		}
	}

	if timedOKs > 0 {
		avg := float64(total.Milliseconds()) / float64(timedOKs)
		s.AverageResponseTime = int64(math.Round(avg))
	}
	if s.TotalRequests > 0 {
		s.ErrorRate = math.Round(float64(s.TotalErrors)/float64(s.TotalRequests)*100*100) / 100
	}

	if len(errs) > recentErrorCount {
		errs = errs[len(errs)-recentErrorCount:]
	}
	slices.Reverse(errs)
	s.RecentErrors = errs
	if s.RecentErrors == nil {
		s.RecentErrors = []service.MetricEvent{}
	}

	return s
}

// Clear empties the history. Prometheus counters are cumulative and are
// not reset.
func (m *Metrics) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.history)
	m.next = 0
	m.full = false
}
