package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Veraticus/esg-flow/internal/config"
)

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Pinger checks connectivity to a dependency such as Redis.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReport is the body of the health endpoint.
type HealthReport struct {
	Timestamp    time.Time         `json:"timestamp"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Status       string            `json:"status"`
	Version      string            `json:"version"`
	Metrics      HealthMetrics     `json:"metrics"`
	APIKeys      config.KeyStatus  `json:"apiKeys"`
	FeatureFlags HealthFlags       `json:"featureFlags"`
	ResponseTime int64             `json:"responseTime"`
}

// HealthMetrics is the metric summary without the error list.
type HealthMetrics struct {
	ErrorRate           string `json:"errorRate"`
	TotalRequests       int    `json:"totalRequests"`
	TotalErrors         int    `json:"totalErrors"`
	AverageResponseTime int64  `json:"averageResponseTime"`
}

// HealthFlags echoes the feature toggles.
type HealthFlags struct {
	WebSearch    bool `json:"webSearch"`
	RateLimiting bool `json:"rateLimiting"`
	Metrics      bool `json:"metrics"`
}

// HealthChecker builds health reports.
type HealthChecker struct {
	metrics  *Metrics
	pingers  map[string]Pinger
	now      func() time.Time
	version  string
	keys     config.KeyStatus
	flags    HealthFlags
	pingTime time.Duration
}

// NewHealthChecker creates a checker. metrics may be nil.
func NewHealthChecker(version string, keys config.KeyStatus, flags config.Flags, metrics *Metrics) *HealthChecker {
	return &HealthChecker{
		metrics: metrics,
		pingers: make(map[string]Pinger),
		now:     time.Now,
		version: version,
		keys:    keys,
		flags: HealthFlags{
			WebSearch:    flags.EnableWebSearch,
			RateLimiting: flags.EnableRateLimiting,
			Metrics:      flags.EnableMetrics,
		},
		pingTime: 2 * time.Second,
	}
}

// AddDependency registers a dependency whose reachability affects health.
func (h *HealthChecker) AddDependency(name string, p Pinger) {
	h.pingers[name] = p
}

// Check builds a report. The service is healthy when the required keys are
// present and every dependency answers.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	start := h.now()
	healthy := h.keys.HasAllRequired

	var deps map[string]string
	if len(h.pingers) > 0 {
		deps = make(map[string]string, len(h.pingers))
		for name, p := range h.pingers {
			pctx, cancel := context.WithTimeout(ctx, h.pingTime)
			err := p.Ping(pctx)
			cancel()
			if err != nil {
				deps[name] = "unreachable"
				healthy = false
				continue
			}
			deps[name] = "ok"
		}
	}

	var hm HealthMetrics
	if h.metrics != nil {
		s := h.metrics.Summary()
		hm = HealthMetrics{
			TotalRequests:       s.TotalRequests,
			TotalErrors:         s.TotalErrors,
			AverageResponseTime: s.AverageResponseTime,
			ErrorRate:           fmt.Sprintf("%g%%", s.ErrorRate),
		}
	} else {
		hm.ErrorRate = "0%"
	}

	status := StatusDegraded
	if healthy {
		status = StatusHealthy
	}

	return HealthReport{
		Status:       status,
		Timestamp:    start,
		Version:      h.version,
		ResponseTime: h.now().Sub(start).Milliseconds(),
		APIKeys:      h.keys,
		Dependencies: deps,
		Metrics:      hm,
		FeatureFlags: h.flags,
	}
}

// Handler serves the report with 200 when healthy and 503 otherwise.
func (h *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusHealthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}
