// Package server exposes the orchestration layer over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Veraticus/esg-flow/internal/common"
	"github.com/Veraticus/esg-flow/internal/document"
	"github.com/Veraticus/esg-flow/internal/llm"
	"github.com/Veraticus/esg-flow/internal/observability"
	"github.com/Veraticus/esg-flow/internal/ratelimit"
	"github.com/Veraticus/esg-flow/internal/search"
	"github.com/Veraticus/esg-flow/internal/service"
)

// Deps are the collaborators behind the routes. Search and Limiter may be
// nil when their features are disabled.
type Deps struct {
	Caller         *llm.Caller
	Search         *search.Service
	Documents      *document.Processor
	Limiter        *ratelimit.Limiter
	Health         *observability.HealthChecker
	Metrics        *observability.Metrics
	Gatherer       prometheus.Gatherer
	Observer       service.Observer
	RequestTimeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	deps     Deps
	observer service.Observer
	now      func() time.Time
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = common.DefaultAPITimeout
	}
	observer := deps.Observer
	if observer == nil {
		observer = service.NopObserver{}
	}
	return &Server{deps: deps, observer: service.SafeObserver{Next: observer}, now: time.Now}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestID)

	r.Route("/api", func(r chi.Router) {
		if s.deps.Health != nil {
			r.Get("/health", s.deps.Health.Handler())
		}

		r.Group(func(r chi.Router) {
			r.Use(s.track)
			r.Use(s.rateLimit)
			r.Post("/complete", s.handleComplete)
			r.Post("/search", s.handleSearch)
			r.Post("/extract", s.handleExtract)
		})
	})

	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// rateLimit admits each request by client key before it reaches a handler.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := ratelimit.ClientKey(r.Header)
		if err := s.deps.Limiter.Admit(r.Context(), key); err != nil {
			var rl *common.RateLimitError
			if errors.As(err, &rl) {
				if s.deps.Metrics != nil {
					s.deps.Metrics.IncRateLimited()
				}
				s.logEvent(slog.LevelWarn, "Rate limit exceeded", RequestIDFrom(r.Context()), map[string]any{
					"client":     key,
					"retryAfter": rl.RetryAfterSeconds(),
				})
			} else {
				s.logEvent(slog.LevelError, "Rate limiter failed", RequestIDFrom(r.Context()), map[string]any{
					"client": key,
					"error":  err.Error(),
				})
			}
			s.writeError(w, r, err, s.started(r))
			return
		}

		next.ServeHTTP(w, r)
	})
}

type startKey struct{}

// track records the arrival of every API request, including ones the rate
// limiter later rejects, and stamps its start time on the context.
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := RequestIDFrom(r.Context())
		s.observer.RecordMetric(service.MetricEvent{
			Type:      service.EventAPIRequest,
			Endpoint:  r.URL.Path,
			RequestID: requestID,
		})
		s.logEvent(slog.LevelInfo, "Request started", requestID, map[string]any{"endpoint": r.URL.Path})

		ctx := context.WithValue(r.Context(), startKey{}, s.now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// started returns the time track stamped on r.
func (s *Server) started(r *http.Request) time.Time {
	if t, ok := r.Context().Value(startKey{}).(time.Time); ok {
		return t
	}
	return s.now()
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any, start time.Time) {
	elapsed := s.now().Sub(start)
	s.observer.RecordMetric(service.MetricEvent{
		Type:       service.EventAPISuccess,
		Endpoint:   r.URL.Path,
		RequestID:  RequestIDFrom(r.Context()),
		Duration:   elapsed,
		StatusCode: status,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logEvent(slog.LevelWarn, "Failed to write response", RequestIDFrom(r.Context()), map[string]any{"error": err.Error()})
	}
}

// writeError renders err as the stable error triple with its transport
// status. Rate-limit rejections carry Retry-After.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	requestID := RequestIDFrom(r.Context())
	err = common.WithRequestID(err, requestID)
	status := common.StatusCode(err)
	body := common.FormatErrorResponse(err, requestID)

	var rl *common.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
	}

	s.observer.RecordMetric(service.MetricEvent{
		Type:       service.EventAPIError,
		Endpoint:   r.URL.Path,
		RequestID:  requestID,
		Duration:   s.now().Sub(start),
		StatusCode: status,
		ErrorCode:  body.Code,
	})
	s.logEvent(slog.LevelError, "Request failed", requestID, map[string]any{
		"endpoint": r.URL.Path,
		"status":   status,
		"code":     body.Code,
		"error":    err.Error(),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) logEvent(level slog.Level, msg, requestID string, fields map[string]any) {
	fields["component"] = "server"
	if requestID != "" {
		fields["requestId"] = requestID
	}
	s.observer.LogEvent(level, msg, fields)
}

// bounded runs op under the request deadline.
func bounded[T any](ctx context.Context, s *Server, message string, op func(ctx context.Context) (T, error)) (T, error) {
	return common.WithTimeout(ctx, s.deps.RequestTimeout, message, op)
}
