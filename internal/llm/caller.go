package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Veraticus/esg-flow/internal/common"
	"github.com/Veraticus/esg-flow/internal/model"
	"github.com/Veraticus/esg-flow/internal/service"
)

const tracerName = "github.com/Veraticus/esg-flow/internal/llm"

// jsonInstruction is appended to prompts sent through CallJSON.
const jsonInstruction = "\n\nRespond with valid JSON only, no markdown formatting."

// Request is one logical completion call.
type Request struct {
	Provider     ProviderName
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  *float64
	MaxTokens    int
}

func (r Request) completion() model.CompletionRequest {
	return model.CompletionRequest{
		Model:        r.Model,
		SystemPrompt: r.SystemPrompt,
		Prompt:       r.Prompt,
		Temperature:  r.Temperature,
		MaxTokens:    r.MaxTokens,
	}
}

// Result is a successful completion plus attempt metadata.
type Result struct {
	model.Completion
	Provider ProviderName
	Attempts int
	Elapsed  time.Duration
	Cached   bool
}

// Caller performs completions through a provider with classified retries
// and exponential backoff.
type Caller struct {
	registry        *Registry
	observer        service.Observer
	tracer          trace.Tracer
	cache           *CompletionCache
	sleep           common.Sleeper
	now             func() time.Time
	defaultProvider ProviderName
	retry           service.RetryOptions
}

// CallerOption customizes a Caller.
type CallerOption func(*Caller)

// WithRetryOptions sets the attempt bound and backoff parameters.
func WithRetryOptions(opts service.RetryOptions) CallerOption {
	return func(c *Caller) { c.retry = opts }
}

// WithObserver sets the log and metric sink.
func WithObserver(o service.Observer) CallerOption {
	return func(c *Caller) { c.observer = o }
}

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(s common.Sleeper) CallerOption {
	return func(c *Caller) { c.sleep = s }
}

// WithCache enables the completion cache. A nil cache disables it.
func WithCache(cache *CompletionCache) CallerOption {
	return func(c *Caller) { c.cache = cache }
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t trace.Tracer) CallerOption {
	return func(c *Caller) { c.tracer = t }
}

// WithDefaultProvider sets the provider used when a request names none.
func WithDefaultProvider(p ProviderName) CallerOption {
	return func(c *Caller) { c.defaultProvider = p }
}

// WithClock replaces time.Now for elapsed-time accounting.
func WithClock(now func() time.Time) CallerOption {
	return func(c *Caller) { c.now = now }
}

// NewCaller creates a Caller over registry.
func NewCaller(registry *Registry, opts ...CallerOption) *Caller {
	c := &Caller{
		registry:        registry,
		observer:        service.NopObserver{},
		sleep:           common.SleepContext,
		now:             time.Now,
		defaultProvider: ProviderOpenAI,
		retry:           service.DefaultRetryOptions(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.retry = common.NormalizeRetryOptions(c.retry)
	c.observer = service.SafeObserver{Next: c.observer}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c
}

// Call performs one logical completion. Authentication failures and
// non-retryable failures end the call after the attempt that produced them;
// retryable failures are attempted again until the attempt bound. Every
// terminal failure is a *common.LLMError.
func (c *Caller) Call(ctx context.Context, req Request) (Result, error) {
	if req.Provider == "" {
		req.Provider = c.defaultProvider
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, common.NewValidationError("prompt is required", nil)
	}

	if c.cache != nil {
		res, err := c.cache.Do(ctx, req, func(ctx context.Context) (Result, error) {
			return c.call(ctx, req)
		})
		var llmErr *common.LLMError
		if err != nil && !errors.As(err, &llmErr) {
			return Result{}, c.terminalError(req.Provider, err, 0, 0)
		}
		return res, err
	}
	return c.call(ctx, req)
}

func (c *Caller) call(ctx context.Context, req Request) (Result, error) {
	start := c.now()
	name := req.Provider

	provider, err := c.registry.Get(name)
	if err != nil {
		llmErr := &common.LLMError{
			Message:  fmt.Sprintf("unsupported LLM provider: %s", name),
			Provider: string(name),
			Kind:     common.KindClientInput,
			Err:      err,
		}
		c.logEvent(slog.LevelError, "LLM provider unavailable", map[string]any{"provider": name, "error": err.Error()})
		return Result{}, llmErr
	}

	ctx, span := c.tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("llm.provider", string(name)),
		attribute.Int("llm.prompt_length", len(req.Prompt)),
	))
	defer span.End()

	c.logEvent(slog.LevelInfo, fmt.Sprintf("Starting %s API call", name), map[string]any{
		"provider":           name,
		"promptLength":       len(req.Prompt),
		"systemPromptLength": len(req.SystemPrompt),
	})

	var (
		completion model.Completion
		attempts   int
	)
	err = common.Retry(ctx, func(attempt int) error {
		attempts = attempt
		attemptStart := c.now()

		res, sendErr := provider.SendCompletion(ctx, req.completion())
		c.recordAttempt(span, model.CallAttempt{
			AttemptNumber: attempt,
			Provider:      string(name),
			Model:         req.Model,
			StartedAt:     attemptStart,
			Elapsed:       c.now().Sub(attemptStart),
			Outcome:       c.outcome(attempt, sendErr),
			Err:           sendErr,
		})
		if sendErr != nil {
			return sendErr
		}
		completion = res
		return nil
	}, common.RetryPolicy{
		RetryOptions: c.retry,
		Sleep:        c.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logEvent(slog.LevelWarn,
				fmt.Sprintf("Retryable error on attempt %d/%d, retrying in %dms", attempt, c.retry.MaxAttempts, delay.Milliseconds()),
				map[string]any{
					"provider":       name,
					"attempt":        attempt,
					"delay":          delay.Milliseconds(),
					"error":          describe(err),
					"classification": common.Classify(err).String(),
				})
		},
	})
	elapsed := c.now().Sub(start)

	if err != nil {
		llmErr := c.terminalError(name, err, attempts, elapsed)
		span.RecordError(llmErr)
		span.SetStatus(codes.Error, llmErr.Message)
		c.logEvent(slog.LevelError, "LLM API call failed", map[string]any{
			"provider":       name,
			"attempts":       attempts,
			"responseTime":   elapsed.Milliseconds(),
			"classification": llmErr.Kind.String(),
			"error":          describe(llmErr.Err),
		})
		c.observer.RecordMetric(service.MetricEvent{
			Type:      service.EventLLMCall,
			Duration:  elapsed,
			ErrorCode: common.CodeLLM,
			Metadata:  map[string]any{"provider": string(name), "attempts": attempts, "success": false},
		})
		return Result{}, llmErr
	}

	span.SetAttributes(
		attribute.Int("llm.attempts", attempts),
		attribute.Int("llm.prompt_tokens", completion.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", completion.Usage.CompletionTokens),
	)
	c.logEvent(slog.LevelInfo, fmt.Sprintf("%s API call successful", name), map[string]any{
		"provider":       name,
		"responseTime":   elapsed.Milliseconds(),
		"attempt":        attempts,
		"responseLength": len(completion.Content),
		"usage":          completion.Usage,
	})
	c.observer.RecordMetric(service.MetricEvent{
		Type:     service.EventLLMCall,
		Duration: elapsed,
		Metadata: map[string]any{
			"provider":         string(name),
			"attempts":         attempts,
			"success":          true,
			"promptTokens":     completion.Usage.PromptTokens,
			"completionTokens": completion.Usage.CompletionTokens,
		},
	})

	return Result{Completion: completion, Provider: name, Attempts: attempts, Elapsed: elapsed}, nil
}

func (c *Caller) outcome(attempt int, err error) model.AttemptOutcome {
	switch {
	case err == nil:
		return model.OutcomeSuccess
	case !common.IsRetryable(err):
		return model.OutcomeAborted
	case attempt >= c.retry.MaxAttempts:
		return model.OutcomeExhausted
	default:
		return model.OutcomeRetrying
	}
}

func (c *Caller) recordAttempt(span trace.Span, a model.CallAttempt) {
	attrs := []attribute.KeyValue{
		attribute.Int("attempt", a.AttemptNumber),
		attribute.String("outcome", string(a.Outcome)),
		attribute.Int64("elapsed_ms", a.Elapsed.Milliseconds()),
	}
	fields := map[string]any{
		"provider": a.Provider,
		"attempt":  a.AttemptNumber,
		"outcome":  a.Outcome,
		"elapsed":  a.Elapsed.Milliseconds(),
	}
	if a.Err != nil {
		kind := common.Classify(a.Err).String()
		attrs = append(attrs, attribute.String("classification", kind))
		fields["classification"] = kind
		fields["error"] = describe(a.Err)
	}
	span.AddEvent("llm.attempt", trace.WithAttributes(attrs...))
	c.logEvent(slog.LevelDebug, "LLM attempt finished", fields)
}

// terminalError builds the LLMError for a failed call. The message reflects
// the category of the last failure.
func (c *Caller) terminalError(name ProviderName, err error, attempts int, elapsed time.Duration) *common.LLMError {
	lastErr := err
	exhausted := false
	var retryErr *common.RetryError
	if errors.As(err, &retryErr) {
		lastErr = retryErr.Err
		exhausted = retryErr.Exhausted
	}
	kind := common.Classify(lastErr)

	var msg string
	switch {
	case kind == common.KindAuthentication:
		msg = fmt.Sprintf("LLM API authentication failed. Please check your %s API key.", strings.ToUpper(string(name)))
	case exhausted && kind == common.KindRateLimited:
		msg = "LLM API rate limit exceeded. Please try again later."
	case exhausted && kind == common.KindTimeout:
		msg = "LLM API request timed out. Please try again."
	case exhausted:
		msg = fmt.Sprintf("LLM API call failed after %d attempts: %s", attempts, describe(lastErr))
	default:
		msg = fmt.Sprintf("LLM API call failed: %s", describe(lastErr))
	}

	return &common.LLMError{
		Message:  msg,
		Provider: string(name),
		Kind:     kind,
		Attempts: attempts,
		Elapsed:  elapsed,
		Err:      lastErr,
	}
}

func (c *Caller) logEvent(level slog.Level, msg string, fields map[string]any) {
	fields["component"] = "llm"
	c.observer.LogEvent(level, msg, fields)
}

// describe returns the adapter's message without the classification prefix.
func describe(err error) string {
	if err == nil {
		return ""
	}
	var ce *common.ClassifiedError
	if errors.As(err, &ce) && ce.Err != nil {
		return ce.Err.Error()
	}
	return err.Error()
}

// CallJSON performs a completion that must answer with JSON and decodes it
// into T. Decoding failures are returned as produced by ParseJSON, carrying
// the provider and attempt count of the call.
func CallJSON[T any](ctx context.Context, c *Caller, req Request) (T, error) {
	var zero T

	req.Prompt += jsonInstruction
	res, err := c.Call(ctx, req)
	if err != nil {
		return zero, err
	}

	v, err := ParseJSON[T](res.Content)
	if err != nil {
		var llmErr *common.LLMError
		if errors.As(err, &llmErr) {
			llmErr.Provider = string(res.Provider)
			llmErr.Attempts = res.Attempts
		}
		c.logEvent(slog.LevelError, "JSON parsing failed", map[string]any{
			"provider":        res.Provider,
			"responseLength":  len(res.Content),
			"responsePreview": common.Preview(res.Content, 500),
			"error":           err.Error(),
		})
		return zero, err
	}
	return v, nil
}
