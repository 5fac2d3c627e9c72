package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Veraticus/esg-flow/internal/config"
	"github.com/Veraticus/esg-flow/internal/document"
	"github.com/Veraticus/esg-flow/internal/llm"
	"github.com/Veraticus/esg-flow/internal/observability"
	"github.com/Veraticus/esg-flow/internal/ratelimit"
	"github.com/Veraticus/esg-flow/internal/search"
	"github.com/Veraticus/esg-flow/internal/server"
	"github.com/Veraticus/esg-flow/internal/service"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg       *config.Config
	caller    *llm.Caller
	cache     *llm.CompletionCache
	limiter   *ratelimit.Limiter
	search    *search.Service
	documents *document.Processor
	metrics   *observability.Metrics
	registry  *prometheus.Registry
	observer  *observability.Observer
	health    *observability.HealthChecker
	redis     *goredis.Client
	provider  llm.ProviderName
}

// newApp builds every component from cfg. Disabled features leave their
// component nil.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}

	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.Flags.EnableMetrics {
		a.metrics = observability.NewMetrics(a.registry, observability.DefaultHistorySize)
	}
	a.observer = observability.NewObserver(logger, a.metrics)

	provider, err := config.ResolveProvider(cfg.Flags, cfg.Secrets)
	if err != nil {
		return nil, err
	}
	a.provider = provider

	a.cache, err = llm.NewCompletionCache(cfg.LLM.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("create completion cache: %w", err)
	}

	opts := []llm.CallerOption{
		llm.WithDefaultProvider(provider),
		llm.WithRetryOptions(service.RetryOptions{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
		}),
		llm.WithObserver(a.observer),
	}
	if a.cache != nil {
		opts = append(opts, llm.WithCache(a.cache))
	}
	a.caller = llm.NewCaller(llm.NewRegistry(providerConfigs(cfg, logger)), opts...)

	a.health = observability.NewHealthChecker(version, cfg.Secrets.Keys(), cfg.Flags, a.metrics)

	if cfg.Flags.EnableRateLimiting {
		limiterOpts := []ratelimit.Option{ratelimit.WithLogger(logger)}
		if cfg.RateLimit.Store == config.StoreRedis {
			a.redis = goredis.NewClient(&goredis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			limiterOpts = append(limiterOpts, ratelimit.WithStore(ratelimit.NewRedisStore(a.redis, cfg.Redis.Prefix)))
			a.health.AddDependency("redis", redisPinger{client: a.redis})
		}
		a.limiter = ratelimit.New(ratelimit.Limits{
			PerMinute:          cfg.RateLimit.PerMinute,
			PerHour:            cfg.RateLimit.PerHour,
			CleanupProbability: cfg.RateLimit.CleanupProbability,
		}, limiterOpts...)
	}

	if cfg.Flags.EnableWebSearch {
		a.search = search.NewService(a.caller, a.searchConfig(), a.observer)
	}

	var pdf document.Extractor
	if cfg.Secrets.GeminiAPIKey != "" {
		gemini, err := document.NewGeminiExtractor(ctx, cfg.Secrets.GeminiAPIKey, cfg.Document.GeminiModel)
		if err != nil {
			a.Close()
			return nil, err
		}
		pdf = gemini
	}
	a.documents = document.NewProcessor(pdf, document.Config{
		Timeout:       cfg.Document.Timeout,
		MaxFileSize:   cfg.Document.MaxFileSize,
		MaxConcurrent: cfg.Document.MaxConcurrent,
	}, a.observer)

	return a, nil
}

func providerConfigs(cfg *config.Config, logger *slog.Logger) map[llm.ProviderName]llm.Config {
	client := &http.Client{
		Timeout: cfg.LLM.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	base := llm.Config{
		HTTPClient:  client,
		Logger:      logger,
		Temperature: llm.Temperature(cfg.LLM.Temperature),
		MaxTokens:   cfg.LLM.MaxTokens,
	}

	openai := base
	openai.APIKey = cfg.Secrets.OpenAIAPIKey
	openai.Model = cfg.LLM.OpenAIModel

	anthropic := base
	anthropic.APIKey = cfg.Secrets.AnthropicAPIKey
	anthropic.Model = cfg.LLM.AnthropicModel

	local := base
	local.APIKey = cfg.Secrets.LocalAPIKey
	local.Model = cfg.LLM.LocalModel
	local.BaseURL = cfg.LLM.LocalBaseURL

	return map[llm.ProviderName]llm.Config{
		llm.ProviderOpenAI:    openai,
		llm.ProviderAnthropic: anthropic,
		llm.ProviderLocal:     local,
	}
}

func (a *app) searchConfig() search.Config {
	return search.Config{
		Provider:    a.provider,
		Concurrency: a.cfg.Search.Concurrency,
		Delay:       a.cfg.Search.Delay,
		MaxTokens:   a.cfg.Search.MaxTokens,
		Temperature: llm.Temperature(a.cfg.LLM.Temperature),
	}
}

// serverDeps exposes the graph to the HTTP layer.
func (a *app) serverDeps() server.Deps {
	return server.Deps{
		Caller:         a.caller,
		Search:         a.search,
		Documents:      a.documents,
		Limiter:        a.limiter,
		Health:         a.health,
		Metrics:        a.metrics,
		Gatherer:       a.registry,
		Observer:       a.observer,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}
}

// Close releases the cache and the Redis connection.
func (a *app) Close() {
	a.cache.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("Failed to close redis client", "error", err)
		}
	}
}

type redisPinger struct {
	client *goredis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
