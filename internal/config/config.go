// Package config loads the immutable runtime configuration: tunables from
// viper (file, ESGFLOW_ environment, flags) plus secrets and feature flags
// from the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Veraticus/esg-flow/internal/common"
)

// EnvPrefix namespaces viper environment overrides, e.g. ESGFLOW_LLM_PROVIDER.
const EnvPrefix = "ESGFLOW"

// Provider settings accepted by llm.provider and LLM_PROVIDER.
const (
	ProviderAuto      = "auto"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderLocal     = "local"
)

// Rate-limit stores accepted by ratelimit.store.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the complete runtime configuration.
type Config struct {
	Secrets   Secrets         `mapstructure:"-"`
	Flags     Flags           `mapstructure:"-"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Search    SearchConfig    `mapstructure:"search"`
	Document  DocumentConfig  `mapstructure:"document"`
	Server    ServerConfig    `mapstructure:"server"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// LLMConfig selects providers and completion defaults.
type LLMConfig struct {
	Provider       string        `mapstructure:"provider"`
	OpenAIModel    string        `mapstructure:"openai_model"`
	AnthropicModel string        `mapstructure:"anthropic_model"`
	LocalModel     string        `mapstructure:"local_model"`
	LocalBaseURL   string        `mapstructure:"local_base_url"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// RetryConfig bounds the retrying caller.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// RateLimitConfig sets the per-client windows.
type RateLimitConfig struct {
	Store              string  `mapstructure:"store"`
	PerMinute          int     `mapstructure:"per_minute"`
	PerHour            int     `mapstructure:"per_hour"`
	CleanupProbability float64 `mapstructure:"cleanup_probability"`
}

// RedisConfig locates the shared rate-limit store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
	DB       int    `mapstructure:"db"`
}

// SearchConfig paces knowledge-base batches.
type SearchConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Delay       time.Duration `mapstructure:"delay"`
	MaxTokens   int           `mapstructure:"max_tokens"`
}

// DocumentConfig bounds uploads and PDF extraction.
type DocumentConfig struct {
	GeminiModel   string        `mapstructure:"gemini_model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxFileSize   int64         `mapstructure:"max_file_size"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	CertDir        string        `mapstructure:"cert_dir"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// TLS serves HTTPS with a self-signed localhost certificate kept in
	// CertDir.
	TLS bool `mapstructure:"tls"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Enabled     bool    `mapstructure:"enabled"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Secrets are credentials read only from the environment.
type Secrets struct {
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	GeminiAPIKey    string `env:"GEMINI_API_KEY"`
	LocalAPIKey     string `env:"LOCAL_LLM_API_KEY"`
}

// Flags toggle features from the environment.
type Flags struct {
	LLMProvider        string `env:"LLM_PROVIDER"`
	MaxRetryAttempts   int    `env:"MAX_RETRY_ATTEMPTS"`
	EnableWebSearch    bool   `env:"ENABLE_WEB_SEARCH"    envDefault:"true"`
	EnableMetrics      bool   `env:"ENABLE_METRICS"       envDefault:"true"`
	EnableRateLimiting bool   `env:"ENABLE_RATE_LIMITING" envDefault:"true"`
}

// SetDefaults registers every key with its stock value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", ProviderAuto)
	v.SetDefault("llm.openai_model", "gpt-4-turbo-preview")
	v.SetDefault("llm.anthropic_model", "claude-3-5-sonnet-20241022")
	v.SetDefault("llm.local_model", "llama3.1")
	v.SetDefault("llm.local_base_url", "http://localhost:11434/v1")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.cache_ttl", "0s")
	v.SetDefault("llm.timeout", common.DefaultAPITimeout.String())

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("ratelimit.store", StoreMemory)
	v.SetDefault("ratelimit.per_minute", 10)
	v.SetDefault("ratelimit.per_hour", 100)
	v.SetDefault("ratelimit.cleanup_probability", 0.01)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "esgflow:ratelimit:")

	v.SetDefault("search.concurrency", 3)
	v.SetDefault("search.delay", "500ms")
	v.SetDefault("search.max_tokens", 1000)

	v.SetDefault("document.gemini_model", "gemini-2.5-flash")
	v.SetDefault("document.timeout", "240s")
	v.SetDefault("document.max_file_size", 4718592)
	v.SetDefault("document.max_concurrent", 2)

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.request_timeout", common.DefaultAPITimeout.String())
	v.SetDefault("server.tls", false)
	v.SetDefault("server.cert_dir", "~/.config/esgflow/certs")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "http://localhost:4318")
	v.SetDefault("tracing.service_name", "esgflow")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// BindEnv makes every key overridable through ESGFLOW_ variables with dots
// replaced by underscores.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads an optional .env file, decodes v into a Config, parses secrets
// and flags from the environment and validates the result. v must already
// have its defaults, environment binding and config file applied.
func Load(v *viper.Viper, dotenvFiles ...string) (*Config, error) {
	if err := loadDotenv(dotenvFiles...); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := env.Parse(&cfg.Secrets); err != nil {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}
	if err := env.Parse(&cfg.Flags); err != nil {
		return nil, fmt.Errorf("parse feature flags: %w", err)
	}

	if cfg.Flags.LLMProvider == "" {
		cfg.Flags.LLMProvider = cfg.LLM.Provider
	}
	cfg.Flags.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.Flags.LLMProvider))
	if cfg.Flags.MaxRetryAttempts > 0 {
		cfg.Retry.MaxAttempts = cfg.Flags.MaxRetryAttempts
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotenv loads files into the environment without overriding variables
// that are already set. Missing files are ignored.
func loadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(ExpandPath(f)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Validate rejects values the rest of the system cannot run with.
func Validate(cfg *Config) error {
	var errs []error

	switch cfg.Flags.LLMProvider {
	case ProviderAuto, ProviderOpenAI, ProviderAnthropic, ProviderLocal:
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be one of auto, openai, anthropic, local, got %q", cfg.Flags.LLMProvider))
	}
	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, errors.New("llm.max_tokens must be positive"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be within [0, 2], got %g", cfg.LLM.Temperature))
	}
	if cfg.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if cfg.Retry.InitialDelay > cfg.Retry.MaxDelay {
		errs = append(errs, errors.New("retry.initial_delay must not exceed retry.max_delay"))
	}
	if cfg.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if cfg.RateLimit.PerMinute <= 0 || cfg.RateLimit.PerHour <= 0 {
		errs = append(errs, errors.New("ratelimit.per_minute and ratelimit.per_hour must be positive"))
	}
	if p := cfg.RateLimit.CleanupProbability; p < 0 || p > 1 {
		errs = append(errs, fmt.Errorf("ratelimit.cleanup_probability must be within [0, 1], got %g", p))
	}
	switch cfg.RateLimit.Store {
	case StoreMemory:
	case StoreRedis:
		if cfg.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required when ratelimit.store is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("ratelimit.store must be memory or redis, got %q", cfg.RateLimit.Store))
	}
	if cfg.Search.Concurrency <= 0 {
		errs = append(errs, errors.New("search.concurrency must be positive"))
	}
	if cfg.Document.MaxFileSize <= 0 {
		errs = append(errs, errors.New("document.max_file_size must be positive"))
	}
	if r := cfg.Tracing.SampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be within [0, 1], got %g", r))
	}
	if _, err := common.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch cfg.Logging.Format {
	case "console", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", cfg.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", common.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
