package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Veraticus/esg-flow/internal/common"
	"github.com/Veraticus/esg-flow/internal/model"
)

// Default provider settings.
const (
	DefaultOpenAIModel    = "gpt-4-turbo-preview"
	DefaultAnthropicModel = "claude-3-5-sonnet-20241022"
	DefaultLocalModel     = "llama3.1"
	DefaultLocalBaseURL   = "http://localhost:11434/v1"
	DefaultTemperature    = 0.3
	DefaultMaxTokens      = 4096

	// DefaultSystemPrompt is sent to providers that require a system prompt
	// when the caller supplies none.
	DefaultSystemPrompt = "You are a helpful assistant that analyzes ESG compliance for investment companies."
)

// ProviderName is the enumerated tag that selects a provider strategy.
type ProviderName string

// Supported providers.
const (
	ProviderOpenAI    ProviderName = "openai"
	ProviderAnthropic ProviderName = "anthropic"
	ProviderLocal     ProviderName = "local"
)

// Providers lists every supported provider tag.
func Providers() []ProviderName {
	return []ProviderName{ProviderOpenAI, ProviderAnthropic, ProviderLocal}
}

// ParseProvider converts a configured name into a ProviderName.
func ParseProvider(name string) (ProviderName, error) {
	switch p := ProviderName(strings.ToLower(strings.TrimSpace(name))); p {
	case ProviderOpenAI, ProviderAnthropic, ProviderLocal:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %s", common.ErrUnknownProvider, name)
	}
}

func (p ProviderName) String() string {
	return string(p)
}

// Provider sends a single completion to one backing vendor. Implementations
// classify every failure with common.Classified or common.ClassifiedStatus so
// the retry loop never inspects error text.
type Provider interface {
	Name() ProviderName
	SendCompletion(ctx context.Context, req model.CompletionRequest) (model.Completion, error)
}

// Config holds the settings of one provider.
type Config struct {
	HTTPClient  *http.Client
	Logger      *slog.Logger
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Temperature returns a pointer to v for the optional temperature fields.
// A nil temperature means the configured default applies.
func Temperature(v float64) *float64 {
	return &v
}

func (c Config) withDefaults(model string) Config {
	if c.Model == "" {
		c.Model = model
	}
	if c.Temperature == nil {
		c.Temperature = Temperature(DefaultTemperature)
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.HTTPClient == nil {
		c.HTTPClient = newHTTPClient()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// resolve fills request fields the caller left empty from the provider config.
func (c Config) resolve(req model.CompletionRequest) model.CompletionRequest {
	if req.Model == "" {
		req.Model = c.Model
	}
	if req.Temperature == nil {
		req.Temperature = c.Temperature
	}
	if req.Temperature == nil {
		req.Temperature = Temperature(DefaultTemperature)
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.MaxTokens
	}
	return req
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 2 * time.Minute,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// transportError classifies a failure of the HTTP round trip itself.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return common.Classified(common.Classify(ctx.Err()), fmt.Errorf("request failed: %w", err))
	}
	kind := common.Classify(err)
	if kind == common.KindUnknown {
		kind = common.KindNetwork
	}
	return common.Classified(kind, fmt.Errorf("request failed: %w", err))
}

func missingKey(envName string) error {
	return common.Classified(common.KindAuthentication, fmt.Errorf("%s: %w", envName, common.ErrMissingAPIKey))
}
