package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/Veraticus/esg-flow/internal/common"
	"github.com/Veraticus/esg-flow/internal/model"
)

// localProvider talks to a self-hosted OpenAI-compatible server (Ollama,
// vLLM, llama.cpp) through langchaingo.
type localProvider struct {
	client llms.Model
	cfg    Config
}

// newLocalProvider creates a provider for an OpenAI-compatible endpoint.
// Local servers usually ignore the token, so "none" is sent when no key is set.
func newLocalProvider(cfg Config) (Provider, error) {
	cfg = cfg.withDefaults(DefaultLocalModel)
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultLocalBaseURL
	}

	token := cfg.APIKey
	if token == "" {
		token = "none"
	}

	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
		openai.WithHTTPClient(cfg.HTTPClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create local LLM client: %w", err)
	}

	return &localProvider{client: client, cfg: cfg}, nil
}

func (p *localProvider) Name() ProviderName {
	return ProviderLocal
}

// SendCompletion generates one completion.
func (p *localProvider) SendCompletion(ctx context.Context, req model.CompletionRequest) (model.Completion, error) {
	req = p.cfg.resolve(req)

	content := make([]llms.MessageContent, 0, 2)
	if req.SystemPrompt != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt))
	}
	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	response, err := p.client.GenerateContent(ctx, content,
		llms.WithModel(req.Model),
		llms.WithTemperature(*req.Temperature),
		llms.WithMaxTokens(req.MaxTokens),
	)
	if err != nil {
		return model.Completion{}, classifyLocalError(ctx, err)
	}

	completion := model.Completion{Model: req.Model}
	if len(response.Choices) > 0 {
		choice := response.Choices[0]
		completion.Content = choice.Content
		completion.FinishReason = choice.StopReason
		completion.Usage = model.Usage{
			PromptTokens:     intInfo(choice.GenerationInfo, "PromptTokens"),
			CompletionTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
		}
	}

	if completion.Content == "" {
		p.cfg.Logger.Warn("local LLM returned empty content",
			"component", "llm",
			"choices", len(response.Choices),
			"finishReason", completion.FinishReason)
	}

	return completion, nil
}

// classifyLocalError maps langchaingo failures. langchaingo does not expose
// the HTTP status as a type, so the status text it embeds is the only signal.
func classifyLocalError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return transportError(ctx, err)
	}
	if kind := common.Classify(err); kind != common.KindUnknown {
		return common.Classified(kind, err)
	}

	msg := err.Error()
	for _, status := range []int{401, 403, 429, 408, 400, 404, 422, 500, 502, 503, 504} {
		if strings.Contains(msg, fmt.Sprintf("status code: %d", status)) {
			return common.ClassifiedStatus(status, err)
		}
	}
	return common.Classified(common.KindServerFault, err)
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
