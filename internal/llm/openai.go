package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Veraticus/esg-flow/internal/common"
	"github.com/Veraticus/esg-flow/internal/model"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAIProvider implements Provider for the OpenAI chat completions API.
type openAIProvider struct {
	cfg     Config
	baseURL string
}

// newOpenAIProvider creates a new OpenAI provider. A missing API key is
// reported on the first call, classified as an authentication failure.
func newOpenAIProvider(cfg Config) (Provider, error) {
	cfg = cfg.withDefaults(DefaultOpenAIModel)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	return &openAIProvider{cfg: cfg, baseURL: baseURL}, nil
}

func (p *openAIProvider) Name() ProviderName {
	return ProviderOpenAI
}

// SendCompletion sends one chat completion request.
func (p *openAIProvider) SendCompletion(ctx context.Context, req model.CompletionRequest) (model.Completion, error) {
	if p.cfg.APIKey == "" {
		return model.Completion{}, missingKey("OPENAI_API_KEY")
	}
	req = p.cfg.resolve(req)

	requestBody := map[string]any{
		"model":       req.Model,
		"messages":    req.Messages(),
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return model.Completion{}, common.Classified(common.KindClientInput, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return model.Completion{}, common.Classified(common.KindClientInput, fmt.Errorf("failed to create request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return model.Completion{}, transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Completion{}, transportError(ctx, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return model.Completion{}, common.ClassifiedStatus(resp.StatusCode,
			fmt.Errorf("OpenAI API error (status %d): %s", resp.StatusCode, common.Preview(string(body), 500)))
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return model.Completion{}, common.Classified(common.KindServerFault, fmt.Errorf("failed to parse response: %w", err))
	}

	completion := model.Completion{
		Model:      response.Model,
		ResponseID: response.ID,
		Usage: model.Usage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
		},
	}
	if len(response.Choices) > 0 {
		completion.Content = response.Choices[0].Message.Content
		completion.FinishReason = response.Choices[0].FinishReason
	}

	if completion.Content == "" {
		p.cfg.Logger.Warn("OpenAI API returned empty content",
			"component", "llm",
			"responseId", response.ID,
			"choices", len(response.Choices),
			"finishReason", completion.FinishReason)
	}

	return completion, nil
}

// openAIResponse represents the OpenAI API response structure.
type openAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
		Index        int    `json:"index"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Created int64 `json:"created"`
}
