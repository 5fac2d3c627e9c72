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

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// anthropicProvider implements Provider for the Anthropic messages API.
type anthropicProvider struct {
	cfg     Config
	baseURL string
}

// newAnthropicProvider creates a new Anthropic provider.
func newAnthropicProvider(cfg Config) (Provider, error) {
	cfg = cfg.withDefaults(DefaultAnthropicModel)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}

	return &anthropicProvider{cfg: cfg, baseURL: baseURL}, nil
}

func (p *anthropicProvider) Name() ProviderName {
	return ProviderAnthropic
}

// SendCompletion sends one messages request. Anthropic takes the system
// prompt as a top-level field, so an empty one is replaced by the default.
func (p *anthropicProvider) SendCompletion(ctx context.Context, req model.CompletionRequest) (model.Completion, error) {
	if p.cfg.APIKey == "" {
		return model.Completion{}, missingKey("ANTHROPIC_API_KEY")
	}
	req = p.cfg.resolve(req)

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	requestBody := map[string]any{
		"model":       req.Model,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"system":      systemPrompt,
		"messages": []model.Message{
			{Role: model.RoleUser, Content: req.Prompt},
		},
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return model.Completion{}, common.Classified(common.KindClientInput, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return model.Completion{}, common.Classified(common.KindClientInput, fmt.Errorf("failed to create request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return model.Completion{}, transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Completion{}, transportError(ctx, fmt.Errorf("failed to read response: %w", err))
	}

	// 529 is Anthropic's "overloaded" status and falls into the server-fault range.
	if resp.StatusCode != http.StatusOK {
		return model.Completion{}, common.ClassifiedStatus(resp.StatusCode,
			fmt.Errorf("anthropic API error (status %d): %s", resp.StatusCode, common.Preview(string(body), 500)))
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return model.Completion{}, common.Classified(common.KindServerFault, fmt.Errorf("failed to parse response: %w", err))
	}

	completion := model.Completion{
		Model:        response.Model,
		ResponseID:   response.ID,
		FinishReason: response.StopReason,
		Usage: model.Usage{
			PromptTokens:     response.Usage.InputTokens,
			CompletionTokens: response.Usage.OutputTokens,
		},
	}
	if len(response.Content) > 0 && response.Content[0].Type == "text" {
		completion.Content = response.Content[0].Text
	}

	if completion.Content == "" {
		p.cfg.Logger.Warn("Anthropic API returned empty content",
			"component", "llm",
			"responseId", response.ID,
			"blocks", len(response.Content),
			"stopReason", response.StopReason)
	}

	return completion, nil
}

// anthropicResponse represents the Anthropic API response structure.
type anthropicResponse struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Role         string `json:"role"`
	Model        string `json:"model"`
	StopReason   string `json:"stop_reason"`
	StopSequence string `json:"stop_sequence"`
	Content      []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
