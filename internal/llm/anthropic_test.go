package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/esg-flow/internal/common"
	"github.com/Veraticus/esg-flow/internal/model"
)

type anthropicRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system"`
	Messages    []model.Message `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

func TestAnthropicProvider_SendCompletion(t *testing.T) {
	tests := []struct {
		name       string
		system     string
		wantSystem string
	}{
		{name: "caller system prompt", system: "Be brief.", wantSystem: "Be brief."},
		{name: "default system prompt", system: "", wantSystem: DefaultSystemPrompt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured anthropicRequest

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/messages", r.URL.Path)
				assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
				assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

				_, _ = w.Write([]byte(`{
					"id": "msg_1",
					"model": "claude-3-5-sonnet-20241022",
					"stop_reason": "end_turn",
					"content": [{"type": "text", "text": "Compliant."}],
					"usage": {"input_tokens": 20, "output_tokens": 2}
				}`))
			}))
			defer server.Close()

			provider, err := newAnthropicProvider(Config{APIKey: "test-key", BaseURL: server.URL})
			require.NoError(t, err)

			got, err := provider.SendCompletion(context.Background(), model.CompletionRequest{
				SystemPrompt: tt.system,
				Prompt:       "Is the fund compliant?",
			})
			require.NoError(t, err)

			assert.Equal(t, "Compliant.", got.Content)
			assert.Equal(t, "end_turn", got.FinishReason)
			assert.Equal(t, model.Usage{PromptTokens: 20, CompletionTokens: 2}, got.Usage)

			assert.Equal(t, tt.wantSystem, captured.System)
			assert.Equal(t, DefaultAnthropicModel, captured.Model)
			assert.Equal(t, DefaultMaxTokens, captured.MaxTokens)
			require.Len(t, captured.Messages, 1)
			assert.Equal(t, model.RoleUser, captured.Messages[0].Role)
		})
	}
}

func TestAnthropicProvider_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   common.Kind
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: common.KindAuthentication},
		{name: "rate limited", status: http.StatusTooManyRequests, want: common.KindRateLimited},
		{name: "overloaded", status: 529, want: common.KindServerFault},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, want: common.KindClientInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			provider, err := newAnthropicProvider(Config{APIKey: "k", BaseURL: server.URL})
			require.NoError(t, err)

			_, err = provider.SendCompletion(context.Background(), model.CompletionRequest{Prompt: "hi"})
			require.Error(t, err)
			assert.Equal(t, tt.want, common.Classify(err))
		})
	}
}

func TestAnthropicProvider_NonTextBlock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id": "msg_2", "content": [{"type": "tool_use"}]}`))
	}))
	defer server.Close()

	provider, err := newAnthropicProvider(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	got, err := provider.SendCompletion(context.Background(), model.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Empty(t, got.Content)
}

func TestAnthropicProvider_MissingKey(t *testing.T) {
	provider, err := newAnthropicProvider(Config{})
	require.NoError(t, err)

	_, err = provider.SendCompletion(context.Background(), model.CompletionRequest{Prompt: "hi"})
	assert.Equal(t, common.KindAuthentication, common.Classify(err))
	assert.ErrorContains(t, err, "ANTHROPIC_API_KEY")
}
