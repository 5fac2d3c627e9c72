package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/esg-flow/internal/common"
	"github.com/Veraticus/esg-flow/internal/model"
)

func TestOpenAIProvider_SendCompletion(t *testing.T) {
	var captured map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4-turbo-preview",
			"choices": [{"message": {"role": "assistant", "content": "ESG summary"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	provider, err := newOpenAIProvider(Config{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, provider.Name())

	got, err := provider.SendCompletion(context.Background(), model.CompletionRequest{
		SystemPrompt: "You are an analyst.",
		Prompt:       "Summarize the policy.",
	})
	require.NoError(t, err)

	assert.Equal(t, "ESG summary", got.Content)
	assert.Equal(t, "chatcmpl-1", got.ResponseID)
	assert.Equal(t, "stop", got.FinishReason)
	assert.Equal(t, model.Usage{PromptTokens: 12, CompletionTokens: 3}, got.Usage)

	assert.Equal(t, DefaultOpenAIModel, captured["model"])
	assert.InDelta(t, DefaultTemperature, captured["temperature"], 0.0001)
	assert.InDelta(t, float64(DefaultMaxTokens), captured["max_tokens"], 0.0001)

	messages, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "user", messages[1].(map[string]any)["role"])
}

func TestOpenAIProvider_SendsZeroTemperature(t *testing.T) {
	var captured map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "ok"}}]}`))
	}))
	defer server.Close()

	provider, err := newOpenAIProvider(Config{APIKey: "test-key", BaseURL: server.URL, Temperature: Temperature(0.9)})
	require.NoError(t, err)

	_, err = provider.SendCompletion(context.Background(), model.CompletionRequest{
		Prompt:      "Deterministic please.",
		Temperature: Temperature(0),
	})
	require.NoError(t, err)

	temp, ok := captured["temperature"]
	require.True(t, ok)
	assert.InDelta(t, 0.0, temp, 0.0001)
}

func TestOpenAIProvider_OmitsEmptySystemPrompt(t *testing.T) {
	var captured struct {
		Messages []model.Message `json:"messages"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer server.Close()

	provider, err := newOpenAIProvider(Config{APIKey: "k", BaseURL: server.URL, Model: "gpt-4o"})
	require.NoError(t, err)

	_, err = provider.SendCompletion(context.Background(), model.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, model.RoleUser, captured.Messages[0].Role)
}

func TestOpenAIProvider_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   common.Kind
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: common.KindAuthentication},
		{name: "forbidden", status: http.StatusForbidden, want: common.KindAuthentication},
		{name: "rate limited", status: http.StatusTooManyRequests, want: common.KindRateLimited},
		{name: "bad request", status: http.StatusBadRequest, want: common.KindClientInput},
		{name: "server error", status: http.StatusInternalServerError, want: common.KindServerFault},
		{name: "bad gateway", status: http.StatusBadGateway, want: common.KindServerFault},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, want: common.KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error": {"message": "nope"}}`))
			}))
			defer server.Close()

			provider, err := newOpenAIProvider(Config{APIKey: "k", BaseURL: server.URL})
			require.NoError(t, err)

			_, err = provider.SendCompletion(context.Background(), model.CompletionRequest{Prompt: "hi"})
			require.Error(t, err)
			assert.Equal(t, tt.want, common.Classify(err))
			assert.Contains(t, err.Error(), "OpenAI API error")
		})
	}
}

func TestOpenAIProvider_MissingKey(t *testing.T) {
	provider, err := newOpenAIProvider(Config{})
	require.NoError(t, err)

	_, err = provider.SendCompletion(context.Background(), model.CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrMissingAPIKey)
	assert.Equal(t, common.KindAuthentication, common.Classify(err))
}

func TestOpenAIProvider_EmptyContentIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id": "x", "choices": []}`))
	}))
	defer server.Close()

	provider, err := newOpenAIProvider(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	got, err := provider.SendCompletion(context.Background(), model.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Empty(t, got.Content)
}

func TestOpenAIProvider_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	provider, err := newOpenAIProvider(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = provider.SendCompletion(ctx, model.CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, common.KindTimeout, common.Classify(err))
}
