package config

import "github.com/Veraticus/esg-flow/internal/llm"

// ResolveProvider picks the default LLM provider. An explicit setting wins;
// auto prefers OpenAI when its key is present, then Anthropic, and otherwise
// falls back to OpenAI so the missing key surfaces at call time.
func ResolveProvider(flags Flags, secrets Secrets) (llm.ProviderName, error) {
	if flags.LLMProvider != "" && flags.LLMProvider != ProviderAuto {
		return llm.ParseProvider(flags.LLMProvider)
	}
	switch {
	case secrets.OpenAIAPIKey != "":
		return llm.ProviderOpenAI, nil
	case secrets.AnthropicAPIKey != "":
		return llm.ProviderAnthropic, nil
	default:
		return llm.ProviderOpenAI, nil
	}
}

// KeyStatus reports which credentials are configured.
type KeyStatus struct {
	OpenAI         bool `json:"openai"`
	Anthropic      bool `json:"anthropic"`
	Gemini         bool `json:"gemini"`
	HasAnyLLM      bool `json:"hasAnyLLM"`
	HasAllRequired bool `json:"hasAllRequired"`
}

// Keys summarizes secrets without exposing them. OpenAI and Gemini are
// required for the full feature set.
func (s Secrets) Keys() KeyStatus {
	k := KeyStatus{
		OpenAI:    s.OpenAIAPIKey != "",
		Anthropic: s.AnthropicAPIKey != "",
		Gemini:    s.GeminiAPIKey != "",
	}
	k.HasAnyLLM = k.OpenAI || k.Anthropic
	k.HasAllRequired = k.OpenAI && k.Gemini
	return k
}
