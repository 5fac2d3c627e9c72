// Package llm provides resilient access to language model completion APIs.
// Providers (OpenAI, Anthropic and local OpenAI-compatible servers) are
// selected by an enumerated tag through a lazily populated Registry. The
// Caller retries classified transient failures with exponential backoff,
// ParseJSON tolerates fenced or prose-wrapped JSON answers, and an optional
// CompletionCache collapses identical calls.
package llm
