// Package model defines the core domain models used throughout the application.
package model

import "time"

// Role identifies the author of a chat message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat turn sent to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the provider-neutral input of one completion.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	// Temperature is nil when the provider default applies.
	Temperature *float64
	MaxTokens   int
}

// Messages renders the request as a chat transcript. The system message is
// omitted when empty.
func (r CompletionRequest) Messages() []Message {
	msgs := make([]Message, 0, 2)
	if r.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: r.SystemPrompt})
	}
	return append(msgs, Message{Role: RoleUser, Content: r.Prompt})
}

// Usage reports token accounting returned by a provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Completion is the result of one successful call.
type Completion struct {
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	ResponseID   string `json:"responseId,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// AttemptOutcome records how a single call attempt ended.
type AttemptOutcome string

// Attempt outcomes.
const (
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeRetrying  AttemptOutcome = "retrying"
	OutcomeExhausted AttemptOutcome = "exhausted"
	OutcomeAborted   AttemptOutcome = "aborted"
)

// CallAttempt is observability data for one provider attempt.
type CallAttempt struct {
	StartedAt     time.Time
	Err           error
	Provider      string
	Model         string
	Outcome       AttemptOutcome
	AttemptNumber int
	Elapsed       time.Duration
	NextDelay     time.Duration
}
