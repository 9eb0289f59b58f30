// Package llm defines the narrow completion contract the analytics tasks use
// to call the analysis collaborator.
package llm

import "context"

// Message is a single conversation turn passed to a completion call.
type Message struct {
	// Role is one of "system", "user", "assistant".
	Role string

	// Content is the message text.
	Content string
}

// CompletionRequest carries the inputs for one completion call.
type CompletionRequest struct {
	// SystemPrompt, when non-empty, is prepended as a system message.
	SystemPrompt string

	// Messages is the conversation in order.
	Messages []Message

	// Temperature, when non-zero, overrides the provider default.
	Temperature float64

	// MaxTokens, when positive, caps the completion length.
	MaxTokens int
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the result of one completion call.
type CompletionResponse struct {
	// Content is the completion text.
	Content string

	// Usage is zero-valued when the provider reports no accounting.
	Usage Usage
}

// Provider performs synchronous completions. Implementations must honor the
// ctx deadline; analytics callers bound every request.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
