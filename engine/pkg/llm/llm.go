// Package llm is the model client the generator and chart advisor talk
// to. The interface is provider-neutral; the Anthropic implementation is
// the default.
package llm

import "context"

// Role tags a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation context.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Options tune a single completion call.
type Options struct {
	// System is the system prompt for this call.
	System string

	// Temperature in [0, 1]. The correction loop raises it slightly on
	// retries to escape repeated failures.
	Temperature float64

	// MaxTokens caps the response length. Zero means the client default.
	MaxTokens int64

	// StopSequences end generation early, e.g. a fence close.
	StopSequences []string
}

// Client completes prompts. Implementations must honor context
// cancellation within a bounded wall-clock budget.
type Client interface {
	// Complete returns the full response text.
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)

	// Stream invokes onChunk for each text delta and returns the full
	// concatenated response once the stream ends.
	Stream(ctx context.Context, messages []Message, opts Options, onChunk func(text string)) (string, error)
}
