// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) and exposes a single request/response call used by the
// staging resolver and the dialogue and challenge generators. There is no
// streaming: every generation in the approval pipeline is reviewed as a whole
// before it reaches players.
//
// Failures are typed. Implementations must wrap every error they return with
// [Classify] (or one of the sentinels directly) so callers can distinguish a
// generation failure from a cancelled request.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages must
// be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is typically
	// from the "user" role and drives the response.
	Messages []Message

	// Tools is the set of function/tool definitions offered to the model. A
	// request with tools is the "generate with tools" form of a completion;
	// callers should check Capabilities().SupportsToolCalling first.
	Tools []ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before the
	// conversation history.
	SystemPrompt string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []ToolCall

	// FinishReason reports why generation stopped: "stop", "length",
	// "tool_calls", or a provider specific value.
	FinishReason string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	//
	// Errors are wrapped with one of [ErrTimeout], [ErrMalformedResponse] or
	// [ErrProvider]. A cancelled ctx is returned as ctx.Err() unwrapped so
	// shutdown is never mistaken for a provider outage.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing what this provider's
	// underlying model supports.
	Capabilities() ModelCapabilities
}

// Generate is a convenience wrapper for a tool-less completion with a single
// user prompt.
func Generate(ctx context.Context, p Provider, system, prompt string, temperature float64) (*CompletionResponse, error) {
	return p.Complete(ctx, CompletionRequest{
		SystemPrompt: system,
		Messages:     []Message{{Role: "user", Content: prompt}},
		Temperature:  temperature,
	})
}

// GenerateWithTools is like [Generate] but offers tools to the model.
func GenerateWithTools(ctx context.Context, p Provider, system, prompt string, tools []ToolDefinition) (*CompletionResponse, error) {
	return p.Complete(ctx, CompletionRequest{
		SystemPrompt: system,
		Messages:     []Message{{Role: "user", Content: prompt}},
		Tools:        tools,
	})
}
