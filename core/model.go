package core

import "context"

// ModelRequest is a single model invocation.
type ModelRequest struct {
	// System is the rendered system prompt, recall block included.
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// ModelResponse is the model's reply: either a final answer or a message
// carrying tool calls.
type ModelResponse struct {
	Message Message
	Usage   TokenUsage
}

// Model is the opaque language-model capability. Implementations live in
// the llm package.
type Model interface {
	Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

// Generate calls f.
func (f ModelFunc) Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	return f(ctx, req)
}
