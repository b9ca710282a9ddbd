package core

import (
	"context"
	"encoding/json"
)

// Tool is an invocable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]interface{}
	Execute(ctx context.Context, params *ToolParams) (*ToolResult, error)
}

// AvailabilityChecker is implemented by tools that depend on external
// configuration. Unavailable tools are never shown to the model.
type AvailabilityChecker interface {
	Available() bool
}

// ToolParams is what a tool handler receives.
type ToolParams struct {
	RunContext RunContext
	Input      json.RawMessage
	CallID     string
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ToolDefinition describes a tool without binding a handler.
type ToolDefinition struct {
	ToolName        string
	ToolDescription string
	InputSchema     map[string]interface{}

	// Available reports whether the tool can run in this process.
	// Nil means always available.
	Available func() bool
}

// Name returns the tool name.
func (d ToolDefinition) Name() string { return d.ToolName }

// ToolFunc executes a tool call.
type ToolFunc func(ctx context.Context, params *ToolParams) (*ToolResult, error)

type funcTool struct {
	def ToolDefinition
	fn  ToolFunc
}

// NewTool binds a handler to a definition.
func NewTool(def ToolDefinition, fn ToolFunc) Tool {
	return &funcTool{def: def, fn: fn}
}

func (t *funcTool) Name() string                   { return t.def.ToolName }
func (t *funcTool) Description() string            { return t.def.ToolDescription }
func (t *funcTool) Schema() map[string]interface{} { return t.def.InputSchema }

func (t *funcTool) Execute(ctx context.Context, params *ToolParams) (*ToolResult, error) {
	return t.fn(ctx, params)
}

func (t *funcTool) Available() bool {
	if t.def.Available == nil {
		return true
	}
	return t.def.Available()
}

// Definition returns the definition of any tool.
func Definition(t Tool) ToolDefinition {
	return ToolDefinition{
		ToolName:        t.Name(),
		ToolDescription: t.Description(),
		InputSchema:     t.Schema(),
	}
}

// Success wraps data in a successful result.
func Success(data interface{}) *ToolResult {
	return &ToolResult{Success: true, Data: data}
}

// Failure builds a failed result.
func Failure(msg string) *ToolResult {
	return &ToolResult{Success: false, Error: msg}
}
