package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Zenin797/SunoTherapist/core"
)

// DefaultAnthropicModel is used when no model name is configured.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic is a core.Model backed by the Claude Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates a Claude model client.
func NewAnthropic(cfg *Config) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(cfg.maxTokens()),
	}
}

// Name returns the configured model name.
func (a *Anthropic) Name() string { return a.model }

// Generate implements core.Model.
func (a *Anthropic) Generate(ctx context.Context, req *core.ModelRequest) (*core.ModelResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude API error: %w", err)
	}

	msg := core.Message{Role: core.RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, core.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	return &core.ModelResponse{
		Message: msg,
		Usage: core.TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// toAnthropicMessages converts the transcript. Claude expects tool results
// as blocks of a user message, so consecutive tool messages are grouped.
func toAnthropicMessages(messages []core.Message) []anthropic.MessageParam {
	var (
		out     []anthropic.MessageParam
		results []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case core.RoleTool:
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))

		case core.RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				var input interface{}
				if err := json.Unmarshal(call.Arguments, &input); err != nil || input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		default:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	flush()
	return out
}

func toAnthropicTools(defs []core.ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := anthropic.ToolInputSchemaParam{
			Properties: def.InputSchema["properties"],
		}
		if req, ok := def.InputSchema["required"].([]string); ok {
			schema.Required = req
		}
		tool := anthropic.ToolParam{
			Name:        def.ToolName,
			Description: anthropic.String(def.ToolDescription),
			InputSchema: schema,
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools
}
