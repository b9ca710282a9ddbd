package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/Zenin797/SunoTherapist/core"
)

// Default endpoints for OpenAI-compatible providers.
const (
	GroqBaseURL   = "https://api.groq.com/openai/v1"
	OllamaBaseURL = "http://localhost:11434/v1"

	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultGroqModel   = "llama-3.3-70b-versatile"
	DefaultOllamaModel = "llama3.1"
)

// OpenAI is a core.Model for any OpenAI-compatible chat completions API:
// OpenAI itself, Groq and Ollama.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAI creates a chat completions client.
func NewOpenAI(cfg *Config) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     model,
		maxTokens: cfg.maxTokens(),
	}
}

// Name returns the configured model name.
func (o *OpenAI) Name() string { return o.model }

// Generate implements core.Model.
func (o *OpenAI) Generate(ctx context.Context, req *core.ModelRequest) (*core.ModelResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, toOpenAIMessages(req.Messages)...)

	chatReq := openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  messages,
		MaxTokens: o.maxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	choice := resp.Choices[0].Message
	msg := core.Message{Role: core.RoleAssistant, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return &core.ModelResponse{
		Message: msg,
		Usage: core.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func toOpenAIMessages(messages []core.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case core.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				Name:       m.Name,
				ToolCallID: m.ToolCallID,
			})
		case core.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, call := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, msg)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		}
	}
	return out
}

func toOpenAITools(defs []core.ToolDefinition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.ToolName,
				Description: def.ToolDescription,
				Parameters:  def.InputSchema,
			},
		})
	}
	return tools
}
