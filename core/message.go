package core

import (
	"encoding/json"
	"time"
)

// Role tags a message in the transcript.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry of the conversation transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls is set on assistant messages that request tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name are set on tool result messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// UserMessage builds a user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds a plain assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolResultMessage builds the result message for a tool call.
func ToolResultMessage(call ToolCall, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
		IsError:    isError,
	}
}

// HasToolCalls reports whether the message requests tool invocations.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Step is the next state-machine step of a conversation.
type Step string

const (
	StepLoadMemories Step = "load_memories"
	StepAgent        Step = "agent"
	StepTools        Step = "tools"
	StepDone         Step = "done"
)

// State is the checkpointed state of one conversation thread.
type State struct {
	Messages       []Message `json:"messages"`
	RecallMemories []string  `json:"recall_memories"`
	Step           Step      `json:"step"`
	ToolRounds     int       `json:"tool_rounds"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Terminal reports whether the last turn finished.
func (s *State) Terminal() bool {
	return s == nil || s.Step == "" || s.Step == StepDone
}

// LastUserMessage returns the text of the most recent user message.
func (s *State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// TokenUsage tracks model token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage record.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}
