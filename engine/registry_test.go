package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zenin797/SunoTherapist/core"
)

func echoTool(name string, available func() bool) core.Tool {
	return core.NewTool(core.ToolDefinition{
		ToolName:        name,
		ToolDescription: "echo",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text":  map[string]interface{}{"type": "string"},
				"limit": map[string]interface{}{"type": "integer"},
			},
			"required": []string{"text"},
		},
		Available: available,
	}, func(ctx context.Context, p *core.ToolParams) (*core.ToolResult, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(p.Input, &in); err != nil {
			return nil, err
		}
		return core.Success(in.Text + " from " + p.RunContext.UserID), nil
	})
}

func TestRegistryAvailability(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(echoTool("always", nil)))
	require.NoError(t, reg.Register(echoTool("never", func() bool { return false })))

	reg.Seal()
	assert.Equal(t, []string{"always"}, reg.Names())
	require.Len(t, reg.Definitions(), 1)
	assert.Equal(t, "always", reg.Definitions()[0].ToolName)

	_, ok := reg.Get("never")
	assert.False(t, ok)

	msg, exec := reg.Dispatch(context.Background(), core.RunContext{UserID: "u"}, core.ToolCall{ID: "1", Name: "never", Arguments: json.RawMessage(`{"text":"x"}`)})
	assert.True(t, msg.IsError)
	assert.NotEmpty(t, exec.Error)
}

func TestRegistryAvailabilityCheckedOnce(t *testing.T) {
	calls := 0
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(echoTool("counted", func() bool { calls++; return true })))
	reg.Seal()
	reg.Seal()
	reg.Definitions()
	reg.Get("counted")
	assert.Equal(t, 1, calls)
}

func TestRegistryRejectsDuplicatesAndLateRegistration(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(echoTool("a", nil)))
	assert.Error(t, reg.Register(echoTool("a", nil)))

	reg.Seal()
	assert.Error(t, reg.Register(echoTool("b", nil)))
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	reg := NewToolRegistry()
	bad := core.NewTool(core.ToolDefinition{
		ToolName:    "bad",
		InputSchema: map[string]interface{}{"type": 42},
	}, nil)
	assert.Error(t, reg.Register(bad))
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(echoTool("echo", nil)))
	reg.Seal()
	rc := core.RunContext{UserID: "alice"}

	tests := []struct {
		name    string
		args    string
		isError bool
		content string
	}{
		{name: "valid", args: `{"text":"hi"}`, content: "hi from alice"},
		{name: "missing required", args: `{}`, isError: true},
		{name: "wrong type", args: `{"text":"hi","limit":"three"}`, isError: true},
		{name: "malformed json", args: `{"text":`, isError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := core.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(tt.args)}
			msg, exec := reg.Dispatch(context.Background(), rc, call)
			assert.Equal(t, core.RoleTool, msg.Role)
			assert.Equal(t, "c1", msg.ToolCallID)
			assert.Equal(t, "echo", msg.Name)
			assert.Equal(t, tt.isError, msg.IsError)
			if tt.content != "" {
				assert.Equal(t, tt.content, msg.Content)
				assert.Equal(t, tt.content, exec.Result)
			}
		})
	}
}

func TestMemoryCheckpointerStoresCopies(t *testing.T) {
	cp := NewMemoryCheckpointer()
	ctx := context.Background()

	got, err := cp.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	st := &core.State{Messages: []core.Message{core.UserMessage("hi")}, Step: core.StepAgent}
	require.NoError(t, cp.Put(ctx, "k", st))
	st.Messages = append(st.Messages, core.AssistantMessage("mutated"))

	got, err = cp.Get(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)
	assert.Equal(t, core.StepAgent, got.Step)

	require.NoError(t, cp.Delete(ctx, "k"))
	got, err = cp.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}
