package app

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zenin797/SunoTherapist/config"
	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/engine"
	"github.com/Zenin797/SunoTherapist/memory"
)

type scriptedModel struct {
	mu      sync.Mutex
	replies []core.Message
}

func (s *scriptedModel) Generate(ctx context.Context, req *core.ModelRequest) (*core.ModelResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return nil, errors.New("script exhausted")
	}
	msg := s.replies[0]
	s.replies = s.replies[1:]
	return &core.ModelResponse{Message: msg}, nil
}

func (s *scriptedModel) Name() string { return "scripted" }

func testConfig(dir string) *config.Config {
	path := filepath.Join(dir, "memory.db")
	return &config.Config{
		Model:      config.ModelConfig{Provider: "anthropic"},
		Embedding:  config.EmbeddingConfig{Provider: "mock", Dimensions: 32, CacheSize: 100},
		Store:      config.StoreConfig{Driver: "sqlite", Path: path, Index: "chromem", IndexTimeout: time.Second, BruteForceLimit: 100, Retries: 2},
		Checkpoint: config.CheckpointConfig{Driver: "sqlite", Path: path},
		Memory:     config.MemoryConfig{Scope: memory.DefaultScope, RecallLimit: 3, RecallScope: "user", MaxRecallChars: 2000},
		Agent:      config.AgentConfig{MaxToolRounds: 5},
		Log:        config.LogConfig{Level: "info", Format: "text"},
	}
}

func saveCall(object string) core.Message {
	args, _ := json.Marshal(map[string]string{"subject": "user", "predicate": "likes", "object": object})
	return core.Message{
		Role:      core.RoleAssistant,
		ToolCalls: []core.ToolCall{{ID: "call_1", Name: "save_recall_memory", Arguments: args}},
	}
}

func TestNewRunsATurnAndPersists(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	rc := core.RunContext{UserID: "alice", ThreadID: "t1"}

	var steps []core.Step
	model := &scriptedModel{replies: []core.Message{saveCall("tea"), core.AssistantMessage("Noted.")}}
	a, err := New(ctx, cfg, WithModel(model), WithObserver(func(rc core.RunContext, step core.Step, added []core.Message) {
		steps = append(steps, step)
	}))
	require.NoError(t, err)
	assert.Equal(t, "anthropic/scripted", a.ModelName)
	assert.Contains(t, a.Engine.Registry().Names(), "get_memory_usage")
	assert.NotContains(t, a.Engine.Registry().Names(), "web_search", "external tools are off by default")

	out, err := a.Engine.Run(ctx, &engine.Input{RunContext: rc, UserMessage: "I like tea"})
	require.NoError(t, err)
	assert.Equal(t, "Noted.", out.Text)
	assert.NotEmpty(t, steps)
	require.NoError(t, a.Close())

	// Memories and the conversation survive a restart.
	reopened, err := New(ctx, cfg, WithModel(&scriptedModel{}))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Manager.Recall(ctx, core.RunContext{UserID: "alice", ThreadID: "t2"}, "what does the user like")
	require.NoError(t, err)
	assert.Contains(t, got, "user likes tea")

	history, err := reopened.Engine.History(ctx, rc)
	require.NoError(t, err)
	assert.Len(t, history, 4)

	threads, err := reopened.Engine.Threads(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, threads)
}

func TestMemoryOnly(t *testing.T) {
	a, err := New(context.Background(), testConfig(t.TempDir()), MemoryOnly())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Manager)
	assert.Nil(t, a.Engine)
}

func TestNewVariants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "scan index", mutate: func(c *config.Config) { c.Store.Index = "scan" }},
		{name: "memory checkpointer", mutate: func(c *config.Config) { c.Checkpoint.Driver = "memory" }},
		{name: "separate checkpoint file", mutate: func(c *config.Config) {
			c.Checkpoint.Path = filepath.Join(filepath.Dir(c.Store.Path), "checkpoints.db")
		}},
		{name: "no cache no retries", mutate: func(c *config.Config) {
			c.Embedding.CacheSize = 0
			c.Store.Retries = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			tt.mutate(cfg)
			model := &scriptedModel{replies: []core.Message{core.AssistantMessage("hi")}}

			a, err := New(context.Background(), cfg, WithModel(model))
			require.NoError(t, err)
			defer a.Close()

			out, err := a.Engine.Run(context.Background(), &engine.Input{
				RunContext:  core.RunContext{UserID: "bob"},
				UserMessage: "hello",
			})
			require.NoError(t, err)
			assert.Equal(t, "hi", out.Text)
		})
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "unknown embedder", mutate: func(c *config.Config) { c.Embedding.Provider = "bert" }},
		{name: "unknown store", mutate: func(c *config.Config) { c.Store.Driver = "mongo" }},
		{name: "unknown index", mutate: func(c *config.Config) { c.Store.Index = "faiss" }},
		{name: "unknown checkpointer", mutate: func(c *config.Config) { c.Checkpoint.Driver = "etcd" }},
		{name: "unknown provider", mutate: func(c *config.Config) { c.Model.Provider = "cohere" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			tt.mutate(cfg)
			a, err := New(context.Background(), cfg)
			assert.Error(t, err)
			assert.Nil(t, a)
		})
	}
}

func TestIDs(t *testing.T) {
	assert.Len(t, NewUserID(), 8)
	assert.NotEqual(t, NewUserID(), NewUserID())

	thread := NewThreadID()
	assert.Len(t, thread, 12)
	assert.NotContains(t, thread, ":")
}
