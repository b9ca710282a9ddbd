package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/engine"
)

type store interface {
	engine.Checkpointer
	engine.ThreadLister
}

// exercise runs the same contract against every implementation.
func exercise(t *testing.T, cp store) {
	ctx := context.Background()
	rc := core.RunContext{UserID: "alice", ThreadID: "t1"}

	got, err := cp.Get(ctx, rc.Key())
	require.NoError(t, err)
	assert.Nil(t, got)

	st := &core.State{
		Messages: []core.Message{
			core.UserMessage("I like tea"),
			{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{{ID: "c1", Name: "save_recall_memory", Arguments: []byte(`{"object":"tea"}`)}}},
		},
		RecallMemories: []string{},
		Step:           core.StepTools,
		ToolRounds:     0,
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, cp.Put(ctx, rc.Key(), st))

	got, err = cp.Get(ctx, rc.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.StepTools, got.Step)
	require.Len(t, got.Messages, 2)
	assert.JSONEq(t, `{"object":"tea"}`, string(got.Messages[1].ToolCalls[0].Arguments))

	st.Step = core.StepDone
	require.NoError(t, cp.Put(ctx, rc.Key(), st))
	got, err = cp.Get(ctx, rc.Key())
	require.NoError(t, err)
	assert.True(t, got.Terminal())

	require.NoError(t, cp.Put(ctx, core.RunContext{UserID: "alice", ThreadID: "t2"}.Key(), st))
	require.NoError(t, cp.Put(ctx, core.RunContext{UserID: "bob"}.Key(), st))
	threads, err := cp.Threads(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, threads)

	require.NoError(t, cp.Delete(ctx, rc.Key()))
	got, err = cp.Get(ctx, rc.Key())
	require.NoError(t, err)
	assert.Nil(t, got)
	threads, err = cp.Threads(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, threads)
}

func TestSQLite(t *testing.T) {
	cp, err := OpenSQLite(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	defer cp.Close()
	exercise(t, cp)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx := context.Background()

	cp, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, cp.Put(ctx, "u:t", &core.State{Step: core.StepAgent}))
	require.NoError(t, cp.Close())

	cp, err = OpenSQLite(path)
	require.NoError(t, err)
	defer cp.Close()
	got, err := cp.Get(ctx, "u:t")
	require.NoError(t, err)
	assert.Equal(t, core.StepAgent, got.Step)
}

func TestMemory(t *testing.T) {
	exercise(t, engine.NewMemoryCheckpointer())
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("LTM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis integration test: LTM_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Skipping Redis integration test: %v", err)
	}
	return client
}

func TestRedis(t *testing.T) {
	prefix := "ltm-test:" + time.Now().Format("150405.000000") + ":"
	cp := NewRedisFromClient(redisClient(t), prefix, time.Minute)
	defer cp.Close()
	exercise(t, cp)
}

func TestRedisExpiredThreadsAreNotListed(t *testing.T) {
	ctx := context.Background()
	client := redisClient(t)
	prefix := "ltm-test:" + time.Now().Format("150405.000000") + ":"
	cp := NewRedisFromClient(client, prefix, time.Minute)
	defer cp.Close()

	st := &core.State{Step: core.StepDone}
	live := core.RunContext{UserID: "alice", ThreadID: "live"}
	gone := core.RunContext{UserID: "alice", ThreadID: "gone"}
	require.NoError(t, cp.Put(ctx, live.Key(), st))
	require.NoError(t, cp.Put(ctx, gone.Key(), st))

	ttl, err := client.TTL(ctx, cp.threadsKey("alice")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// Expire one conversation's state.
	require.NoError(t, client.Del(ctx, cp.stateKey(gone.Key())).Err())

	threads, err := cp.Threads(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, threads)

	members, err := client.SMembers(ctx, cp.threadsKey("alice")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, members)
}
