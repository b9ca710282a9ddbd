package chromem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/memory"
)

func ns(user string, kind memory.Kind) memory.Namespace {
	return memory.Namespace{Scope: memory.DefaultScope, UserID: user, Kind: kind}
}

func rec(id, user string, kind memory.Kind, vec []float32, thread string) *memory.Record {
	now := time.Now().UTC()
	return &memory.Record{
		ID:        id,
		Namespace: ns(user, kind),
		Content:   "content " + id,
		Embedding: vec,
		Metadata:  map[string]string{memory.MetaUserID: user, memory.MetaThreadID: thread},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func ids(hits []memory.ScoredRecord) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Record.ID
	}
	return out
}

func TestIndex_QueryOrdersBySimilarity(t *testing.T) {
	ctx := context.Background()
	idx := New()

	require.NoError(t, idx.Upsert(ctx, rec("far", "u1", memory.KindSemantic, []float32{0, 1}, "t1")))
	require.NoError(t, idx.Upsert(ctx, rec("near", "u1", memory.KindSemantic, []float32{1, 0.1}, "t1")))
	require.NoError(t, idx.Upsert(ctx, rec("mid", "u1", memory.KindSemantic, []float32{1, 1}, "t1")))

	hits, err := idx.Query(ctx, memory.Query{Namespace: ns("u1", memory.KindSemantic), Vector: []float32{1, 0}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "mid", "far"}, ids(hits))
	assert.Equal(t, "t1", hits[0].Record.Metadata[memory.MetaThreadID])
	assert.Equal(t, memory.KindSemantic, hits[0].Record.Namespace.Kind)
	_, reserved := hits[0].Record.Metadata[keyUpdatedAt]
	assert.False(t, reserved)
}

func TestIndex_EmptyAndUnknownNamespaces(t *testing.T) {
	ctx := context.Background()
	idx := New()

	hits, err := idx.Query(ctx, memory.Query{Namespace: ns("nobody", memory.KindGeneral), Vector: []float32{1, 0}, Limit: 3})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.NoError(t, idx.Delete(ctx, ns("nobody", memory.KindSemantic), "x"))
}

func TestIndex_GeneralFansOutOverKinds(t *testing.T) {
	ctx := context.Background()
	idx := New()

	require.NoError(t, idx.Upsert(ctx, rec("sem", "u1", memory.KindSemantic, []float32{1, 0}, "t1")))
	require.NoError(t, idx.Upsert(ctx, rec("epi", "u1", memory.KindEpisodic, []float32{0.9, 0.1}, "t1")))
	require.NoError(t, idx.Upsert(ctx, rec("gen", "u1", memory.KindGeneral, []float32{0, 1}, "t1")))
	require.NoError(t, idx.Upsert(ctx, rec("other", "u2", memory.KindSemantic, []float32{1, 0}, "t1")))

	hits, err := idx.Query(ctx, memory.Query{Namespace: ns("u1", memory.KindGeneral), Vector: []float32{1, 0}, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"sem", "epi"}, ids(hits))
	assert.Equal(t, 3, idx.Len(ns("u1", memory.KindGeneral)))
}

// The nearest documents all belong to another thread. A fetch of exactly
// Limit candidates followed by filtering would come back short.
func TestIndex_FilterOverFetches(t *testing.T) {
	ctx := context.Background()
	idx := New()

	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		require.NoError(t, idx.Upsert(ctx, rec("x"+id, "u1", memory.KindGeneral, []float32{1, float32(i) / 100}, "noise")))
	}
	require.NoError(t, idx.Upsert(ctx, rec("keep1", "u1", memory.KindGeneral, []float32{0.1, 1}, "mine")))
	require.NoError(t, idx.Upsert(ctx, rec("keep2", "u1", memory.KindGeneral, []float32{0, 1}, "mine")))

	filter := memory.ThreadFilter(core.RunContext{UserID: "u1", ThreadID: "mine"})
	hits, err := idx.Query(ctx, memory.Query{Namespace: ns("u1", memory.KindGeneral), Vector: []float32{1, 0}, Limit: 2, Filter: filter})
	require.NoError(t, err)
	assert.Equal(t, []string{"keep1", "keep2"}, ids(hits))
}

func TestIndex_UpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	idx := New()
	n := ns("u1", memory.KindSemantic)

	r := rec("a", "u1", memory.KindSemantic, []float32{1, 0}, "t1")
	require.NoError(t, idx.Upsert(ctx, r))

	stale := *r
	stale.Content = "stale"
	stale.UpdatedAt = r.UpdatedAt.Add(-time.Minute)
	require.NoError(t, idx.Upsert(ctx, &stale))

	hits, err := idx.Query(ctx, memory.Query{Namespace: n, Vector: []float32{1, 0}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, r.Content, hits[0].Record.Content)

	require.NoError(t, idx.Delete(ctx, n, "a"))
	hits, err = idx.Query(ctx, memory.Query{Namespace: n, Vector: []float32{1, 0}, Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_QueryTimeout(t *testing.T) {
	idx := New(WithQueryTimeout(time.Nanosecond))
	require.NoError(t, idx.Upsert(context.Background(), rec("a", "u1", memory.KindSemantic, []float32{1, 0}, "t1")))

	time.Sleep(time.Millisecond)
	_, err := idx.Query(context.Background(), memory.Query{Namespace: ns("u1", memory.KindSemantic), Vector: []float32{1, 0}, Limit: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrIndexTimeout))
}

func TestIndex_WritesToOtherNamespacesDoNotWait(t *testing.T) {
	ctx := context.Background()
	idx := New()
	require.NoError(t, idx.Upsert(ctx, rec("a1", "alice", memory.KindSemantic, []float32{1, 0}, "t1")))

	// Hold alice's write lock as if a write were in flight.
	col, err := idx.collection(ns("alice", memory.KindSemantic), false)
	require.NoError(t, err)
	col.writeMu.Lock()
	defer col.writeMu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- idx.Upsert(ctx, rec("b1", "bob", memory.KindSemantic, []float32{0, 1}, "t1"))
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write to bob's namespace waited on alice's")
	}
	assert.Equal(t, 1, idx.Len(ns("bob", memory.KindSemantic)))
}
