package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ns(user string, kind memory.Kind) memory.Namespace {
	return memory.Namespace{Scope: memory.DefaultScope, UserID: user, Kind: kind}
}

func record(id, user string, kind memory.Kind, content string, at time.Time) *memory.Record {
	return &memory.Record{
		ID:        id,
		Namespace: ns(user, kind),
		Content:   content,
		Embedding: []float32{0.5, -0.25, 1},
		Metadata:  map[string]string{memory.MetaUserID: user, memory.MetaThreadID: "t1"},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.Put(ctx, record("01A", "u1", memory.KindSemantic, "user likes tea", now)))

	got, err := s.Get(ctx, ns("u1", memory.KindSemantic), "01A")
	require.NoError(t, err)
	assert.Equal(t, "user likes tea", got.Content)
	assert.Equal(t, []float32{0.5, -0.25, 1}, got.Embedding)
	assert.Equal(t, "t1", got.Metadata[memory.MetaThreadID])
	assert.True(t, got.UpdatedAt.Equal(now))

	_, err = s.Get(ctx, ns("u2", memory.KindSemantic), "01A")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.Get(ctx, ns("u1", memory.KindEpisodic), "01A")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStore_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t0 := time.Now().UTC()

	require.NoError(t, s.Put(ctx, record("01A", "u1", memory.KindGeneral, "newer", t0.Add(time.Second))))
	// A stale write arriving late must not clobber the newer one.
	require.NoError(t, s.Put(ctx, record("01A", "u1", memory.KindGeneral, "older", t0)))

	got, err := s.Get(ctx, ns("u1", memory.KindGeneral), "01A")
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Content)

	require.NoError(t, s.Put(ctx, record("01A", "u1", memory.KindGeneral, "newest", t0.Add(2*time.Second))))
	got, err = s.Get(ctx, ns("u1", memory.KindGeneral), "01A")
	require.NoError(t, err)
	assert.Equal(t, "newest", got.Content)
}

func TestStore_ListAndCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t0 := time.Now().UTC()

	require.NoError(t, s.Put(ctx, record("01A", "u1", memory.KindSemantic, "a", t0)))
	require.NoError(t, s.Put(ctx, record("01B", "u1", memory.KindEpisodic, "b", t0.Add(time.Second))))
	require.NoError(t, s.Put(ctx, record("01C", "u2", memory.KindSemantic, "c", t0)))

	sem, err := s.List(ctx, ns("u1", memory.KindSemantic))
	require.NoError(t, err)
	require.Len(t, sem, 1)
	assert.Equal(t, "a", sem[0].Content)

	all, err := s.List(ctx, ns("u1", memory.KindGeneral))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].Content, "newest first")

	n, err := s.Count(ctx, ns("u1", memory.KindGeneral))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var ids []string
	require.NoError(t, s.Iterate(ctx, func(r *memory.Record) error {
		ids = append(ids, r.ID)
		return nil
	}))
	assert.Equal(t, []string{"01A", "01B", "01C"}, ids)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, record("01A", "u1", memory.KindProcedural, "a", time.Now())))
	assert.ErrorIs(t, s.Delete(ctx, ns("u2", memory.KindProcedural), "01A"), core.ErrNotFound)
	require.NoError(t, s.Delete(ctx, ns("u1", memory.KindProcedural), "01A"))
	assert.ErrorIs(t, s.Delete(ctx, ns("u1", memory.KindProcedural), "01A"), core.ErrNotFound)
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(context.Background(), record("01A", "u1", memory.KindGeneral, "x", time.Now())))
	n, err := s.Count(context.Background(), ns("u1", memory.KindGeneral))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
