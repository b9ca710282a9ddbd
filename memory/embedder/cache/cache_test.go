package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	calls int
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (c *countingEmbedder) Dimensions() int { return 2 }

func TestEmbedder_CachesVectors(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}
	e, err := New(inner, 100)
	require.NoError(t, err)
	defer e.Close()

	first, err := e.Embed(ctx, "tea")
	require.NoError(t, err)
	e.Wait()

	second, err := e.Embed(ctx, "tea")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 2, e.Dimensions())

	// Callers may mutate what they get back.
	second[0] = 99
	third, _ := e.Embed(ctx, "tea")
	assert.Equal(t, float32(3), third[0])
}

func TestEmbedder_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{err: errors.New("boom")}
	e, err := New(inner, 10)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Embed(ctx, "tea")
	require.Error(t, err)
	_, err = e.Embed(ctx, "tea")
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}
