package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedder_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var req struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-embed", req.Model)
		assert.Equal(t, 3, req.Dimensions)

		// Out of order on purpose.
		data := []map[string]interface{}{}
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]interface{}{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), 0, 1},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
			"model":  req.Model,
		})
	}))
	defer srv.Close()

	e, err := New(Config{APIKey: "k", BaseURL: srv.URL, Model: "test-embed", Dimensions: 3})
	require.NoError(t, err)

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 0, 1}, {1, 0, 1}}, vectors)

	single, err := e.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1}, single)
}

func TestNew_RequiresDimensions(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
