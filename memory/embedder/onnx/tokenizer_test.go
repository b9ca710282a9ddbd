package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVocab() map[string]int {
	return map[string]int{
		"[PAD]": 0, "[UNK]": 100, "[CLS]": 101, "[SEP]": 102,
		"i": 1045, "like": 2066, "tea": 5572, "!": 999,
		"play": 2377, "##ing": 2075,
	}
}

func TestTokenizer_Tokenize(t *testing.T) {
	tok := NewTokenizer(testVocab())

	assert.Equal(t, []int64{1045, 2066, 5572, 999}, tok.Tokenize("I like TEA!"))
	assert.Equal(t, []int64{2377, 2075}, tok.Tokenize("playing"))
	assert.Equal(t, []int64{100}, tok.Tokenize("xyz"))
}

func TestTokenizer_EncodeTruncates(t *testing.T) {
	tok := NewTokenizer(testVocab())

	ids := tok.Encode("i like tea i like tea", 5)
	require.Len(t, ids, 5)
	assert.Equal(t, int64(101), ids[0])
	assert.Equal(t, int64(102), ids[4])
}

func TestLoadTokenizer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model":{"vocab":{"[CLS]":7,"[SEP]":8,"[UNK]":9,"tea":3}}}`), 0o644))

	tok, err := LoadTokenizer(path)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 3, 8}, tok.Encode("tea", 0))
	assert.Equal(t, []int64{9}, tok.Tokenize("coffee"))

	_, err = LoadTokenizer(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
