package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Tokenizer is a lowercase BERT WordPiece tokenizer driven by the vocab
// of a Hugging Face tokenizer.json.
type Tokenizer struct {
	vocab map[string]int
	cls   int
	sep   int
	unk   int
}

// LoadTokenizer reads the WordPiece vocab from a tokenizer.json file.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}

	var file struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has an empty vocab", path)
	}
	return NewTokenizer(file.Model.Vocab), nil
}

// NewTokenizer builds a tokenizer from a vocab map.
func NewTokenizer(vocab map[string]int) *Tokenizer {
	lookup := func(tok string, fallback int) int {
		if id, ok := vocab[tok]; ok {
			return id
		}
		return fallback
	}
	return &Tokenizer{
		vocab: vocab,
		cls:   lookup("[CLS]", 101),
		sep:   lookup("[SEP]", 102),
		unk:   lookup("[UNK]", 100),
	}
}

// Encode returns [CLS] tokens [SEP], truncated to maxLen ids.
func (t *Tokenizer) Encode(text string, maxLen int) []int64 {
	ids := []int64{int64(t.cls)}
	for _, id := range t.Tokenize(text) {
		if maxLen > 0 && len(ids) >= maxLen-1 {
			break
		}
		ids = append(ids, id)
	}
	return append(ids, int64(t.sep))
}

// Tokenize converts text to WordPiece ids without special tokens.
func (t *Tokenizer) Tokenize(text string) []int64 {
	var ids []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		if id, ok := t.vocab[word]; ok {
			ids = append(ids, int64(id))
			continue
		}
		ids = append(ids, t.wordPiece(word)...)
	}
	return ids
}

// wordPiece splits a word greedily into the longest known subwords. A word
// with any unknown piece maps to a single [UNK].
func (t *Tokenizer) wordPiece(word string) []int64 {
	runes := []rune(word)
	var ids []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		matched := -1
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				matched = id
				break
			}
			end--
		}
		if matched < 0 {
			return []int64{int64(t.unk)}
		}
		ids = append(ids, int64(matched))
		start = end
	}
	return ids
}

// splitWords splits on whitespace and isolates punctuation, as BERT's basic
// tokenizer does.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}
