//go:build !onnx

package onnx

import (
	"context"
	"errors"
)

// ErrDisabled is returned when the binary was built without the onnx tag.
var ErrDisabled = errors.New("onnx: embedder not compiled in (build with -tags onnx)")

// Config mirrors the onnx build's configuration.
type Config struct {
	ModelPath         string
	TokenizerPath     string
	LibraryPath       string
	Dimensions        int
	MaxSequenceLength int
}

// Embedder is unavailable in this build.
type Embedder struct{}

// New always fails with ErrDisabled.
func New(cfg Config) (*Embedder, error) {
	return nil, ErrDisabled
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrDisabled
}

func (e *Embedder) Dimensions() int { return 0 }

func (e *Embedder) Close() error { return nil }
