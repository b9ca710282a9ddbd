//go:build onnx

package onnx

import (
	"context"
	"fmt"
	"math"
	"sync"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// LibraryPath is the onnxruntime shared library. Empty uses the
	// platform default search path.
	LibraryPath string

	// Dimensions is the embedding vector size (default: 384 for all-MiniLM-L6-v2).
	Dimensions int

	// MaxSequenceLength bounds the token window (default: 128).
	MaxSequenceLength int
}

// Embedder generates sentence embeddings with ONNX Runtime using mean
// pooling over the last hidden state.
type Embedder struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	tokenizer  *Tokenizer
	dimensions int
	maxLen     int
}

var initOnce struct {
	sync.Once
	err error
}

// New creates a new ONNX embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnx: model path is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxSequenceLength == 0 {
		cfg.MaxSequenceLength = 128
	}

	initOnce.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		initOnce.err = ort.InitializeEnvironment()
	})
	if initOnce.err != nil {
		return nil, fmt.Errorf("onnx: initialize runtime: %w", initOnce.err)
	}

	tokenizer, err := LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}

	log.WithFields(log.Fields{
		"model":      cfg.ModelPath,
		"dimensions": cfg.Dimensions,
	}).Info("[ONNX] Embedder ready")

	return &Embedder{
		session:    session,
		tokenizer:  tokenizer,
		dimensions: cfg.Dimensions,
		maxLen:     cfg.MaxSequenceLength,
	}, nil
}

// Embed converts text to a unit-length embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := e.tokenizer.Encode(text, e.maxLen)
	seqLen := int64(len(ids))
	mask := make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	typeIDs := make([]int64, len(ids))

	shape := ort.NewShape(1, seqLen)
	inputIDs, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("onnx: input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()
	attention, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("onnx: attention_mask tensor: %w", err)
	}
	defer attention.Destroy()
	tokenTypes, err := ort.NewTensor(shape, typeIDs)
	if err != nil {
		return nil, fmt.Errorf("onnx: token_type_ids tensor: %w", err)
	}
	defer tokenTypes.Destroy()

	outputs := []ort.Value{nil}
	e.mu.Lock()
	err = e.session.Run([]ort.Value{inputIDs, attention, tokenTypes}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx: inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: unexpected output tensor type %T", outputs[0])
	}
	return pool(hidden.GetData(), hidden.GetShape(), e.dimensions)
}

// pool reduces [1, seq, hidden] by mean pooling, or passes [1, hidden]
// through, and normalizes the result.
func pool(data []float32, shape ort.Shape, dims int) ([]float32, error) {
	out := make([]float32, dims)
	switch len(shape) {
	case 2:
		if len(data) < dims {
			return nil, fmt.Errorf("onnx: output has %d values, want %d", len(data), dims)
		}
		copy(out, data[:dims])
	case 3:
		seq, hidden := int(shape[1]), int(shape[2])
		if hidden != dims {
			return nil, fmt.Errorf("onnx: hidden size %d, want %d", hidden, dims)
		}
		for i := 0; i < seq; i++ {
			row := data[i*hidden : (i+1)*hidden]
			for j, v := range row {
				out[j] += v
			}
		}
		for j := range out {
			out[j] /= float32(seq)
		}
	default:
		return nil, fmt.Errorf("onnx: unexpected output shape %v", shape)
	}
	return normalize(out), nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close releases ONNX resources.
func (e *Embedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
