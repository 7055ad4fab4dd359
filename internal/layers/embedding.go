package layers

import (
	"fmt"
	"math/rand"

	"github.com/zswitten/trlx/internal/tensor"
)

// Embedding represents an embedding layer
type Embedding struct {
	weight *Param // [vocabSize, embeddingDim]

	vocabSize, embeddingDim int
}

// NewEmbedding creates a new embedding layer
func NewEmbedding(name string, vocabSize, embeddingDim int) (*Embedding, error) {
	weight, err := newParam(name+".weight", vocabSize, embeddingDim)
	if err != nil {
		return nil, err
	}
	return &Embedding{weight: weight, vocabSize: vocabSize, embeddingDim: embeddingDim}, nil
}

// Init draws embeddings from N(0, std^2)
func (e *Embedding) Init(rng *rand.Rand, std float64) {
	e.weight.initNormal(rng, std)
}

// Forward gathers one row per token id into [len(ids), embeddingDim]
func (e *Embedding) Forward(ids []int) (*tensor.Tensor, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("embedding input is empty")
	}
	output, err := tensor.Zeros(tensor.CPU, len(ids), e.embeddingDim)
	if err != nil {
		return nil, err
	}

	weightData := e.weight.Value.Float32s()
	out := output.Float32s()
	for i, id := range ids {
		if id < 0 || id >= e.vocabSize {
			return nil, fmt.Errorf("token ID out of range: %d", id)
		}
		copy(out[i*e.embeddingDim:(i+1)*e.embeddingDim], weightData[id*e.embeddingDim:(id+1)*e.embeddingDim])
	}
	return output, nil
}

// Backward scatters gradOutput rows back into the rows of the looked-up ids
func (e *Embedding) Backward(ids []int, gradOutput *tensor.Tensor) error {
	rows, cols, err := rows2D(gradOutput, "embedding grad")
	if err != nil {
		return err
	}
	if rows != len(ids) || cols != e.embeddingDim {
		return fmt.Errorf("embedding grad shape %v does not match %d ids of dim %d", gradOutput.Shape(), len(ids), e.embeddingDim)
	}

	grad := e.weight.Grad.Float32s()
	dy := gradOutput.Float32s()
	for i, id := range ids {
		dst := grad[id*e.embeddingDim : (id+1)*e.embeddingDim]
		for k, g := range dy[i*e.embeddingDim : (i+1)*e.embeddingDim] {
			dst[k] += g
		}
	}
	return nil
}

// Params returns the embedding table
func (e *Embedding) Params() []*Param { return []*Param{e.weight} }

// VocabSize returns the number of rows
func (e *Embedding) VocabSize() int { return e.vocabSize }

// LoadWeights loads weights from data
func (e *Embedding) LoadWeights(weightData []float32) error {
	return e.weight.Load(weightData)
}
