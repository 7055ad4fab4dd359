package layers

import (
	"fmt"
	"math"

	"github.com/zswitten/trlx/internal/tensor"
)

// RMSNorm represents RMS normalization layer
type RMSNorm struct {
	weight *Param
	eps    float32

	hiddenSize int
}

// NewRMSNorm creates a new RMSNorm layer with unit weights
func NewRMSNorm(name string, hiddenSize int, eps float32) (*RMSNorm, error) {
	weight, err := newParam(name+".weight", hiddenSize)
	if err != nil {
		return nil, err
	}
	weight.fill(1)
	return &RMSNorm{weight: weight, eps: eps, hiddenSize: hiddenSize}, nil
}

// invRMS returns 1/sqrt(mean(x^2)+eps) for one row
func (r *RMSNorm) invRMS(row []float32) float32 {
	var sumSq float32
	for _, v := range row {
		sumSq += v * v
	}
	return float32(1 / math.Sqrt(float64(sumSq/float32(len(row))+r.eps)))
}

// Forward performs forward pass
func (r *RMSNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize, hiddenSize, err := rows2D(input, "rmsnorm input")
	if err != nil {
		return nil, err
	}
	if hiddenSize != r.hiddenSize {
		return nil, fmt.Errorf("rmsnorm input has %d features, want %d", hiddenSize, r.hiddenSize)
	}

	output, err := tensor.Zeros(tensor.CPU, batchSize, hiddenSize)
	if err != nil {
		return nil, err
	}
	inputData := input.Float32s()
	outputData := output.Float32s()
	weightData := r.weight.Value.Float32s()

	for i := 0; i < batchSize; i++ {
		offset := i * hiddenSize
		inv := r.invRMS(inputData[offset : offset+hiddenSize])
		for j := 0; j < hiddenSize; j++ {
			outputData[offset+j] = inputData[offset+j] * inv * weightData[j]
		}
	}
	return output, nil
}

// Backward accumulates the weight gradient and returns dx.
// With xhat = x*inv: dx = inv * (dxhat - xhat * mean(dxhat*xhat)), dxhat = dy*w.
func (r *RMSNorm) Backward(input, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize, hiddenSize, err := rows2D(input, "rmsnorm input")
	if err != nil {
		return nil, err
	}
	if !sameShape(input, gradOutput) {
		return nil, fmt.Errorf("rmsnorm grad shape %v does not match input %v", gradOutput.Shape(), input.Shape())
	}

	gradInput, err := tensor.Zeros(tensor.CPU, batchSize, hiddenSize)
	if err != nil {
		return nil, err
	}
	x := input.Float32s()
	dy := gradOutput.Float32s()
	dx := gradInput.Float32s()
	w := r.weight.Value.Float32s()
	dw := r.weight.Grad.Float32s()

	for i := 0; i < batchSize; i++ {
		offset := i * hiddenSize
		inv := r.invRMS(x[offset : offset+hiddenSize])
		var dot float32
		for j := 0; j < hiddenSize; j++ {
			xhat := x[offset+j] * inv
			dw[j] += dy[offset+j] * xhat
			dot += dy[offset+j] * w[j] * xhat
		}
		mean := dot / float32(hiddenSize)
		for j := 0; j < hiddenSize; j++ {
			xhat := x[offset+j] * inv
			dx[offset+j] = inv * (dy[offset+j]*w[j] - xhat*mean)
		}
	}
	return gradInput, nil
}

// Params returns the scale
func (r *RMSNorm) Params() []*Param { return []*Param{r.weight} }

// LoadWeights loads weights from data
func (r *RMSNorm) LoadWeights(weightData []float32) error {
	return r.weight.Load(weightData)
}

func sameShape(a, b *tensor.Tensor) bool {
	as, bs := a.Shape(), b.Shape()
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
