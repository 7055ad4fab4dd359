package layers

import (
	"fmt"
	"math"

	"github.com/zswitten/trlx/internal/tensor"
)

// SiluAndMul splits the input in two halves [a | b] and returns silu(a)*b
type SiluAndMul struct{}

// NewSiluAndMul creates a new SiluAndMul activation
func NewSiluAndMul() *SiluAndMul {
	return &SiluAndMul{}
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func (s *SiluAndMul) dims(input *tensor.Tensor) (batchSize, halfSize int, err error) {
	batchSize, hiddenSize, err := rows2D(input, "activation input")
	if err != nil {
		return 0, 0, err
	}
	if hiddenSize%2 != 0 {
		return 0, 0, fmt.Errorf("hidden size must be even, got %d", hiddenSize)
	}
	return batchSize, hiddenSize / 2, nil
}

// Forward performs forward pass
func (s *SiluAndMul) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize, halfSize, err := s.dims(input)
	if err != nil {
		return nil, err
	}
	output, err := tensor.Zeros(tensor.CPU, batchSize, halfSize)
	if err != nil {
		return nil, err
	}

	inputData := input.Float32s()
	outputData := output.Float32s()
	for i := 0; i < batchSize; i++ {
		in := inputData[i*2*halfSize : (i+1)*2*halfSize]
		out := outputData[i*halfSize : (i+1)*halfSize]
		for j := 0; j < halfSize; j++ {
			x, y := in[j], in[j+halfSize]
			out[j] = x * sigmoid(x) * y
		}
	}
	return output, nil
}

// Backward returns d[a | b] given d(silu(a)*b).
// silu'(a) = sigmoid(a) * (1 + a*(1-sigmoid(a))).
func (s *SiluAndMul) Backward(input, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize, halfSize, err := s.dims(input)
	if err != nil {
		return nil, err
	}
	gr, gc, err := rows2D(gradOutput, "activation grad")
	if err != nil {
		return nil, err
	}
	if gr != batchSize || gc != halfSize {
		return nil, fmt.Errorf("activation grad shape %v does not match input %v", gradOutput.Shape(), input.Shape())
	}

	gradInput, err := tensor.Zeros(tensor.CPU, batchSize, 2*halfSize)
	if err != nil {
		return nil, err
	}
	x := input.Float32s()
	dy := gradOutput.Float32s()
	dx := gradInput.Float32s()
	for i := 0; i < batchSize; i++ {
		in := x[i*2*halfSize : (i+1)*2*halfSize]
		din := dx[i*2*halfSize : (i+1)*2*halfSize]
		g := dy[i*halfSize : (i+1)*halfSize]
		for j := 0; j < halfSize; j++ {
			a, b := in[j], in[j+halfSize]
			sig := sigmoid(a)
			din[j] = g[j] * b * sig * (1 + a*(1-sig))
			din[j+halfSize] = g[j] * a * sig
		}
	}
	return gradInput, nil
}
