package layers

import (
	"fmt"
	"math/rand"

	"github.com/zswitten/trlx/internal/mathx"
	"github.com/zswitten/trlx/internal/tensor"
)

// Linear represents a linear layer y = x W^T + b
type Linear struct {
	weight *Param // [outputSize, inputSize]
	bias   *Param // [outputSize], nil without bias

	inputSize, outputSize int
}

// NewLinear creates a new linear layer
func NewLinear(name string, inputSize, outputSize int, hasBias bool) (*Linear, error) {
	weight, err := newParam(name+".weight", outputSize, inputSize)
	if err != nil {
		return nil, err
	}

	var bias *Param
	if hasBias {
		bias, err = newParam(name+".bias", outputSize)
		if err != nil {
			return nil, err
		}
	}

	return &Linear{
		weight:     weight,
		bias:       bias,
		inputSize:  inputSize,
		outputSize: outputSize,
	}, nil
}

// Init draws weights from N(0, std^2) and zeroes the bias
func (l *Linear) Init(rng *rand.Rand, std float64) {
	l.weight.initNormal(rng, std)
	if l.bias != nil {
		l.bias.fill(0)
	}
}

// Forward performs forward pass on input [rows, inputSize]
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols, err := rows2D(input, "linear input")
	if err != nil {
		return nil, err
	}
	if cols != l.inputSize {
		return nil, fmt.Errorf("linear input has %d features, want %d", cols, l.inputSize)
	}

	output, err := tensor.Zeros(tensor.CPU, rows, l.outputSize)
	if err != nil {
		return nil, err
	}
	out := output.Float32s()
	mathx.GemmNT(1, input.Float32s(), rows, cols, l.weight.Value.Float32s(), l.outputSize, l.inputSize, 0, out)

	if l.bias != nil {
		b := l.bias.Value.Float32s()
		for r := 0; r < rows; r++ {
			row := out[r*l.outputSize : (r+1)*l.outputSize]
			for j := range row {
				row[j] += b[j]
			}
		}
	}

	return output, nil
}

// Backward accumulates dW += dy^T x and db += sum(dy), and returns dx = dy W
func (l *Linear) Backward(input, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols, err := rows2D(input, "linear input")
	if err != nil {
		return nil, err
	}
	gr, gc, err := rows2D(gradOutput, "linear grad")
	if err != nil {
		return nil, err
	}
	if cols != l.inputSize || gr != rows || gc != l.outputSize {
		return nil, fmt.Errorf("linear backward shapes %v/%v do not match layer %dx%d",
			input.Shape(), gradOutput.Shape(), l.outputSize, l.inputSize)
	}

	dy := gradOutput.Float32s()
	mathx.GemmTN(1, dy, rows, l.outputSize, input.Float32s(), rows, cols, 1, l.weight.Grad.Float32s())

	if l.bias != nil {
		db := l.bias.Grad.Float32s()
		for r := 0; r < rows; r++ {
			for j, g := range dy[r*l.outputSize : (r+1)*l.outputSize] {
				db[j] += g
			}
		}
	}

	gradInput, err := tensor.Zeros(tensor.CPU, rows, cols)
	if err != nil {
		return nil, err
	}
	mathx.GemmNN(1, dy, rows, l.outputSize, l.weight.Value.Float32s(), l.outputSize, l.inputSize, 0, gradInput.Float32s())
	return gradInput, nil
}

// Params returns weight and, if present, bias
func (l *Linear) Params() []*Param {
	if l.bias == nil {
		return []*Param{l.weight}
	}
	return []*Param{l.weight, l.bias}
}

// LoadWeights loads weights from data
func (l *Linear) LoadWeights(weightData, biasData []float32) error {
	if err := l.weight.Load(weightData); err != nil {
		return err
	}
	if l.bias != nil && biasData != nil {
		return l.bias.Load(biasData)
	}
	return nil
}
