// Package layers holds the trainable building blocks of the reference
// value-head model. Every layer works on row-major [rows, features] float32
// tensors; Backward recomputes what it needs from the forward input and
// accumulates parameter gradients into Param.Grad.
package layers

import (
	"fmt"
	"math/rand"

	"github.com/zswitten/trlx/internal/tensor"
)

// Param is a trainable tensor paired with its gradient accumulator
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParam(name string, shape ...int) (*Param, error) {
	value, err := tensor.Zeros(tensor.CPU, shape...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}
	grad, err := tensor.Zeros(tensor.CPU, shape...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s grad: %w", name, err)
	}
	return &Param{Name: name, Value: value, Grad: grad}, nil
}

// Load copies data into the parameter value
func (p *Param) Load(data []float32) error {
	dst := p.Value.Float32s()
	if len(data) != len(dst) {
		return fmt.Errorf("%s: got %d values, want %d", p.Name, len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

// ZeroGrad clears the gradient accumulator
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

func (p *Param) initNormal(rng *rand.Rand, std float64) {
	for i, buf := 0, p.Value.Float32s(); i < len(buf); i++ {
		buf[i] = float32(rng.NormFloat64() * std)
	}
}

func (p *Param) fill(v float32) {
	buf := p.Value.Float32s()
	for i := range buf {
		buf[i] = v
	}
}

// Layer is anything that owns parameters
type Layer interface {
	Params() []*Param
}

// CollectParams flattens the parameters of several layers in order
func CollectParams(layers ...Layer) []*Param {
	var out []*Param
	for _, l := range layers {
		out = append(out, l.Params()...)
	}
	return out
}

func rows2D(t *tensor.Tensor, name string) (rows, cols int, err error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return 0, 0, fmt.Errorf("%s must be 2D tensor, got shape %v", name, shape)
	}
	return shape[0], shape[1], nil
}
