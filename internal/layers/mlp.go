package layers

import (
	"fmt"
	"math/rand"

	"github.com/zswitten/trlx/internal/tensor"
)

// MLP represents a gated multi-layer perceptron: down(silu(gate) * up)
type MLP struct {
	gateUpProj *Linear
	downProj   *Linear
	actFn      *SiluAndMul
}

// NewMLP creates a new MLP layer
func NewMLP(name string, hiddenSize, intermediateSize int, hiddenAct string) (*MLP, error) {
	if hiddenAct != "silu" {
		return nil, fmt.Errorf("only silu activation is supported")
	}

	gateUpProj, err := NewLinear(name+".gate_up_proj", hiddenSize, intermediateSize*2, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate_up projection: %w", err)
	}

	downProj, err := NewLinear(name+".down_proj", intermediateSize, hiddenSize, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create down projection: %w", err)
	}

	return &MLP{
		gateUpProj: gateUpProj,
		downProj:   downProj,
		actFn:      NewSiluAndMul(),
	}, nil
}

// Init initializes both projections
func (m *MLP) Init(rng *rand.Rand, std float64) {
	m.gateUpProj.Init(rng, std)
	m.downProj.Init(rng, std)
}

// Forward performs forward pass
func (m *MLP) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	gateUp, err := m.gateUpProj.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("gate_up projection failed: %w", err)
	}

	activated, err := m.actFn.Forward(gateUp)
	if err != nil {
		return nil, fmt.Errorf("activation failed: %w", err)
	}

	output, err := m.downProj.Forward(activated)
	if err != nil {
		return nil, fmt.Errorf("down projection failed: %w", err)
	}

	return output, nil
}

// Backward recomputes the intermediates from input and returns dx
func (m *MLP) Backward(input, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	gateUp, err := m.gateUpProj.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("gate_up projection failed: %w", err)
	}
	activated, err := m.actFn.Forward(gateUp)
	if err != nil {
		return nil, fmt.Errorf("activation failed: %w", err)
	}

	dActivated, err := m.downProj.Backward(activated, gradOutput)
	if err != nil {
		return nil, fmt.Errorf("down projection backward failed: %w", err)
	}
	dGateUp, err := m.actFn.Backward(gateUp, dActivated)
	if err != nil {
		return nil, fmt.Errorf("activation backward failed: %w", err)
	}
	dInput, err := m.gateUpProj.Backward(input, dGateUp)
	if err != nil {
		return nil, fmt.Errorf("gate_up projection backward failed: %w", err)
	}
	return dInput, nil
}

// Params returns the projection weights
func (m *MLP) Params() []*Param {
	return CollectParams(m.gateUpProj, m.downProj)
}

// SetGateUpWeights loads fused gate_up projection weights
func (m *MLP) SetGateUpWeights(w []float32) error { return m.gateUpProj.LoadWeights(w, nil) }

// SetDownWeights loads down projection weights
func (m *MLP) SetDownWeights(w []float32) error { return m.downProj.LoadWeights(w, nil) }
