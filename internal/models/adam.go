package models

import (
	"fmt"
	"math"
	"slices"

	"github.com/zswitten/trlx/internal/layers"
	"github.com/zswitten/trlx/internal/mathx"
	"github.com/zswitten/trlx/pkg/errors"
)

// Optimizer updates parameters from their accumulated gradients
type Optimizer interface {
	Step() error
	ZeroGrad()
}

// Checkpointer is implemented by optimizers that can roll back their
// internal state. The returned func restores the state at the time of the
// call.
type Checkpointer interface {
	Checkpoint() (restore func())
}

// AdamConfig holds Adam hyperparameters
type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamConfig returns the usual Adam moments for the given learning rate
func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// adamState holds the first and second moment estimates for one parameter
type adamState struct {
	m, v []float32
}

// Adam is the Adam optimizer with decoupled weight decay (off by default)
type Adam struct {
	cfg    AdamConfig
	params []*layers.Param
	states []adamState
	step   int
}

// NewAdam creates an optimizer over params with zeroed moments
func NewAdam(params []*layers.Param, cfg AdamConfig) *Adam {
	states := make([]adamState, len(params))
	for i, p := range params {
		n := p.Value.Len()
		states[i] = adamState{m: make([]float32, n), v: make([]float32, n)}
	}
	return &Adam{cfg: cfg, params: params, states: states}
}

// Step applies one update:
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g^2
//	p -= lr * (m_hat / (sqrt(v_hat) + eps) + wd*p)
//
// Non-finite gradients abort the step before any parameter changes.
func (a *Adam) Step() error {
	for _, p := range a.params {
		if !mathx.AllFinite(p.Grad.Float32s()) {
			return errors.Newf(errors.ErrNonFinite, "gradient of %s is not finite", p.Name)
		}
	}

	a.step++
	bc1 := 1 - math.Pow(a.cfg.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.cfg.Beta2, float64(a.step))
	b1, b2 := float32(a.cfg.Beta1), float32(a.cfg.Beta2)

	for i, p := range a.params {
		st := a.states[i]
		w := p.Value.Float32s()
		for j, g := range p.Grad.Float32s() {
			st.m[j] = b1*st.m[j] + (1-b1)*g
			st.v[j] = b2*st.v[j] + (1-b2)*g*g
			mHat := float64(st.m[j]) / bc1
			vHat := float64(st.v[j]) / bc2
			update := mHat/(math.Sqrt(vHat)+a.cfg.Eps) + a.cfg.WeightDecay*float64(w[j])
			w[j] -= float32(a.cfg.LR * update)
		}
	}
	return nil
}

// ZeroGrad clears every parameter gradient
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Steps returns the number of updates applied so far
func (a *Adam) Steps() int { return a.step }

// Checkpoint saves the moments and the step counter. Parameter values are
// not included; see SnapshotParameters.
func (a *Adam) Checkpoint() func() {
	step := a.step
	saved := make([]adamState, len(a.states))
	for i, st := range a.states {
		saved[i] = adamState{m: slices.Clone(st.m), v: slices.Clone(st.v)}
	}
	return func() {
		a.step = step
		for i, st := range saved {
			copy(a.states[i].m, st.m)
			copy(a.states[i].v, st.v)
		}
	}
}

// SnapshotParameters copies the values of params. The returned func writes
// them back.
func SnapshotParameters(params []*layers.Param) func() {
	saved := make([][]float32, len(params))
	for i, p := range params {
		saved[i] = slices.Clone(p.Value.Float32s())
	}
	return func() {
		for i, p := range params {
			copy(p.Value.Float32s(), saved[i])
		}
	}
}

// TrainableParameters drops the parameters of every transformer block but
// the last trainableLayers of numLayers. Embeddings, the final norm and both
// heads always stay trainable. trainableLayers <= 0 keeps everything.
func TrainableParameters(params []*layers.Param, numLayers, trainableLayers int) []*layers.Param {
	if trainableLayers <= 0 || trainableLayers >= numLayers {
		return params
	}
	frozen := numLayers - trainableLayers
	out := make([]*layers.Param, 0, len(params))
	for _, p := range params {
		var idx int
		if n, _ := fmt.Sscanf(p.Name, "model.layers.%d.", &idx); n == 1 && idx < frozen {
			continue
		}
		out = append(out, p)
	}
	return out
}
