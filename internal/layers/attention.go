package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/zswitten/trlx/internal/tensor"
)

// Attention is causal multi-head self-attention with rotary positions over
// one sequence. Heads share key/value heads round robin (h % numKVHeads).
type Attention struct {
	numHeads    int
	headDim     int
	scale       float32
	numKVHeads  int
	qProj       *Linear
	kProj       *Linear
	vProj       *Linear
	oProj       *Linear
	rotaryEmbed *RotaryEmbedding
}

// attnState holds the forward intermediates Backward needs
type attnState struct {
	T          int
	q, k, v    []float32 // rotated q, k; raw v
	probs      [][]float32
	headsOut   *tensor.Tensor
	projOutput *tensor.Tensor
}

// Setters for loading weights from external files
func (a *Attention) SetQWeights(w []float32) error { return a.qProj.LoadWeights(w, nil) }
func (a *Attention) SetKWeights(w []float32) error { return a.kProj.LoadWeights(w, nil) }
func (a *Attention) SetVWeights(w []float32) error { return a.vProj.LoadWeights(w, nil) }
func (a *Attention) SetOWeights(w []float32) error { return a.oProj.LoadWeights(w, nil) }

// NewAttention creates a new attention layer
func NewAttention(name string, hiddenSize, numHeads, numKVHeads, headDim, maxPosition int) (*Attention, error) {
	if numHeads <= 0 || numKVHeads <= 0 || numHeads%numKVHeads != 0 {
		return nil, fmt.Errorf("num heads (%d) must be a positive multiple of kv heads (%d)", numHeads, numKVHeads)
	}
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	qProj, err := NewLinear(name+".q_proj", hiddenSize, numHeads*headDim, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create q projection: %w", err)
	}

	kProj, err := NewLinear(name+".k_proj", hiddenSize, numKVHeads*headDim, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create k projection: %w", err)
	}

	vProj, err := NewLinear(name+".v_proj", hiddenSize, numKVHeads*headDim, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create v projection: %w", err)
	}

	oProj, err := NewLinear(name+".o_proj", numHeads*headDim, hiddenSize, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create o projection: %w", err)
	}

	rotaryEmbed, err := NewRotaryEmbedding(headDim, headDim, maxPosition, 10000.0)
	if err != nil {
		return nil, fmt.Errorf("failed to create rotary embedding: %w", err)
	}

	return &Attention{
		numHeads:    numHeads,
		headDim:     headDim,
		scale:       scale,
		numKVHeads:  numKVHeads,
		qProj:       qProj,
		kProj:       kProj,
		vProj:       vProj,
		oProj:       oProj,
		rotaryEmbed: rotaryEmbed,
	}, nil
}

// Init initializes the four projections
func (a *Attention) Init(rng *rand.Rand, std float64) {
	a.qProj.Init(rng, std)
	a.kProj.Init(rng, std)
	a.vProj.Init(rng, std)
	a.oProj.Init(rng, std)
}

// Forward performs the forward pass. input: [T, hidden], row t at position t.
func (a *Attention) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	st, err := a.forward(input)
	if err != nil {
		return nil, err
	}
	return st.projOutput, nil
}

func (a *Attention) forward(input *tensor.Tensor) (*attnState, error) {
	T, _, err := rows2D(input, "attention input")
	if err != nil {
		return nil, err
	}

	// Projections
	q, err := a.qProj.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("q projection failed: %w", err)
	}
	k, err := a.kProj.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("k projection failed: %w", err)
	}
	v, err := a.vProj.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("v projection failed: %w", err)
	}

	st := &attnState{
		T:     T,
		q:     q.Float32s(),
		k:     k.Float32s(),
		v:     v.Float32s(),
		probs: make([][]float32, T*a.numHeads),
	}
	a.rotaryEmbed.rotateHeads(st.q, T, a.numHeads, false)
	a.rotaryEmbed.rotateHeads(st.k, T, a.numKVHeads, false)

	st.headsOut, err = tensor.Zeros(tensor.CPU, T, a.numHeads*a.headDim)
	if err != nil {
		return nil, err
	}
	headsOut := st.headsOut.Float32s()

	for t := 0; t < T; t++ {
		for h := 0; h < a.numHeads; h++ {
			kv := h % a.numKVHeads
			qVec := a.qRow(st.q, t, h)

			L := t + 1
			scores := make([]float32, L)
			for i := 0; i < L; i++ {
				kc := a.kvRow(st.k, i, kv)
				var s float32
				for d := 0; d < a.headDim; d++ {
					s += qVec[d] * kc[d]
				}
				scores[i] = s * a.scale
			}
			// softmax
			max := scores[0]
			for i := 1; i < L; i++ {
				if scores[i] > max {
					max = scores[i]
				}
			}
			var sum float32
			for i := 0; i < L; i++ {
				scores[i] = float32(math.Exp(float64(scores[i] - max)))
				sum += scores[i]
			}
			for i := 0; i < L; i++ {
				scores[i] /= sum
			}
			st.probs[t*a.numHeads+h] = scores

			// weighted sum of V
			outHead := a.qRow(headsOut, t, h)
			for i := 0; i < L; i++ {
				w := scores[i]
				vc := a.kvRow(st.v, i, kv)
				for d := 0; d < a.headDim; d++ {
					outHead[d] += w * vc[d]
				}
			}
		}
	}

	// Project concatenated heads
	st.projOutput, err = a.oProj.Forward(st.headsOut)
	if err != nil {
		return nil, fmt.Errorf("output projection failed: %w", err)
	}
	return st, nil
}

// Backward recomputes the forward pass, accumulates projection gradients and
// returns dx. Per head, with P the attention probabilities:
// dV += P^T dO, dS = P * (dP - rowsum(P*dP)), dq = scale*dS k, dk += scale*dS^T q.
func (a *Attention) Backward(input, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	st, err := a.forward(input)
	if err != nil {
		return nil, err
	}
	dHeads, err := a.oProj.Backward(st.headsOut, gradOutput)
	if err != nil {
		return nil, fmt.Errorf("output projection backward failed: %w", err)
	}
	dO := dHeads.Float32s()

	T := st.T
	dq := make([]float32, len(st.q))
	dk := make([]float32, len(st.k))
	dv := make([]float32, len(st.v))

	for t := 0; t < T; t++ {
		for h := 0; h < a.numHeads; h++ {
			kv := h % a.numKVHeads
			probs := st.probs[t*a.numHeads+h]
			dOut := a.qRow(dO, t, h)
			qVec := a.qRow(st.q, t, h)
			dqVec := a.qRow(dq, t, h)

			dP := make([]float32, len(probs))
			var rowsum float32
			for i := range probs {
				vc := a.kvRow(st.v, i, kv)
				dvc := a.kvRow(dv, i, kv)
				var s float32
				for d := 0; d < a.headDim; d++ {
					s += dOut[d] * vc[d]
					dvc[d] += probs[i] * dOut[d]
				}
				dP[i] = s
				rowsum += probs[i] * s
			}
			for i := range probs {
				dS := probs[i] * (dP[i] - rowsum) * a.scale
				kc := a.kvRow(st.k, i, kv)
				dkc := a.kvRow(dk, i, kv)
				for d := 0; d < a.headDim; d++ {
					dqVec[d] += dS * kc[d]
					dkc[d] += dS * qVec[d]
				}
			}
		}
	}

	a.rotaryEmbed.rotateHeads(dq, T, a.numHeads, true)
	a.rotaryEmbed.rotateHeads(dk, T, a.numKVHeads, true)

	var dInput *tensor.Tensor
	for _, part := range []struct {
		proj *Linear
		grad []float32
		cols int
	}{
		{a.qProj, dq, a.numHeads * a.headDim},
		{a.kProj, dk, a.numKVHeads * a.headDim},
		{a.vProj, dv, a.numKVHeads * a.headDim},
	} {
		g, err := tensor.FromFloat32(tensor.CPU, part.grad, T, part.cols)
		if err != nil {
			return nil, err
		}
		dx, err := part.proj.Backward(input, g)
		if err != nil {
			return nil, fmt.Errorf("input projection backward failed: %w", err)
		}
		if dInput == nil {
			dInput = dx
			continue
		}
		acc := dInput.Float32s()
		for i, x := range dx.Float32s() {
			acc[i] += x
		}
	}
	return dInput, nil
}

func (a *Attention) qRow(buf []float32, t, h int) []float32 {
	off := (t*a.numHeads + h) * a.headDim
	return buf[off : off+a.headDim]
}

func (a *Attention) kvRow(buf []float32, t, kv int) []float32 {
	off := (t*a.numKVHeads + kv) * a.headDim
	return buf[off : off+a.headDim]
}

// Params returns the projection weights
func (a *Attention) Params() []*Param {
	return CollectParams(a.qProj, a.kProj, a.vProj, a.oProj)
}
